package fat

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Driver implements interfaces.FilesystemDriver for FAT12, FAT16 and FAT32.
// The variants differ only in the entry width handled by AllocationTable.
type Driver struct {
	vol   interfaces.Volume
	boot  *BootSector
	geom  types.VolumeGeometry
	table *AllocationTable
	dirs  *DirectoryIndex
	log   zerolog.Logger
}

var _ interfaces.FilesystemDriver = (*Driver)(nil)

// NewDriver opens the FAT volume in vol.
func NewDriver(vol interfaces.Volume, log zerolog.Logger) (*Driver, error) {
	boot, err := ReadBootSector(vol)
	if err != nil {
		return nil, err
	}
	geom := boot.Geometry()
	if err := geom.Validate(vol.Size()); err != nil {
		return nil, err
	}
	table, err := NewAllocationTable(vol, boot, log)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("type", boot.Type().String()).
		Uint32("cluster_size", geom.ClusterSize).
		Uint64("clusters", geom.UnitCount).
		Msg("opened FAT volume")
	return &Driver{
		vol:   vol,
		boot:  boot,
		geom:  geom,
		table: table,
		dirs:  NewDirectoryIndex(vol, boot, table),
		log:   log,
	}, nil
}

// Type returns the FAT variant.
func (d *Driver) Type() types.FilesystemType {
	return d.boot.Type()
}

// Device returns the volume stream the driver reads from.
func (d *Driver) Device() interfaces.Volume {
	return d.vol
}

// Geometry returns the volume geometry.
func (d *Driver) Geometry() types.VolumeGeometry {
	return d.geom
}

// Boot returns the decoded boot sector.
func (d *Driver) Boot() *BootSector {
	return d.boot
}

// Table returns the allocation table.
func (d *Driver) Table() *AllocationTable {
	return d.table
}

// Directories returns the directory index.
func (d *Driver) Directories() *DirectoryIndex {
	return d.dirs
}

// ResolveFile resolves a path to its directory record.
func (d *Driver) ResolveFile(path string) (*types.DirectoryRecord, error) {
	return d.dirs.Resolve(path)
}

// ListDirectory lists the live entries of a directory.
func (d *Driver) ListDirectory(path string) ([]types.DirectoryRecord, error) {
	return d.dirs.List(path)
}

// FollowChain follows a cluster chain.
func (d *Driver) FollowChain(start uint64) (types.AllocationChain, error) {
	return d.table.Follow(start)
}

// ComputeSlack returns the drive slack behind the last cluster of a file.
func (d *Driver) ComputeSlack(record *types.DirectoryRecord) ([]types.SlackRegion, error) {
	if record.IsDirectory {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrInsufficientSpace, record.Name)
	}
	if record.Size == 0 {
		return nil, fmt.Errorf("%w: %s is empty", types.ErrInsufficientSpace, record.Name)
	}
	chain, err := d.table.Follow(record.StartUnit)
	if err != nil {
		return nil, fmt.Errorf("failed to follow chain of %s: %w", record.Name, err)
	}
	region, err := types.FileSlack(d.geom, chain, record.Size, types.UnitCluster)
	if err != nil {
		return nil, err
	}
	return []types.SlackRegion{region}, nil
}
