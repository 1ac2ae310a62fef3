package ntfs

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Driver implements interfaces.FilesystemDriver for NTFS.
type Driver struct {
	vol    interfaces.Volume
	boot   *types.NTFSBootSector
	geom   types.VolumeGeometry
	store  *RecordStore
	bitmap *ClusterBitmap
	log    zerolog.Logger
}

var _ interfaces.FilesystemDriver = (*Driver)(nil)

// NewDriver opens the NTFS volume in vol.
func NewDriver(vol interfaces.Volume, log zerolog.Logger) (*Driver, error) {
	boot, err := ReadBootSector(vol)
	if err != nil {
		return nil, err
	}
	geom := Geometry(boot)
	if err := geom.Validate(vol.Size()); err != nil {
		return nil, err
	}
	store, err := NewRecordStore(vol, boot, log)
	if err != nil {
		return nil, err
	}
	bitmap, err := NewClusterBitmap(vol, store, geom.UnitCount, log)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Uint32("cluster_size", geom.ClusterSize).
		Uint32("record_size", boot.RecordSize).
		Uint64("clusters", geom.UnitCount).
		Msg("opened NTFS volume")
	return &Driver{vol: vol, boot: boot, geom: geom, store: store, bitmap: bitmap, log: log}, nil
}

// Type returns types.FilesystemNTFS.
func (d *Driver) Type() types.FilesystemType {
	return types.FilesystemNTFS
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
func (d *Driver) Boot() *types.NTFSBootSector {
	return d.boot
}

// Records returns the MFT record store.
func (d *Driver) Records() *RecordStore {
	return d.store
}

// Bitmap returns the cluster allocation bitmap.
func (d *Driver) Bitmap() *ClusterBitmap {
	return d.bitmap
}

func (d *Driver) rootRecord() (*types.DirectoryRecord, error) {
	return d.describe(types.MFTRecordRoot, "")
}

// describe builds a directory record from the MFT record itself, which holds
// authoritative sizes.
func (d *Driver) describe(n uint64, name string) (*types.DirectoryRecord, error) {
	rec, err := d.store.Record(n)
	if err != nil {
		return nil, err
	}
	dr := &types.DirectoryRecord{
		Name:        name,
		IsDirectory: rec.Header.IsDirectory(),
		IsDeleted:   !rec.Header.InUse(),
		StartUnit:   n,
		EntryOffset: -1,
	}
	if data := rec.FindAttribute(types.AttrData, ""); data != nil {
		dr.Size = data.Size()
	}
	if fn := rec.FindAttribute(types.AttrFileName, ""); fn != nil {
		if parsed, mod, err := ParseFileName(fn.Value); err == nil {
			dr.ModTime = mod
			dr.Attributes = parsed.Flags
		}
	}
	return dr, nil
}

func (d *Driver) children(dir *types.DirectoryRecord) ([]IndexEntry, error) {
	rec, err := d.store.Record(dir.StartUnit)
	if err != nil {
		return nil, err
	}
	entries, err := d.store.ReadIndex(rec)
	if err != nil {
		return nil, err
	}
	return visibleEntries(dir.StartUnit, entries), nil
}

// ResolveFile walks path from the root directory, matching names case-insensitively.
func (d *Driver) ResolveFile(path string) (*types.DirectoryRecord, error) {
	current, err := d.rootRecord()
	if err != nil {
		return nil, err
	}
	parts := splitPath(path)
	for i, part := range parts {
		if !current.IsDirectory {
			return nil, fmt.Errorf("%w: %s", types.ErrNotADirectory, strings.Join(parts[:i], "/"))
		}
		entries, err := d.children(current)
		if err != nil {
			return nil, err
		}
		var next *types.DirectoryRecord
		for _, e := range entries {
			if strings.EqualFold(e.FileName.Name, part) {
				next, err = d.describe(e.Record(), e.FileName.Name)
				if err != nil {
					return nil, err
				}
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s", types.ErrPathComponentNotFound, strings.Join(parts[:i+1], "/"))
		}
		current = next
	}
	return current, nil
}

// ListDirectory lists the user entries of a directory in index order.
func (d *Driver) ListDirectory(path string) ([]types.DirectoryRecord, error) {
	dir, err := d.ResolveFile(path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDirectory {
		return nil, fmt.Errorf("%w: %s", types.ErrNotADirectory, path)
	}
	entries, err := d.children(dir)
	if err != nil {
		return nil, err
	}
	records := make([]types.DirectoryRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.DirectoryRecord())
	}
	return records, nil
}

// FollowChain returns the clusters of the unnamed $DATA stream of record start.
// Resident data has no clusters.
func (d *Driver) FollowChain(start uint64) (types.AllocationChain, error) {
	rec, err := d.store.Record(start)
	if err != nil {
		return nil, err
	}
	data := rec.FindAttribute(types.AttrData, "")
	if data == nil {
		return nil, types.NewUnitError("mft record", start, fmt.Errorf("%w: no $DATA attribute", types.ErrChainIntegrity))
	}
	if !data.NonResident {
		return types.AllocationChain{}, nil
	}
	return data.Runs.Clusters(), nil
}

// ComputeSlack returns the record tail for resident files and the drive
// slack of the last cluster for non-resident files.
func (d *Driver) ComputeSlack(record *types.DirectoryRecord) ([]types.SlackRegion, error) {
	if record.IsDirectory {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrInsufficientSpace, record.Name)
	}
	rec, err := d.store.Record(record.StartUnit)
	if err != nil {
		return nil, err
	}
	data := rec.FindAttribute(types.AttrData, "")
	if data == nil {
		return nil, fmt.Errorf("%w: %s has no $DATA attribute", types.ErrInsufficientSpace, record.Name)
	}
	if !data.NonResident {
		return recordSlack(rec)
	}

	size := data.RealSize
	if size == 0 {
		return nil, fmt.Errorf("%w: %s is empty", types.ErrInsufficientSpace, record.Name)
	}
	cluster, sparse, err := clusterAt(data.Runs, (size-1)/uint64(d.geom.ClusterSize))
	if err != nil {
		return nil, types.NewUnitError("mft record", record.StartUnit, err)
	}
	if sparse {
		return nil, fmt.Errorf("%w: last cluster of %s is sparse", types.ErrInsufficientSpace, record.Name)
	}
	region, err := types.UnitSlack(d.geom, cluster, size, types.UnitCluster)
	if err != nil {
		return nil, err
	}
	return []types.SlackRegion{region}, nil
}
