package ext4

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Driver implements interfaces.FilesystemDriver for ext4 volumes whose
// files use single-level extent trees.
type Driver struct {
	vol    interfaces.Volume
	sb     *types.Ext4Superblock
	geom   types.VolumeGeometry
	groups []types.Ext4GroupDescriptor
	inodes *InodeReader
	log    zerolog.Logger
}

var _ interfaces.FilesystemDriver = (*Driver)(nil)

// NewDriver opens the ext4 volume in vol.
func NewDriver(vol interfaces.Volume, log zerolog.Logger) (*Driver, error) {
	sb, err := ReadSuperblock(vol)
	if err != nil {
		return nil, err
	}
	geom := Geometry(sb)
	if err := geom.Validate(vol.Size()); err != nil {
		return nil, err
	}
	if geom.VolumeSize > uint64(vol.Size()) {
		return nil, types.NewStructureError("ext4 superblock.blocks_count", 0x04,
			fmt.Errorf("%w: %d blocks exceed stream length %d", types.ErrTruncatedRegion, sb.BlocksCount, vol.Size()))
	}
	groups, err := ReadGroupDescriptors(vol, sb)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Uint32("block_size", sb.BlockSize()).
		Uint32("groups", sb.GroupCount()).
		Bool("64bit", sb.Is64Bit()).
		Msg("opened ext4 volume")
	return &Driver{
		vol:    vol,
		sb:     sb,
		geom:   geom,
		groups: groups,
		inodes: NewInodeReader(vol, sb, groups),
		log:    log,
	}, nil
}

// Type returns types.FilesystemExt4.
func (d *Driver) Type() types.FilesystemType {
	return types.FilesystemExt4
}

// Device returns the volume stream the driver reads from.
func (d *Driver) Device() interfaces.Volume {
	return d.vol
}

// Geometry returns the volume geometry.
func (d *Driver) Geometry() types.VolumeGeometry {
	return d.geom
}

// Superblock returns the decoded primary superblock.
func (d *Driver) Superblock() *types.Ext4Superblock {
	return d.sb
}

// Groups returns the group descriptors.
func (d *Driver) Groups() []types.Ext4GroupDescriptor {
	return d.groups
}

// Inodes returns the inode reader.
func (d *Driver) Inodes() *InodeReader {
	return d.inodes
}

func (d *Driver) extents(inode *types.Ext4Inode) ([]types.Ext4Extent, error) {
	if inode.Flags&types.Ext4InodeFlagInlineData != 0 {
		return nil, types.NewUnitError("ext4 inode", uint64(inode.Number), fmt.Errorf("%w: inline data", types.ErrUnsupportedFeature))
	}
	if !inode.UsesExtents() {
		return nil, types.NewUnitError("ext4 inode", uint64(inode.Number), fmt.Errorf("%w: block-mapped inode", types.ErrUnsupportedFeature))
	}
	extents, err := ParseExtentTree(inode.Block)
	if err != nil {
		return nil, types.NewUnitError("ext4 inode", uint64(inode.Number), err)
	}
	return extents, nil
}

func (d *Driver) record(entry types.Ext4DirEntry) (*types.DirectoryRecord, error) {
	inode, err := d.inodes.Inode(entry.Inode)
	if err != nil {
		return nil, err
	}
	return &types.DirectoryRecord{
		Name:        entry.Name,
		IsDirectory: inode.IsDirectory(),
		StartUnit:   uint64(inode.Number),
		Size:        inode.Size,
		Attributes:  uint32(inode.Mode),
		EntryOffset: entry.Offset,
		ModTime:     inode.ModTime,
	}, nil
}

// ResolveFile walks path from the root inode. Names are case-sensitive.
func (d *Driver) ResolveFile(path string) (*types.DirectoryRecord, error) {
	root, err := d.inodes.Inode(types.Ext4RootInode)
	if err != nil {
		return nil, err
	}
	current := &types.DirectoryRecord{
		IsDirectory: root.IsDirectory(),
		StartUnit:   uint64(types.Ext4RootInode),
		Size:        root.Size,
		Attributes:  uint32(root.Mode),
		EntryOffset: -1,
		ModTime:     root.ModTime,
	}
	parts := splitPath(path)
	for i, part := range parts {
		if !current.IsDirectory {
			return nil, fmt.Errorf("%w: %s", types.ErrNotADirectory, strings.Join(parts[:i], "/"))
		}
		dir, err := d.inodes.Inode(uint32(current.StartUnit))
		if err != nil {
			return nil, err
		}
		entries, err := d.ReadDirectory(dir)
		if err != nil {
			return nil, err
		}
		var next *types.DirectoryRecord
		for _, e := range entries {
			if e.Name == part {
				if next, err = d.record(e); err != nil {
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

// ListDirectory lists a directory without its "." and ".." entries.
func (d *Driver) ListDirectory(path string) ([]types.DirectoryRecord, error) {
	dir, err := d.ResolveFile(path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDirectory {
		return nil, fmt.Errorf("%w: %s", types.ErrNotADirectory, path)
	}
	inode, err := d.inodes.Inode(uint32(dir.StartUnit))
	if err != nil {
		return nil, err
	}
	entries, err := d.ReadDirectory(inode)
	if err != nil {
		return nil, err
	}
	records := make([]types.DirectoryRecord, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		rec, err := d.record(e)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// FollowChain returns the physical blocks of inode start in logical order.
func (d *Driver) FollowChain(start uint64) (types.AllocationChain, error) {
	inode, err := d.inodes.Inode(uint32(start))
	if err != nil {
		return nil, err
	}
	extents, err := d.extents(inode)
	if err != nil {
		return nil, err
	}
	return extentChain(extents), nil
}

// ComputeSlack returns the drive slack of the block holding the last byte of a file.
func (d *Driver) ComputeSlack(record *types.DirectoryRecord) ([]types.SlackRegion, error) {
	if record.IsDirectory {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrInsufficientSpace, record.Name)
	}
	inode, err := d.inodes.Inode(uint32(record.StartUnit))
	if err != nil {
		return nil, err
	}
	if inode.Size == 0 {
		return nil, fmt.Errorf("%w: %s is empty", types.ErrInsufficientSpace, record.Name)
	}
	extents, err := d.extents(inode)
	if err != nil {
		return nil, err
	}
	last, ok := blockAt(extents, (inode.Size-1)/uint64(d.geom.ClusterSize))
	if !ok {
		return nil, fmt.Errorf("%w: last block of %s is a hole", types.ErrInsufficientSpace, record.Name)
	}
	region, err := types.UnitSlack(d.geom, last, inode.Size, types.UnitBlock)
	if err != nil {
		return nil, err
	}
	return []types.SlackRegion{region}, nil
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}
