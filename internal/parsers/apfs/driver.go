package apfs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/btrees"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Driver implements interfaces.FilesystemDriver for the first volume of an
// APFS container.
type Driver struct {
	vol         interfaces.Volume
	nx          *types.NxSuperblockT
	apsb        *types.ApfsSuperblockT
	volumeBlock uint64
	geom        types.VolumeGeometry
	tree        *FSTree
	log         zerolog.Logger
}

var _ interfaces.FilesystemDriver = (*Driver)(nil)

// NewDriver opens the APFS container in vol and its first volume.
func NewDriver(vol interfaces.Volume, log zerolog.Logger) (*Driver, error) {
	nx, _, err := ReadContainerSuperblock(vol)
	if err != nil {
		return nil, err
	}
	geom := Geometry(nx)
	if err := geom.Validate(vol.Size()); err != nil {
		return nil, err
	}
	if geom.VolumeSize > uint64(vol.Size()) {
		return nil, types.NewStructureError("apfs nx_superblock.nx_block_count", types.NxBlockCountOff,
			fmt.Errorf("%w: %d blocks exceed stream length %d", types.ErrTruncatedRegion, nx.NxBlockCount, vol.Size()))
	}
	if len(nx.NxFsOid) == 0 {
		return nil, types.NewStructureError("apfs nx_superblock.nx_fs_oid", types.NxFsOidOff,
			fmt.Errorf("%w: container holds no volume", types.ErrCorruptStructure))
	}

	containerOmap, err := NewObjectMap(vol, nx.NxBlockSize, uint64(nx.NxOmapOid), nx.NxO.OXid)
	if err != nil {
		return nil, fmt.Errorf("failed to open container object map: %w", err)
	}
	volumeBlock, data, err := containerOmap.Resolve(nx.NxFsOid[0])
	if err != nil {
		return nil, fmt.Errorf("failed to locate volume superblock: %w", err)
	}
	apsb, err := ParseVolumeSuperblock(data)
	if err != nil {
		return nil, err
	}
	volumeOmap, err := NewObjectMap(vol, nx.NxBlockSize, uint64(apsb.ApfsOmapOid), nx.NxO.OXid)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume object map: %w", err)
	}
	kind := btrees.TreeFS
	if apsb.HashedNames() {
		kind = btrees.TreeFSHashed
	}

	log.Debug().
		Uint32("block_size", nx.NxBlockSize).
		Uint64("blocks", nx.NxBlockCount).
		Str("volume", apsb.ApfsVolname).
		Bool("case_insensitive", apsb.CaseInsensitive()).
		Msg("opened APFS container")
	return &Driver{
		vol:         vol,
		nx:          nx,
		apsb:        apsb,
		volumeBlock: volumeBlock,
		geom:        geom,
		tree:        NewFSTree(volumeOmap, apsb.ApfsRootTreeOid, kind),
		log:         log,
	}, nil
}

// Type returns types.FilesystemAPFS.
func (d *Driver) Type() types.FilesystemType {
	return types.FilesystemAPFS
}

// Device returns the volume stream the driver reads from.
func (d *Driver) Device() interfaces.Volume {
	return d.vol
}

// Geometry returns the container geometry.
func (d *Driver) Geometry() types.VolumeGeometry {
	return d.geom
}

// Container returns the container superblock.
func (d *Driver) Container() *types.NxSuperblockT {
	return d.nx
}

// Volume returns the superblock of the opened volume.
func (d *Driver) Volume() *types.ApfsSuperblockT {
	return d.apsb
}

// VolumeBlock returns the physical block of the volume superblock.
func (d *Driver) VolumeBlock() uint64 {
	return d.volumeBlock
}

// Tree returns the file-system tree reader.
func (d *Driver) Tree() *FSTree {
	return d.tree
}

// Inode returns the inode record of id.
func (d *Driver) Inode(id uint64) (btrees.InodeValue, error) {
	records, err := d.tree.Records(id, types.JObjTypeInode)
	if err != nil {
		return btrees.InodeValue{}, err
	}
	if len(records) == 0 {
		return btrees.InodeValue{}, types.NewUnitError("apfs inode", id,
			fmt.Errorf("%w: no inode record", types.ErrCorruptStructure))
	}
	return records[0].Decoded.(btrees.InodeValue), nil
}

func (d *Driver) record(name string, id uint64, entryOffset int64) (*types.DirectoryRecord, error) {
	inode, err := d.Inode(id)
	if err != nil {
		return nil, err
	}
	return &types.DirectoryRecord{
		Name:        name,
		IsDirectory: inode.IsDirectory(),
		StartUnit:   id,
		Size:        inode.Size(),
		Attributes:  uint32(inode.Mode),
		EntryOffset: entryOffset,
		ModTime:     inode.ModTime,
	}, nil
}

// children returns the directory records of dir in key order.
func (d *Driver) children(dir uint64) ([]LeafRecord, error) {
	return d.tree.Records(dir, types.JObjTypeDirRec)
}

func (d *Driver) entryOffset(r LeafRecord) int64 {
	return int64(r.Block)*int64(d.nx.NxBlockSize) + int64(r.KeyOffset)
}

func (d *Driver) matches(name, component string) bool {
	if d.apsb.CaseInsensitive() {
		return strings.EqualFold(name, component)
	}
	return name == component
}

// ResolveFile walks path from the root directory. Names compare
// case-insensitively on case-insensitive volumes.
func (d *Driver) ResolveFile(path string) (*types.DirectoryRecord, error) {
	current, err := d.record("/", types.RootDirInoNum, -1)
	if err != nil {
		return nil, err
	}
	parts := splitPath(path)
	for i, part := range parts {
		if !current.IsDirectory {
			return nil, fmt.Errorf("%w: %s", types.ErrNotADirectory, strings.Join(parts[:i], "/"))
		}
		entries, err := d.children(current.StartUnit)
		if err != nil {
			return nil, err
		}
		var next *types.DirectoryRecord
		for _, e := range entries {
			rec := e.Decoded.(btrees.DirRecordValue)
			if d.matches(rec.Name, part) {
				if next, err = d.record(rec.Name, rec.FileID, d.entryOffset(e)); err != nil {
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

// ListDirectory lists a directory in key order.
func (d *Driver) ListDirectory(path string) ([]types.DirectoryRecord, error) {
	dir, err := d.ResolveFile(path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDirectory {
		return nil, fmt.Errorf("%w: %s", types.ErrNotADirectory, path)
	}
	entries, err := d.children(dir.StartUnit)
	if err != nil {
		return nil, err
	}
	records := make([]types.DirectoryRecord, 0, len(entries))
	for _, e := range entries {
		val := e.Decoded.(btrees.DirRecordValue)
		rec, err := d.record(val.Name, val.FileID, d.entryOffset(e))
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// extents returns the file extents of an inode's data stream sorted by logical address.
func (d *Driver) extents(id uint64) (btrees.InodeValue, []btrees.FileExtentValue, error) {
	inode, err := d.Inode(id)
	if err != nil {
		return inode, nil, err
	}
	records, err := d.tree.Records(inode.PrivateID, types.JObjTypeFileExtent)
	if err != nil {
		return inode, nil, err
	}
	extents := make([]btrees.FileExtentValue, 0, len(records))
	for _, r := range records {
		extents = append(extents, r.Decoded.(btrees.FileExtentValue))
	}
	sort.Slice(extents, func(i, j int) bool { return extents[i].LogicalAddr < extents[j].LogicalAddr })
	return inode, extents, nil
}

// blockAt maps a logical block of a stream to its physical block. Sparse
// extents have physical block zero and map to nothing.
func blockAt(extents []btrees.FileExtentValue, logical, blockSize uint64) (uint64, bool) {
	for _, e := range extents {
		first := e.LogicalAddr / blockSize
		count := (e.Length + blockSize - 1) / blockSize
		if logical >= first && logical < first+count {
			if e.PhysBlock == 0 {
				return 0, false
			}
			return e.PhysBlock + logical - first, true
		}
	}
	return 0, false
}

// FollowChain returns the physical blocks of inode start in logical order.
func (d *Driver) FollowChain(start uint64) (types.AllocationChain, error) {
	_, extents, err := d.extents(start)
	if err != nil {
		return nil, err
	}
	bs := uint64(d.nx.NxBlockSize)
	var chain types.AllocationChain
	for _, e := range extents {
		if e.PhysBlock == 0 {
			continue
		}
		for i := uint64(0); i < (e.Length+bs-1)/bs; i++ {
			chain = append(chain, e.PhysBlock+i)
		}
	}
	return chain, nil
}

// ComputeSlack returns the drive slack of the block holding the last byte of a file.
func (d *Driver) ComputeSlack(record *types.DirectoryRecord) ([]types.SlackRegion, error) {
	if record.IsDirectory {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrInsufficientSpace, record.Name)
	}
	inode, extents, err := d.extents(record.StartUnit)
	if err != nil {
		return nil, err
	}
	size := inode.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %s is empty", types.ErrInsufficientSpace, record.Name)
	}
	bs := uint64(d.nx.NxBlockSize)
	last, ok := blockAt(extents, (size-1)/bs, bs)
	if !ok {
		return nil, fmt.Errorf("%w: last block of %s is not allocated", types.ErrInsufficientSpace, record.Name)
	}
	region, err := types.UnitSlack(d.geom, last, size, types.UnitBlock)
	if err != nil {
		return nil, err
	}
	return []types.SlackRegion{region}, nil
}

// InodePadding locates the unused padding fields of an inode record.
type InodePadding struct {
	InodeID uint64
	// Block is the physical block of the leaf node holding the record.
	Block uint64
	// Pad1Offset and Pad2Offset are byte offsets inside the node.
	Pad1Offset int
	Pad2Offset int
	// Pad2 is false when the field holds the uncompressed size.
	Pad2 bool
}

// InodePaddings returns the padding fields of every inode record in tree order.
func (d *Driver) InodePaddings() ([]InodePadding, error) {
	var out []InodePadding
	err := d.tree.Walk(func(r LeafRecord) error {
		if r.Kind != types.JObjTypeInode {
			return nil
		}
		inode := r.Decoded.(btrees.InodeValue)
		out = append(out, InodePadding{
			InodeID:    r.ObjectID,
			Block:      r.Block,
			Pad1Offset: r.ValueOffset + types.InodePad1Off,
			Pad2Offset: r.ValueOffset + types.InodeUncompressedOff,
			Pad2:       inode.InternalFlags&types.InodeHasUncompressedSize == 0,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
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
