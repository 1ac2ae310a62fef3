package ext4

import (
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// InodeReader locates and decodes inodes through the group descriptor table.
type InodeReader struct {
	vol    interfaces.VolumeReader
	sb     *types.Ext4Superblock
	groups []types.Ext4GroupDescriptor
}

// NewInodeReader returns a reader over the given descriptors.
func NewInodeReader(vol interfaces.VolumeReader, sb *types.Ext4Superblock, groups []types.Ext4GroupDescriptor) *InodeReader {
	return &InodeReader{vol: vol, sb: sb, groups: groups}
}

// Count returns the number of inodes in the filesystem.
func (r *InodeReader) Count() uint32 {
	return r.sb.InodesPerGroup * uint32(len(r.groups))
}

// Offset returns the absolute byte offset of inode n.
func (r *InodeReader) Offset(n uint32) (int64, error) {
	if n == 0 || n > r.Count() {
		return 0, types.NewUnitError("ext4 inode", uint64(n), fmt.Errorf("%w: inode outside 1..%d", types.ErrCorruptStructure, r.Count()))
	}
	group := (n - 1) / r.sb.InodesPerGroup
	index := (n - 1) % r.sb.InodesPerGroup
	table := r.groups[group].InodeTable * uint64(r.sb.BlockSize())
	return int64(table + uint64(index)*uint64(r.sb.InodeSize)), nil
}

// Inode reads and decodes inode n.
func (r *InodeReader) Inode(n uint32) (*types.Ext4Inode, error) {
	off, err := r.Offset(n)
	if err != nil {
		return nil, err
	}
	data, err := r.vol.Read(off, types.Ext4GoodOldInodeSize)
	if err != nil {
		return nil, types.NewUnitError("ext4 inode", uint64(n), err)
	}
	rec, err := binstruct.Decode(data, 0, inodeTable)
	if err != nil {
		return nil, types.NewUnitError("ext4 inode", uint64(n), err)
	}
	return &types.Ext4Inode{
		Number:     n,
		Mode:       uint16(rec.Uint("mode")),
		Size:       rec.Uint("size_lo") | rec.Uint("size_high")<<32,
		LinksCount: uint16(rec.Uint("links_count")),
		Flags:      uint32(rec.Uint("flags")),
		Block:      rec.Bytes("block"),
		ObsoFaddr:  uint32(rec.Uint("obso_faddr")),
		Osd2:       rec.Bytes("osd2"),
		ModTime:    rec.Time("mtime"),
		Offset:     off,
	}, nil
}
