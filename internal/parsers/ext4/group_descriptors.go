package ext4

import (
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// GroupDescriptorOffset returns the byte offset of the primary descriptor
// table, the block after the one holding the primary superblock.
func GroupDescriptorOffset(sb *types.Ext4Superblock) uint64 {
	return (uint64(sb.FirstDataBlock) + 1) * uint64(sb.BlockSize())
}

// ReadGroupDescriptors reads the primary descriptor table.
func ReadGroupDescriptors(vol interfaces.VolumeReader, sb *types.Ext4Superblock) ([]types.Ext4GroupDescriptor, error) {
	count := sb.GroupCount()
	size := sb.GroupDescriptorSize()
	off := GroupDescriptorOffset(sb)
	data, err := vol.Read(int64(off), int(count*size))
	if err != nil {
		return nil, fmt.Errorf("failed to read group descriptor table: %w", err)
	}
	return ParseGroupDescriptors(data, count, size, sb.Is64Bit())
}

// ParseGroupDescriptors decodes count descriptors of size bytes each.
func ParseGroupDescriptors(data []byte, count, size uint32, is64 bool) ([]types.Ext4GroupDescriptor, error) {
	groups := make([]types.Ext4GroupDescriptor, 0, count)
	for g := uint32(0); g < count; g++ {
		base := int(g * size)
		rec, err := binstruct.Decode(data, base, groupDescTable)
		if err != nil {
			return nil, types.NewUnitError("ext4 group descriptor", uint64(g), err)
		}
		gd := types.Ext4GroupDescriptor{
			BlockBitmap:     rec.Uint("block_bitmap_lo"),
			InodeBitmap:     rec.Uint("inode_bitmap_lo"),
			InodeTable:      rec.Uint("inode_table_lo"),
			FreeBlocksCount: uint32(rec.Uint("free_blocks_count_lo")),
			FreeInodesCount: uint32(rec.Uint("free_inodes_count_lo")),
			UsedDirsCount:   uint32(rec.Uint("used_dirs_count_lo")),
			Flags:           uint16(rec.Uint("flags")),
			Checksum:        uint16(rec.Uint("checksum")),
		}
		if is64 && size >= types.Ext4GroupDescSize64 {
			hi, err := binstruct.Decode(data, base, groupDescHighTable)
			if err != nil {
				return nil, types.NewUnitError("ext4 group descriptor", uint64(g), err)
			}
			gd.BlockBitmap |= hi.Uint("block_bitmap_hi") << 32
			gd.InodeBitmap |= hi.Uint("inode_bitmap_hi") << 32
			gd.InodeTable |= hi.Uint("inode_table_hi") << 32
			gd.FreeBlocksCount |= uint32(hi.Uint("free_blocks_count_hi")) << 16
			gd.FreeInodesCount |= uint32(hi.Uint("free_inodes_count_hi")) << 16
			gd.UsedDirsCount |= uint32(hi.Uint("used_dirs_count_hi")) << 16
		}
		groups = append(groups, gd)
	}
	return groups, nil
}

// ReservedGDTBlocks returns the first reserved GDT block and the number of
// reserved blocks in group g, or zero when the group has no superblock copy.
func ReservedGDTBlocks(sb *types.Ext4Superblock, g uint32) (uint64, uint64) {
	if !HasSuperblock(sb, g) || sb.FeatureIncompat&types.Ext4FeatureIncompatMetaBG != 0 {
		return 0, 0
	}
	first := GroupFirstBlock(sb, g) + 1 + GroupDescriptorBlocks(sb)
	return first, uint64(sb.ReservedGdtBlocks)
}
