package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// ReadSuperblock reads and decodes the primary superblock of vol.
func ReadSuperblock(vol interfaces.VolumeReader) (*types.Ext4Superblock, error) {
	data, err := vol.Read(types.Ext4SuperblockOffset, types.Ext4SuperblockSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read ext4 superblock: %w", err)
	}
	return ParseSuperblock(data)
}

// IsExt4 reports whether the volume prefix in data carries the ext4 magic.
// data must start at volume offset 0.
func IsExt4(data []byte) bool {
	off := types.Ext4SuperblockOffset + types.Ext4MagicOff
	return len(data) >= off+2 && binary.LittleEndian.Uint16(data[off:]) == types.Ext4Magic
}

// ParseSuperblock decodes a 1024-byte superblock.
func ParseSuperblock(data []byte) (*types.Ext4Superblock, error) {
	rec, err := binstruct.Decode(data, 0, superblockTable)
	if err != nil {
		return nil, err
	}
	if uint16(rec.Uint("magic")) != types.Ext4Magic {
		return nil, types.ErrUnrecognizedFilesystem
	}

	sb := &types.Ext4Superblock{
		InodesCount:       uint32(rec.Uint("inodes_count")),
		BlocksCount:       rec.Uint("blocks_count_lo"),
		FreeBlocksCount:   rec.Uint("free_blocks_count_lo"),
		FreeInodesCount:   uint32(rec.Uint("free_inodes_count")),
		FirstDataBlock:    uint32(rec.Uint("first_data_block")),
		LogBlockSize:      uint32(rec.Uint("log_block_size")),
		BlocksPerGroup:    uint32(rec.Uint("blocks_per_group")),
		InodesPerGroup:    uint32(rec.Uint("inodes_per_group")),
		Magic:             uint16(rec.Uint("magic")),
		RevLevel:          uint32(rec.Uint("rev_level")),
		FirstIno:          uint32(rec.Uint("first_ino")),
		InodeSize:         uint16(rec.Uint("inode_size")),
		BlockGroupNr:      uint16(rec.Uint("block_group_nr")),
		FeatureCompat:     uint32(rec.Uint("feature_compat")),
		FeatureIncompat:   uint32(rec.Uint("feature_incompat")),
		FeatureRoCompat:   uint32(rec.Uint("feature_ro_compat")),
		UUID:              rec.Bytes("uuid"),
		VolumeName:        rec.String("volume_name"),
		ReservedGdtBlocks: uint16(rec.Uint("reserved_gdt_blocks")),
		DescSize:          uint16(rec.Uint("desc_size")),
		MkfsTime:          rec.Time("mkfs_time"),
		BackupBgs:         [2]uint32{uint32(rec.Uint("backup_bgs_0")), uint32(rec.Uint("backup_bgs_1"))},
	}
	if sb.Is64Bit() {
		sb.BlocksCount |= rec.Uint("blocks_count_hi") << 32
		sb.FreeBlocksCount |= rec.Uint("free_blocks_count_hi") << 32
	}
	if sb.RevLevel == 0 {
		sb.InodeSize = types.Ext4GoodOldInodeSize
		sb.FirstIno = 11
	}

	if sb.LogBlockSize > 6 {
		return nil, types.NewStructureError("ext4 superblock.log_block_size", 0x18,
			fmt.Errorf("%w: block size 1024<<%d", types.ErrCorruptStructure, sb.LogBlockSize))
	}
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 {
		return nil, types.NewStructureError("ext4 superblock", 0x20,
			fmt.Errorf("%w: empty block groups", types.ErrCorruptStructure))
	}
	if sb.InodeSize < types.Ext4GoodOldInodeSize || sb.InodeSize&(sb.InodeSize-1) != 0 || uint32(sb.InodeSize) > sb.BlockSize() {
		return nil, types.NewStructureError("ext4 superblock.inode_size", 0x58,
			fmt.Errorf("%w: inode size %d", types.ErrCorruptStructure, sb.InodeSize))
	}
	return sb, nil
}

// Geometry derives the volume geometry from a superblock. Blocks are
// treated as clusters of 512-byte sectors for slack computation.
func Geometry(sb *types.Ext4Superblock) types.VolumeGeometry {
	bs := sb.BlockSize()
	return types.VolumeGeometry{
		FSType:                types.FilesystemExt4,
		SectorSize:            512,
		SectorsPerCluster:     bs / 512,
		ClusterSize:           bs,
		RootDirectoryLocation: uint64(types.Ext4RootInode),
		UnitCount:             sb.BlocksCount,
		VolumeSize:            sb.BlocksCount * uint64(bs),
	}
}

// HasSuperblock reports whether group g carries a superblock copy.
func HasSuperblock(sb *types.Ext4Superblock, g uint32) bool {
	if g == 0 {
		return true
	}
	if sb.FeatureCompat&types.Ext4FeatureCompatSparseSuper2 != 0 {
		return g == sb.BackupBgs[0] || g == sb.BackupBgs[1]
	}
	if sb.FeatureRoCompat&types.Ext4FeatureRoCompatSparseSuper == 0 {
		return true
	}
	return g == 1 || isPowerOf(g, 3) || isPowerOf(g, 5) || isPowerOf(g, 7)
}

func isPowerOf(g, base uint32) bool {
	for n := base; n <= g; n *= base {
		if n == g {
			return true
		}
	}
	return false
}

// SuperblockGroups lists the groups that carry a superblock copy, in order.
func SuperblockGroups(sb *types.Ext4Superblock) []uint32 {
	var groups []uint32
	for g := uint32(0); g < sb.GroupCount(); g++ {
		if HasSuperblock(sb, g) {
			groups = append(groups, g)
		}
	}
	return groups
}

// GroupFirstBlock returns the first block of group g.
func GroupFirstBlock(sb *types.Ext4Superblock, g uint32) uint64 {
	return uint64(g)*uint64(sb.BlocksPerGroup) + uint64(sb.FirstDataBlock)
}

// SuperblockOffset returns the byte offset of the superblock copy in group g.
// The primary copy always sits at byte 1024.
func SuperblockOffset(sb *types.Ext4Superblock, g uint32) uint64 {
	if g == 0 {
		return types.Ext4SuperblockOffset
	}
	return GroupFirstBlock(sb, g) * uint64(sb.BlockSize())
}

// GroupDescriptorBlocks returns the number of blocks holding the descriptor table.
func GroupDescriptorBlocks(sb *types.Ext4Superblock) uint64 {
	bs := uint64(sb.BlockSize())
	return (uint64(sb.GroupCount())*uint64(sb.GroupDescriptorSize()) + bs - 1) / bs
}
