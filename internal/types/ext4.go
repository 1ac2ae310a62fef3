package types

import "time"

// ext4 on-disk structures. All values are little-endian.

const (
	// Ext4SuperblockOffset is the byte offset of the primary superblock.
	Ext4SuperblockOffset = 1024
	Ext4SuperblockSize   = 1024
	Ext4MagicOff         = 0x38

	Ext4GroupDescSize       = 32
	Ext4GroupDescSize64     = 64
	Ext4GoodOldInodeSize    = 128
	Ext4InodeBlockArraySize = 60
	Ext4MinBlockSize        = 1024
)

const (
	Ext4Magic     uint16 = 0xEF53
	Ext4RootInode uint32 = 2
)

// Feature flags.
const (
	Ext4FeatureCompatHasJournal   uint32 = 0x0004
	Ext4FeatureCompatResizeInode  uint32 = 0x0010
	Ext4FeatureCompatDirIndex     uint32 = 0x0020
	Ext4FeatureCompatSparseSuper2 uint32 = 0x0200

	Ext4FeatureIncompatFiletype   uint32 = 0x0002
	Ext4FeatureIncompatMetaBG     uint32 = 0x0010
	Ext4FeatureIncompatExtents    uint32 = 0x0040
	Ext4FeatureIncompat64Bit      uint32 = 0x0080
	Ext4FeatureIncompatFlexBG     uint32 = 0x0200
	Ext4FeatureIncompatInlineData uint32 = 0x8000

	Ext4FeatureRoCompatSparseSuper  uint32 = 0x0001
	Ext4FeatureRoCompatLargeFile    uint32 = 0x0002
	Ext4FeatureRoCompatGdtCsum      uint32 = 0x0010
	Ext4FeatureRoCompatMetadataCsum uint32 = 0x0400
)

// Ext4Superblock holds the decoded superblock fields this tool uses.
type Ext4Superblock struct {
	InodesCount       uint32
	BlocksCount       uint64
	FreeBlocksCount   uint64
	FreeInodesCount   uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	BlocksPerGroup    uint32
	InodesPerGroup    uint32
	Magic             uint16
	RevLevel          uint32
	FirstIno          uint32
	InodeSize         uint16
	BlockGroupNr      uint16
	FeatureCompat     uint32
	FeatureIncompat   uint32
	FeatureRoCompat   uint32
	UUID              []byte
	VolumeName        string
	ReservedGdtBlocks uint16
	DescSize          uint16
	MkfsTime          time.Time
	BackupBgs         [2]uint32
}

// BlockSize returns the block size in bytes.
func (sb Ext4Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// GroupCount returns the number of block groups.
func (sb Ext4Superblock) GroupCount() uint32 {
	if sb.BlocksPerGroup == 0 {
		return 0
	}
	data := sb.BlocksCount - uint64(sb.FirstDataBlock)
	return uint32((data + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup))
}

// Is64Bit reports whether group descriptors carry the high address words.
func (sb Ext4Superblock) Is64Bit() bool {
	return sb.FeatureIncompat&Ext4FeatureIncompat64Bit != 0
}

// GroupDescriptorSize returns the on-disk size of one group descriptor.
func (sb Ext4Superblock) GroupDescriptorSize() uint32 {
	if sb.Is64Bit() && sb.DescSize >= Ext4GroupDescSize64 {
		return uint32(sb.DescSize)
	}
	return Ext4GroupDescSize
}

// HasMetadataChecksums reports whether inode and descriptor checksums are enabled.
func (sb Ext4Superblock) HasMetadataChecksums() bool {
	return sb.FeatureRoCompat&Ext4FeatureRoCompatMetadataCsum != 0
}

// Ext4GroupDescriptor is one block group descriptor.
type Ext4GroupDescriptor struct {
	BlockBitmap     uint64
	InodeBitmap     uint64
	InodeTable      uint64
	FreeBlocksCount uint32
	FreeInodesCount uint32
	UsedDirsCount   uint32
	Flags           uint16
	Checksum        uint16
}

// Ext4Inode holds the decoded inode fields this tool uses.
type Ext4Inode struct {
	Number     uint32
	Mode       uint16
	Size       uint64
	LinksCount uint16
	Flags      uint32
	Block      []byte
	ObsoFaddr  uint32
	Osd2       []byte
	ModTime    time.Time
	// Offset is the absolute byte offset of the inode on the volume.
	Offset int64
}

// IsDirectory reports whether the inode is a directory.
func (i Ext4Inode) IsDirectory() bool {
	return i.Mode&Ext4ModeTypeMask == Ext4ModeDirectory
}

// UsesExtents reports whether i_block holds an extent tree.
func (i Ext4Inode) UsesExtents() bool {
	return i.Flags&Ext4InodeFlagExtents != 0
}

// Inode mode and flags.
const (
	Ext4ModeTypeMask  uint16 = 0xF000
	Ext4ModeDirectory uint16 = 0x4000
	Ext4ModeRegular   uint16 = 0x8000

	Ext4InodeFlagIndex      uint32 = 0x00001000
	Ext4InodeFlagExtents    uint32 = 0x00080000
	Ext4InodeFlagInlineData uint32 = 0x10000000
)

// Inode field offsets used by techniques writing fixed fields.
const (
	Ext4InodeObsoFaddrOff  = 0x70
	Ext4InodeObsoFaddrSize = 4
	Ext4InodeOsd2Off       = 0x74

	// Ext4InodeOsd2ReservedOff is l_i_reserved, the last 2 bytes of osd2 on Linux.
	Ext4InodeOsd2ReservedOff  = 0x7E
	Ext4InodeOsd2ReservedSize = 2
)

// Extent tree.
const (
	Ext4ExtentMagic uint16 = 0xF30A
	// Ext4ExtentInitMaxLen is the largest length of an initialized extent.
	Ext4ExtentInitMaxLen uint16 = 32768

	Ext4ExtentEntrySize  = 12
	Ext4ExtentHeaderSize = 12
)

// Ext4ExtentHeader starts every extent tree node.
type Ext4ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

// Ext4Extent is a leaf entry mapping logical blocks to physical blocks.
type Ext4Extent struct {
	LogicalBlock  uint32
	Length        uint16
	Uninitialized bool
	PhysicalStart uint64
}

// Ext4DirEntry is a linear directory entry.
type Ext4DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
	Offset   int64
}

// Directory entry file types.
const (
	Ext4FileTypeUnknown   uint8 = 0
	Ext4FileTypeRegular   uint8 = 1
	Ext4FileTypeDirectory uint8 = 2
)

// Ext4DirEntryHeaderSize is the fixed part of a directory entry.
const Ext4DirEntryHeaderSize = 8
