package types

// Apple File System structures. Layouts follow the Apple File System
// Reference; all values are little-endian.

// OidT is an object identifier.
type OidT uint64

// XidT is a transaction identifier.
type XidT uint64

// Paddr is the physical address of an on-disk block.
// Negative numbers aren't valid addresses.
type Paddr int64

// MaxCksumSize is the number of bytes used for an object checksum.
const MaxCksumSize = 8

// ObjPhysT is the header used at the beginning of all objects.
type ObjPhysT struct {
	// The Fletcher 64 checksum of the object.
	OChecksum [MaxCksumSize]byte
	OOid      OidT
	OXid      XidT
	// The low 16 bits indicate the type, the high 16 bits are flags.
	OType    uint32
	OSubtype uint32
}

// ObjPhysSize is the size of ObjPhysT on disk.
const ObjPhysSize = 32

// Object types and masks.
const (
	ObjectTypeMask  uint32 = 0x0000ffff
	ObjectFlagsMask uint32 = 0xffff0000

	ObjectTypeNxSuperblock uint32 = 0x00000001
	ObjectTypeBtree        uint32 = 0x00000002
	ObjectTypeBtreeNode    uint32 = 0x00000003
	ObjectTypeOmap         uint32 = 0x0000000b
	ObjectTypeFs           uint32 = 0x0000000d
	ObjectTypeFstree       uint32 = 0x0000000e
	ObjectTypeOmapTree     uint32 = ObjectTypeBtree

	ObjVirtual         uint32 = 0x00000000
	ObjEphemeral       uint32 = 0x80000000
	ObjPhysical        uint32 = 0x40000000
	ObjStorageTypeMask uint32 = 0xc0000000

	OidInvalid OidT = 0
	XidInvalid XidT = 0
)

// Container superblock.
const (
	NxMagic            uint32 = 0x4253584e // 'NXSB'
	NxSuperblockSize          = 1408
	NxMaxFileSystems          = 100
	NxMinimumBlockSize        = 4096

	NxMagicOff          = 32
	NxBlockSizeOff      = 36
	NxBlockCountOff     = 40
	NxUUIDOff           = 72
	NxNextOidOff        = 88
	NxNextXidOff        = 96
	NxOmapOidOff        = 160
	NxMaxFileSystemsOff = 180
	NxFsOidOff          = 184
)

// NxSuperblockT holds the container superblock fields this tool uses.
type NxSuperblockT struct {
	NxO              ObjPhysT
	NxMagic          uint32
	NxBlockSize      uint32
	NxBlockCount     uint64
	NxUUID           [16]byte
	NxNextOid        OidT
	NxNextXid        XidT
	NxOmapOid        OidT
	NxMaxFileSystems uint32
	NxFsOid          []OidT
}

// Volume superblock.
const (
	ApfsMagic uint32 = 0x42535041 // 'APSB'

	ApfsMagicOff       = 32
	ApfsFsIndexOff     = 36
	ApfsFeaturesOff    = 40
	ApfsIncompatOff    = 56
	ApfsOmapOidOff     = 128
	ApfsRootTreeOidOff = 136
	ApfsNumFilesOff    = 184
	ApfsNumDirsOff     = 192
	ApfsVolUUIDOff     = 240
	ApfsVolnameOff     = 704
	ApfsVolnameLen     = 256
)

// Volume incompatible features.
const (
	ApfsIncompatCaseInsensitive          uint64 = 0x00000001
	ApfsIncompatDatalessSnaps            uint64 = 0x00000002
	ApfsIncompatEncRolled                uint64 = 0x00000004
	ApfsIncompatNormalizationInsensitive uint64 = 0x00000008
	ApfsIncompatSealedVolume             uint64 = 0x00000020
)

// ApfsSuperblockT holds the volume superblock fields this tool uses.
type ApfsSuperblockT struct {
	ApfsO              ObjPhysT
	ApfsMagic          uint32
	ApfsFsIndex        uint32
	ApfsFeatures       uint64
	ApfsIncompat       uint64
	ApfsOmapOid        OidT
	ApfsRootTreeOid    OidT
	ApfsNumFiles       uint64
	ApfsNumDirectories uint64
	ApfsVolUUID        [16]byte
	ApfsVolname        string
}

// Object map.
const (
	OmapTreeOidOff = 48
	OmapKeySize    = 16
	OmapValSize    = 16

	OmapValDeleted uint32 = 0x00000001
)

// OmapKeyT is a key used to access an entry in the object map.
type OmapKeyT struct {
	OkOid OidT
	OkXid XidT
}

// OmapValT is a value in the object map.
type OmapValT struct {
	OvFlags uint32
	OvSize  uint32
	OvPaddr Paddr
}

// BtreeNodePhysT is a B-tree node header. The storage area follows at BtreeNodeHeaderSize.
type BtreeNodePhysT struct {
	BtnO     ObjPhysT
	BtnFlags uint16
	// The number of child levels below this node; zero for a leaf.
	BtnLevel uint16
	BtnNkeys uint32
	// Offset counted from the beginning of btn_data.
	BtnTableSpace  NlocT
	BtnFreeSpace   NlocT
	BtnKeyFreeList NlocT
	BtnValFreeList NlocT
	BtnData        []byte
}

// NlocT is a location within a B-tree node.
type NlocT struct {
	Off uint16
	Len uint16
}

// KvlocT is the location of a variable-size key and value.
type KvlocT struct {
	K NlocT
	V NlocT
}

// KvoffT is the location of a fixed-size key and value.
type KvoffT struct {
	K uint16
	V uint16
}

// BtoffInvalid is stored in an offset field to indicate that there's no offset.
const BtoffInvalid uint16 = 0xffff

// B-tree node flags.
const (
	BtnodeRoot           uint16 = 0x0001
	BtnodeLeaf           uint16 = 0x0002
	BtnodeFixedKvSize    uint16 = 0x0004
	BtnodeHashed         uint16 = 0x0008
	BtnodeNoheader       uint16 = 0x0010
	BtnodeCheckKoffInval uint16 = 0x8000
)

const (
	// BtreeNodeHeaderSize is obj_phys_t plus the node fields preceding btn_data.
	BtreeNodeHeaderSize = 56
	// BtreeInfoSize is the size of the btree_info_t trailer of a root node.
	BtreeInfoSize        = 40
	BtreeNodeSizeDefault = 4096
	KvlocSize            = 8
	KvoffSize            = 4
)

// JObjType is the type of a file-system record, stored in the high four
// bits of the key's obj_id_and_type field.
type JObjType uint8

const (
	JObjTypeAny          JObjType = 0
	JObjTypeSnapMetadata JObjType = 1
	JObjTypeExtent       JObjType = 2
	JObjTypeInode        JObjType = 3
	JObjTypeXattr        JObjType = 4
	JObjTypeSiblingLink  JObjType = 5
	JObjTypeDStreamID    JObjType = 6
	JObjTypeCryptoState  JObjType = 7
	JObjTypeFileExtent   JObjType = 8
	JObjTypeDirRec       JObjType = 9
	JObjTypeDirStats     JObjType = 10
	JObjTypeSnapName     JObjType = 11
	JObjTypeSiblingMap   JObjType = 12
	JObjTypeFileInfo     JObjType = 13
	JObjTypeMaxValid     JObjType = 13
	JObjTypeInvalid      JObjType = 15
)

func (t JObjType) String() string {
	switch t {
	case JObjTypeSnapMetadata:
		return "snap_metadata"
	case JObjTypeExtent:
		return "extent"
	case JObjTypeInode:
		return "inode"
	case JObjTypeXattr:
		return "xattr"
	case JObjTypeSiblingLink:
		return "sibling_link"
	case JObjTypeDStreamID:
		return "dstream_id"
	case JObjTypeCryptoState:
		return "crypto_state"
	case JObjTypeFileExtent:
		return "file_extent"
	case JObjTypeDirRec:
		return "dir_rec"
	case JObjTypeDirStats:
		return "dir_stats"
	case JObjTypeSnapName:
		return "snap_name"
	case JObjTypeSiblingMap:
		return "sibling_map"
	case JObjTypeFileInfo:
		return "file_info"
	default:
		return "any"
	}
}

// j_key_t.
const (
	ObjIDMask      uint64 = 0x0fffffffffffffff
	ObjTypeMask    uint64 = 0xf000000000000000
	ObjTypeShift          = 60
	JKeySize              = 8
	JDrecLenMask   uint32 = 0x000003ff
	JDrecHashShift        = 10
)

// Inode numbers that are always the same.
const (
	RootDirParent uint64 = 1
	RootDirInoNum uint64 = 2
	PrivDirInoNum uint64 = 3
	MinUserInoNum uint64 = 16
)

// j_inode_val_t layout.
const (
	InodeParentIDOff      = 0
	InodePrivateIDOff     = 8
	InodeModTimeOff       = 24
	InodeInternalFlagsOff = 48
	InodeNchildrenOff     = 56
	InodeModeOff          = 80
	InodePad1Off          = 82
	InodeUncompressedOff  = 84
	InodeXfieldsOff       = 92
)

// InodeHasUncompressedSize marks an inode whose pad2 field holds a size.
const InodeHasUncompressedSize uint64 = 0x00040000

// Extended field types.
const (
	InoExtTypeSnapXid        uint8 = 1
	InoExtTypeDeltaTreeOid   uint8 = 2
	InoExtTypeDocumentID     uint8 = 3
	InoExtTypeName           uint8 = 4
	InoExtTypePrevFsize      uint8 = 5
	InoExtTypeFinderInfo     uint8 = 7
	InoExtTypeDstream        uint8 = 8
	InoExtTypeDirStatsKey    uint8 = 10
	InoExtTypeFsUUID         uint8 = 11
	InoExtTypeSparseBytes    uint8 = 13
	InoExtTypeRdev           uint8 = 14
	InoExtTypePurgeableFlags uint8 = 15
	InoExtTypeOrigSyncRootID uint8 = 16

	XFieldHeaderSize = 4
	JDstreamSize     = 40
)

// Directory entry file types stored in the low bits of j_drec_val_t flags.
const (
	DrecTypeMask uint16 = 0x000f
	DtFifo       uint16 = 1
	DtChr        uint16 = 2
	DtDir        uint16 = 4
	DtBlk        uint16 = 6
	DtReg        uint16 = 8
	DtLnk        uint16 = 10
	DtSock       uint16 = 12
)

// File extent and physical extent masks.
const (
	JFileExtentLenMask uint64 = 0x00ffffffffffffff
	PextLenMask        uint64 = 0x0fffffffffffffff
	PextKindShift             = 60
)

// Mode represents file mode bits for inodes.
type Mode uint16

const (
	ModeIFMT  Mode = 0o170000
	ModeIFDIR Mode = 0o040000
	ModeIFREG Mode = 0o100000
)

// HashedNames reports whether directory records use hashed keys.
func (sb ApfsSuperblockT) HashedNames() bool {
	return sb.ApfsIncompat&(ApfsIncompatCaseInsensitive|ApfsIncompatNormalizationInsensitive) != 0
}

// CaseInsensitive reports whether names compare case-insensitively.
func (sb ApfsSuperblockT) CaseInsensitive() bool {
	return sb.ApfsIncompat&ApfsIncompatCaseInsensitive != 0
}

// Object map sizes.
const (
	OmapPhysSize = 88

	// OmapChildValSize is the value of an index node entry: the child oid.
	OmapChildValSize = 8
)

// btree_info_t field offsets relative to the start of the trailer.
const (
	BtreeInfoFlagsOff      = 0
	BtreeInfoNodeSizeOff   = 4
	BtreeInfoKeySizeOff    = 8
	BtreeInfoValSizeOff    = 12
	BtreeInfoLongestKeyOff = 16
	BtreeInfoLongestValOff = 20
	BtreeInfoKeyCountOff   = 24
	BtreeInfoNodeCountOff  = 32
)

// File system record value sizes.
const (
	JInodeValSize      = 92
	JDrecValSize       = 18
	JFileExtentValSize = 24
	JPhysExtValSize    = 20
	JDstreamIDValSize  = 4
	JDirStatsValSize   = 32
	JSiblingMapValSize = 8

	// XFieldFlagSystem marks an extended field the kernel owns.
	XFieldFlagSystem uint8 = 0x20
	// XFieldDataAlign is the alignment of each extended field value.
	XFieldDataAlign = 8
)

// OmapPhysT is the object map header.
type OmapPhysT struct {
	OmO                ObjPhysT
	OmFlags            uint32
	OmSnapCount        uint32
	OmTreeType         uint32
	OmSnapshotTreeType uint32
	OmTreeOid          OidT
	OmSnapshotTreeOid  OidT
	OmMostRecentSnap   XidT
}
