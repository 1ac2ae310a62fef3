package btrees

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/dasec/fishy-sub000/internal/types"
)

// Value is the decoded value of an entry. Each record kind has its own variant.
type Value interface {
	RecordKind() types.JObjType
}

// OmapValue is an object map leaf value.
type OmapValue struct {
	types.OmapValT
}

// ChildValue is the child pointer of an index node entry.
type ChildValue struct {
	OID types.OidT
}

// XField is one extended field of an inode or directory record.
// Offset is the position of the field data inside the node.
type XField struct {
	Type   uint8
	Flags  uint8
	Size   uint16
	Offset int
	Data   []byte
}

// Dstream is the j_dstream_t carried in an inode's extended fields.
type Dstream struct {
	Size              uint64
	AllocedSize       uint64
	DefaultCryptoID   uint64
	TotalBytesWritten uint64
	TotalBytesRead    uint64
}

// InodeValue is a j_inode_val_t.
type InodeValue struct {
	ParentID      uint64
	PrivateID     uint64
	CreateTime    time.Time
	ModTime       time.Time
	ChangeTime    time.Time
	AccessTime    time.Time
	InternalFlags uint64
	NChildren     int32
	BSDFlags      uint32
	Owner         uint32
	Group         uint32
	Mode          types.Mode
	Pad1          uint16
	// Pad2 doubles as the uncompressed size when InternalFlags says so.
	Pad2    uint64
	XFields []XField
	Name    string
	Dstream *Dstream
}

// IsDirectory reports whether the inode is a directory.
func (v InodeValue) IsDirectory() bool {
	return v.Mode&types.ModeIFMT == types.ModeIFDIR
}

// Size returns the logical size of the default data stream.
func (v InodeValue) Size() uint64 {
	if v.Dstream == nil {
		return 0
	}
	return v.Dstream.Size
}

// DirRecordValue is a directory record together with the name from its key.
type DirRecordValue struct {
	Name      string
	Hash      uint32
	FileID    uint64
	DateAdded time.Time
	Flags     uint16
	XFields   []XField
}

// IsDirectory reports whether the record names a directory.
func (v DirRecordValue) IsDirectory() bool {
	return v.Flags&types.DrecTypeMask == types.DtDir
}

// FileExtentValue is a j_file_extent_val_t with its logical address from the key.
type FileExtentValue struct {
	LogicalAddr uint64
	Length      uint64
	Flags       uint8
	PhysBlock   uint64
	CryptoID    uint64
}

// DStreamIDValue is a j_dstream_id_val_t.
type DStreamIDValue struct {
	RefCount uint32
}

// XattrValue is an extended attribute with its name from the key.
type XattrValue struct {
	Name  string
	Flags uint16
	Data  []byte
}

// SiblingLinkValue is a hard link sibling.
type SiblingLinkValue struct {
	SiblingID uint64
	ParentID  uint64
	Name      string
}

// SiblingMapValue maps a sibling id to its inode.
type SiblingMapValue struct {
	FileID uint64
}

// DirStatsValue is a j_dir_stats_val_t.
type DirStatsValue struct {
	NumChildren uint64
	TotalSize   uint64
	ChainedKey  uint64
	GenCount    uint64
}

// SnapMetadataValue is a j_snap_metadata_val_t.
type SnapMetadataValue struct {
	ExtentrefTreeOID  types.OidT
	SblockOID         types.OidT
	CreateTime        time.Time
	ChangeTime        time.Time
	Inum              uint64
	ExtentrefTreeType uint32
	Flags             uint32
	Name              string
}

// SnapNameValue maps a snapshot name to its transaction.
type SnapNameValue struct {
	Name    string
	SnapXID types.XidT
}

// CryptoStateValue is a j_crypto_val_t.
type CryptoStateValue struct {
	RefCount        uint32
	MajorVersion    uint16
	MinorVersion    uint16
	Flags           uint32
	PersistentClass uint32
	KeyOSVersion    uint32
	KeyRevision     uint16
	Key             []byte
}

// PhysExtentValue is a j_phys_ext_val_t.
type PhysExtentValue struct {
	Length      uint64
	Kind        uint8
	OwningObjID uint64
	RefCount    int32
}

// FileInfoValue is a j_file_info_val_t with the type and address from the key.
type FileInfoValue struct {
	InfoType  uint8
	LBA       uint64
	HashedLen uint16
	Hash      []byte
}

// RawValue holds the bytes of a record kind that is not decoded.
type RawValue struct {
	Kind types.JObjType
	Data []byte
}

func (OmapValue) RecordKind() types.JObjType { return types.JObjTypeAny }
func (ChildValue) RecordKind() types.JObjType { return types.JObjTypeAny }
func (InodeValue) RecordKind() types.JObjType { return types.JObjTypeInode }
func (DirRecordValue) RecordKind() types.JObjType { return types.JObjTypeDirRec }
func (FileExtentValue) RecordKind() types.JObjType { return types.JObjTypeFileExtent }
func (DStreamIDValue) RecordKind() types.JObjType { return types.JObjTypeDStreamID }
func (XattrValue) RecordKind() types.JObjType { return types.JObjTypeXattr }
func (SiblingLinkValue) RecordKind() types.JObjType { return types.JObjTypeSiblingLink }
func (SiblingMapValue) RecordKind() types.JObjType { return types.JObjTypeSiblingMap }
func (DirStatsValue) RecordKind() types.JObjType { return types.JObjTypeDirStats }
func (SnapMetadataValue) RecordKind() types.JObjType { return types.JObjTypeSnapMetadata }
func (SnapNameValue) RecordKind() types.JObjType { return types.JObjTypeSnapName }
func (CryptoStateValue) RecordKind() types.JObjType { return types.JObjTypeCryptoState }
func (PhysExtentValue) RecordKind() types.JObjType { return types.JObjTypeExtent }
func (FileInfoValue) RecordKind() types.JObjType { return types.JObjTypeFileInfo }
func (v RawValue) RecordKind() types.JObjType { return v.Kind }

func need(data []byte, n int, what string) error {
	if len(data) < n {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", types.ErrTruncatedRegion, what, n, len(data))
	}
	return nil
}

func apfsTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}

func cString(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00")
}

// lengthPrefixedName reads a u16 length followed by that many name bytes.
func lengthPrefixedName(data []byte, off int, what string) (string, int, error) {
	if err := need(data, off+2, what); err != nil {
		return "", 0, err
	}
	n := int(binary.LittleEndian.Uint16(data[off:]))
	if err := need(data, off+2+n, what); err != nil {
		return "", 0, err
	}
	return cString(data[off+2 : off+2+n]), off + 2 + n, nil
}

func decodeValue(e *Entry, kind TreeKind) (Value, error) {
	le := binary.LittleEndian
	v := e.Value
	if kind == TreeOmap {
		if err := need(v, types.OmapValSize, "omap value"); err != nil {
			return nil, err
		}
		return OmapValue{types.OmapValT{
			OvFlags: le.Uint32(v[0:]),
			OvSize:  le.Uint32(v[4:]),
			OvPaddr: types.Paddr(le.Uint64(v[8:])),
		}}, nil
	}

	switch e.Kind {
	case types.JObjTypeInode:
		return decodeInode(e)
	case types.JObjTypeDirRec:
		return decodeDirRecord(e, kind == TreeFSHashed)
	case types.JObjTypeFileExtent:
		if err := need(e.Key, types.JKeySize+8, "file extent key"); err != nil {
			return nil, err
		}
		if err := need(v, types.JFileExtentValSize, "file extent value"); err != nil {
			return nil, err
		}
		lenAndFlags := le.Uint64(v[0:])
		return FileExtentValue{
			LogicalAddr: le.Uint64(e.Key[8:]),
			Length:      lenAndFlags & types.JFileExtentLenMask,
			Flags:       uint8(lenAndFlags >> 56),
			PhysBlock:   le.Uint64(v[8:]),
			CryptoID:    le.Uint64(v[16:]),
		}, nil
	case types.JObjTypeDStreamID:
		if err := need(v, types.JDstreamIDValSize, "dstream id value"); err != nil {
			return nil, err
		}
		return DStreamIDValue{RefCount: le.Uint32(v)}, nil
	case types.JObjTypeXattr:
		name, _, err := lengthPrefixedName(e.Key, types.JKeySize, "xattr key")
		if err != nil {
			return nil, err
		}
		if err := need(v, 4, "xattr value"); err != nil {
			return nil, err
		}
		n := int(le.Uint16(v[2:]))
		if err := need(v, 4+n, "xattr data"); err != nil {
			return nil, err
		}
		return XattrValue{Name: name, Flags: le.Uint16(v), Data: v[4 : 4+n]}, nil
	case types.JObjTypeSiblingLink:
		if err := need(e.Key, types.JKeySize+8, "sibling link key"); err != nil {
			return nil, err
		}
		if err := need(v, 8, "sibling link value"); err != nil {
			return nil, err
		}
		name, _, err := lengthPrefixedName(v, 8, "sibling link name")
		if err != nil {
			return nil, err
		}
		return SiblingLinkValue{SiblingID: le.Uint64(e.Key[8:]), ParentID: le.Uint64(v), Name: name}, nil
	case types.JObjTypeSiblingMap:
		if err := need(v, types.JSiblingMapValSize, "sibling map value"); err != nil {
			return nil, err
		}
		return SiblingMapValue{FileID: le.Uint64(v)}, nil
	case types.JObjTypeDirStats:
		if err := need(v, types.JDirStatsValSize, "dir stats value"); err != nil {
			return nil, err
		}
		return DirStatsValue{
			NumChildren: le.Uint64(v[0:]),
			TotalSize:   le.Uint64(v[8:]),
			ChainedKey:  le.Uint64(v[16:]),
			GenCount:    le.Uint64(v[24:]),
		}, nil
	case types.JObjTypeSnapMetadata:
		if err := need(v, 48, "snapshot metadata value"); err != nil {
			return nil, err
		}
		name, _, err := lengthPrefixedName(v, 48, "snapshot name")
		if err != nil {
			return nil, err
		}
		return SnapMetadataValue{
			ExtentrefTreeOID:  types.OidT(le.Uint64(v[0:])),
			SblockOID:         types.OidT(le.Uint64(v[8:])),
			CreateTime:        apfsTime(le.Uint64(v[16:])),
			ChangeTime:        apfsTime(le.Uint64(v[24:])),
			Inum:              le.Uint64(v[32:]),
			ExtentrefTreeType: le.Uint32(v[40:]),
			Flags:             le.Uint32(v[44:]),
			Name:              name,
		}, nil
	case types.JObjTypeSnapName:
		name, _, err := lengthPrefixedName(e.Key, types.JKeySize, "snapshot name key")
		if err != nil {
			return nil, err
		}
		if err := need(v, 8, "snapshot name value"); err != nil {
			return nil, err
		}
		return SnapNameValue{Name: name, SnapXID: types.XidT(le.Uint64(v))}, nil
	case types.JObjTypeCryptoState:
		if err := need(v, 24, "crypto state value"); err != nil {
			return nil, err
		}
		n := int(le.Uint16(v[22:]))
		if err := need(v, 24+n, "crypto state key"); err != nil {
			return nil, err
		}
		return CryptoStateValue{
			RefCount:        le.Uint32(v[0:]),
			MajorVersion:    le.Uint16(v[4:]),
			MinorVersion:    le.Uint16(v[6:]),
			Flags:           le.Uint32(v[8:]),
			PersistentClass: le.Uint32(v[12:]),
			KeyOSVersion:    le.Uint32(v[16:]),
			KeyRevision:     le.Uint16(v[20:]),
			Key:             v[24 : 24+n],
		}, nil
	case types.JObjTypeExtent:
		if err := need(v, types.JPhysExtValSize, "physical extent value"); err != nil {
			return nil, err
		}
		lenAndKind := le.Uint64(v[0:])
		return PhysExtentValue{
			Length:      lenAndKind & types.PextLenMask,
			Kind:        uint8(lenAndKind >> types.PextKindShift),
			OwningObjID: le.Uint64(v[8:]),
			RefCount:    int32(le.Uint32(v[16:])),
		}, nil
	case types.JObjTypeFileInfo:
		if err := need(e.Key, types.JKeySize+8, "file info key"); err != nil {
			return nil, err
		}
		if err := need(v, 3, "file info value"); err != nil {
			return nil, err
		}
		size := int(v[2])
		if err := need(v, 3+size, "file info hash"); err != nil {
			return nil, err
		}
		infoAndLBA := le.Uint64(e.Key[8:])
		return FileInfoValue{
			InfoType:  uint8(infoAndLBA >> 56),
			LBA:       infoAndLBA & types.JFileExtentLenMask,
			HashedLen: le.Uint16(v),
			Hash:      v[3 : 3+size],
		}, nil
	default:
		return RawValue{Kind: e.Kind, Data: e.Value}, nil
	}
}

func decodeInode(e *Entry) (Value, error) {
	le := binary.LittleEndian
	v := e.Value
	if err := need(v, types.JInodeValSize, "inode value"); err != nil {
		return nil, err
	}
	inode := InodeValue{
		ParentID:      le.Uint64(v[types.InodeParentIDOff:]),
		PrivateID:     le.Uint64(v[types.InodePrivateIDOff:]),
		CreateTime:    apfsTime(le.Uint64(v[16:])),
		ModTime:       apfsTime(le.Uint64(v[types.InodeModTimeOff:])),
		ChangeTime:    apfsTime(le.Uint64(v[32:])),
		AccessTime:    apfsTime(le.Uint64(v[40:])),
		InternalFlags: le.Uint64(v[types.InodeInternalFlagsOff:]),
		NChildren:     int32(le.Uint32(v[types.InodeNchildrenOff:])),
		BSDFlags:      le.Uint32(v[68:]),
		Owner:         le.Uint32(v[72:]),
		Group:         le.Uint32(v[76:]),
		Mode:          types.Mode(le.Uint16(v[types.InodeModeOff:])),
		Pad1:          le.Uint16(v[types.InodePad1Off:]),
		Pad2:          le.Uint64(v[types.InodeUncompressedOff:]),
	}
	xfields, err := parseXFields(v, types.InodeXfieldsOff, e.ValueOffset)
	if err != nil {
		return nil, err
	}
	inode.XFields = xfields
	for _, xf := range xfields {
		switch xf.Type {
		case types.InoExtTypeName:
			inode.Name = cString(xf.Data)
		case types.InoExtTypeDstream:
			if len(xf.Data) < types.JDstreamSize {
				return nil, fmt.Errorf("%w: dstream field of %d bytes", types.ErrCorruptStructure, len(xf.Data))
			}
			inode.Dstream = &Dstream{
				Size:              le.Uint64(xf.Data[0:]),
				AllocedSize:       le.Uint64(xf.Data[8:]),
				DefaultCryptoID:   le.Uint64(xf.Data[16:]),
				TotalBytesWritten: le.Uint64(xf.Data[24:]),
				TotalBytesRead:    le.Uint64(xf.Data[32:]),
			}
		}
	}
	return inode, nil
}

func decodeDirRecord(e *Entry, hashed bool) (Value, error) {
	le := binary.LittleEndian
	rec := DirRecordValue{}
	if hashed {
		if err := need(e.Key, types.JKeySize+4, "hashed directory key"); err != nil {
			return nil, err
		}
		lenAndHash := le.Uint32(e.Key[types.JKeySize:])
		n := int(lenAndHash & types.JDrecLenMask)
		if err := need(e.Key, types.JKeySize+4+n, "directory name"); err != nil {
			return nil, err
		}
		rec.Hash = lenAndHash >> types.JDrecHashShift
		rec.Name = cString(e.Key[types.JKeySize+4 : types.JKeySize+4+n])
	} else {
		name, _, err := lengthPrefixedName(e.Key, types.JKeySize, "directory key")
		if err != nil {
			return nil, err
		}
		rec.Name = name
	}

	v := e.Value
	if err := need(v, types.JDrecValSize, "directory record value"); err != nil {
		return nil, err
	}
	rec.FileID = le.Uint64(v[0:])
	rec.DateAdded = apfsTime(le.Uint64(v[8:]))
	rec.Flags = le.Uint16(v[16:])
	if len(v) > types.JDrecValSize {
		xfields, err := parseXFields(v, types.JDrecValSize, e.ValueOffset)
		if err != nil {
			return nil, err
		}
		rec.XFields = xfields
	}
	return rec, nil
}

// parseXFields decodes an xf_blob_t starting at off inside value. base is
// the node offset of value, used to report absolute field offsets.
func parseXFields(value []byte, off, base int) ([]XField, error) {
	if len(value) <= off {
		return nil, nil
	}
	if err := need(value, off+4, "extended field blob"); err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint16(value[off:]))
	used := int(binary.LittleEndian.Uint16(value[off+2:]))
	headers := off + 4
	data := headers + count*types.XFieldHeaderSize
	if err := need(value, data+used, "extended field data"); err != nil {
		return nil, err
	}

	fields := make([]XField, 0, count)
	pos := data
	for i := 0; i < count; i++ {
		h := value[headers+i*types.XFieldHeaderSize:]
		xf := XField{Type: h[0], Flags: h[1], Size: binary.LittleEndian.Uint16(h[2:])}
		if pos+int(xf.Size) > data+used {
			return nil, fmt.Errorf("%w: extended field %d overruns the blob", types.ErrCorruptStructure, i)
		}
		xf.Offset = base + pos
		xf.Data = value[pos : pos+int(xf.Size)]
		fields = append(fields, xf)
		pos += (int(xf.Size) + types.XFieldDataAlign - 1) &^ (types.XFieldDataAlign - 1)
	}
	return fields, nil
}
