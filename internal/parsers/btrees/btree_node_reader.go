package btrees

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/objects"
	"github.com/dasec/fishy-sub000/internal/types"
)

// btreeNodeReader serves the header fields of one decoded node.
type btreeNodeReader struct {
	node *types.BtreeNodePhysT
	data []byte
}

// nodeHeader is the fixed on-disk prefix of btree_node_phys_t.
type nodeHeader struct {
	Object     types.ObjPhysT
	Flags      uint16
	Level      uint16
	Nkeys      uint32
	TableSpace types.NlocT
	FreeSpace  types.NlocT
	KeyFree    types.NlocT
	ValFree    types.NlocT
}

// NewBTreeNodeReader decodes a whole node block and verifies its checksum.
func NewBTreeNodeReader(data []byte, endian binary.ByteOrder) (interfaces.BTreeNodeReader, error) {
	if len(data) < types.BtreeNodeHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes cannot hold a B-tree node", types.ErrTruncatedRegion, len(data))
	}
	node, err := parseBTreeNode(data, endian)
	if err != nil {
		return nil, err
	}
	if !objects.NewChecksumInspector(&node.BtnO, data).VerifyChecksum() {
		return nil, fmt.Errorf("%w: B-tree node checksum mismatch (OID: %d, XID: %d)", types.ErrCorruptStructure, node.BtnO.OOid, node.BtnO.OXid)
	}
	if kind := objects.ObjectType(node.BtnO.OType); kind != types.ObjectTypeBtree && kind != types.ObjectTypeBtreeNode {
		return nil, fmt.Errorf("%w: object type 0x%x is not a B-tree node", types.ErrCorruptStructure, kind)
	}
	return &btreeNodeReader{node: node, data: data}, nil
}

func parseBTreeNode(data []byte, endian binary.ByteOrder) (*types.BtreeNodePhysT, error) {
	var hdr nodeHeader
	if err := restruct.Unpack(data[:types.BtreeNodeHeaderSize], endian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode B-tree node header: %w", err)
	}
	return &types.BtreeNodePhysT{
		BtnO:           hdr.Object,
		BtnFlags:       hdr.Flags,
		BtnLevel:       hdr.Level,
		BtnNkeys:       hdr.Nkeys,
		BtnTableSpace:  hdr.TableSpace,
		BtnFreeSpace:   hdr.FreeSpace,
		BtnKeyFreeList: hdr.KeyFree,
		BtnValFreeList: hdr.ValFree,
		BtnData:        data[types.BtreeNodeHeaderSize:],
	}, nil
}

// Header returns the node's object header.
func (br *btreeNodeReader) Header() types.ObjPhysT {
	return br.node.BtnO
}

// Flags returns the B-tree node's flags.
func (br *btreeNodeReader) Flags() uint16 {
	return br.node.BtnFlags
}

// Level returns the number of child levels below this node.
func (br *btreeNodeReader) Level() uint16 {
	return br.node.BtnLevel
}

// KeyCount returns the number of keys stored in this node.
func (br *btreeNodeReader) KeyCount() uint32 {
	return br.node.BtnNkeys
}

// TableSpace returns the location of the table of contents.
func (br *btreeNodeReader) TableSpace() types.NlocT {
	return br.node.BtnTableSpace
}

// FreeSpace returns the location of the shared free space for keys and values.
func (br *btreeNodeReader) FreeSpace() types.NlocT {
	return br.node.BtnFreeSpace
}

// Data returns the node's storage area.
func (br *btreeNodeReader) Data() []byte {
	return br.node.BtnData
}

// Raw returns the whole node including its header.
func (br *btreeNodeReader) Raw() []byte {
	return br.data
}

// IsRoot checks if the node is a root node.
func (br *btreeNodeReader) IsRoot() bool {
	return br.node.BtnFlags&types.BtnodeRoot != 0
}

// IsLeaf checks if the node is a leaf node.
func (br *btreeNodeReader) IsLeaf() bool {
	return br.node.BtnFlags&types.BtnodeLeaf != 0
}

// HasFixedKVSize checks if the node has keys and values of fixed size.
func (br *btreeNodeReader) HasFixedKVSize() bool {
	return br.node.BtnFlags&types.BtnodeFixedKvSize != 0
}
