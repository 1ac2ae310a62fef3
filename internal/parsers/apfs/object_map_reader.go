package apfs

import (
	"encoding/binary"
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/btrees"
	"github.com/dasec/fishy-sub000/internal/parsers/objects"
	"github.com/dasec/fishy-sub000/internal/types"
)

// maxTreeDepth bounds every descent through an on-disk B-tree.
const maxTreeDepth = 16

// blockReader reads whole blocks of a container.
type blockReader struct {
	vol       interfaces.VolumeReader
	blockSize uint32
}

func (r blockReader) block(paddr uint64) ([]byte, error) {
	off := int64(paddr) * int64(r.blockSize)
	if paddr == 0 || off+int64(r.blockSize) > r.vol.Size() {
		return nil, types.NewUnitError("apfs block", paddr,
			fmt.Errorf("%w: block outside the container", types.ErrCorruptStructure))
	}
	data, err := r.vol.Read(off, int(r.blockSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", paddr, err)
	}
	return data, nil
}

func (r blockReader) node(paddr uint64) (interfaces.BTreeNodeReader, error) {
	data, err := r.block(paddr)
	if err != nil {
		return nil, err
	}
	return parseNode(paddr, data)
}

func parseNode(paddr uint64, data []byte) (interfaces.BTreeNodeReader, error) {
	node, err := btrees.NewBTreeNodeReader(data, binary.LittleEndian)
	if err != nil {
		return nil, types.NewUnitError("apfs btree node", paddr, err)
	}
	return node, nil
}

// ObjectMap resolves virtual object ids to physical blocks as of one transaction.
type ObjectMap struct {
	blocks blockReader
	omap   types.OmapPhysT
	xid    types.XidT
}

// NewObjectMap reads the omap_phys_t at paddr. Lookups return the newest
// mapping not later than xid.
func NewObjectMap(vol interfaces.VolumeReader, blockSize uint32, paddr uint64, xid types.XidT) (*ObjectMap, error) {
	r := blockReader{vol: vol, blockSize: blockSize}
	data, err := r.block(paddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read object map: %w", err)
	}
	omap, err := parseOmapPhys(data)
	if err != nil {
		return nil, types.NewUnitError("apfs omap_phys", paddr, err)
	}
	return &ObjectMap{blocks: r, omap: omap, xid: xid}, nil
}

func parseOmapPhys(data []byte) (types.OmapPhysT, error) {
	endian := binary.LittleEndian
	omap := types.OmapPhysT{OmO: parseObjectHeader(data)}
	if objects.ObjectType(omap.OmO.OType) != types.ObjectTypeOmap {
		return omap, fmt.Errorf("%w: object type 0x%x is not an object map", types.ErrCorruptStructure, omap.OmO.OType)
	}
	if !objects.NewChecksumInspector(&omap.OmO, data).VerifyChecksum() {
		return omap, fmt.Errorf("%w: checksum mismatch", types.ErrCorruptStructure)
	}
	omap.OmFlags = endian.Uint32(data[32:36])
	omap.OmSnapCount = endian.Uint32(data[36:40])
	omap.OmTreeType = endian.Uint32(data[40:44])
	omap.OmSnapshotTreeType = endian.Uint32(data[44:48])
	omap.OmTreeOid = types.OidT(endian.Uint64(data[types.OmapTreeOidOff:]))
	omap.OmSnapshotTreeOid = types.OidT(endian.Uint64(data[56:64]))
	omap.OmMostRecentSnap = types.XidT(endian.Uint64(data[64:72]))
	return omap, nil
}

// Header returns the decoded object map header.
func (m *ObjectMap) Header() types.OmapPhysT {
	return m.omap
}

// Lookup returns the physical block of a virtual object.
func (m *ObjectMap) Lookup(oid types.OidT) (uint64, error) {
	paddr := uint64(m.omap.OmTreeOid)
	for depth := 0; depth < maxTreeDepth; depth++ {
		node, err := m.blocks.node(paddr)
		if err != nil {
			return 0, err
		}
		entries, err := btrees.DecodeEntries(node, btrees.TreeOmap)
		if err != nil {
			return 0, types.NewUnitError("apfs omap node", paddr, err)
		}
		searcher := btrees.NewBinarySearcher(entries)
		if node.IsLeaf() {
			e, ok := searcher.FindOmapEntry(oid, m.xid)
			if !ok {
				return 0, fmt.Errorf("%w: object %d has no mapping at transaction %d", types.ErrCorruptStructure, oid, m.xid)
			}
			val := e.Decoded.(btrees.OmapValue)
			if val.OvFlags&types.OmapValDeleted != 0 {
				return 0, fmt.Errorf("%w: object %d was deleted", types.ErrCorruptStructure, oid)
			}
			return uint64(val.OvPaddr), nil
		}
		e, ok := searcher.FindChild(uint64(oid), types.JObjTypeAny, m.xid)
		if !ok {
			return 0, fmt.Errorf("%w: object %d precedes the object map", types.ErrCorruptStructure, oid)
		}
		child, _ := e.Child()
		paddr = uint64(child)
	}
	return 0, fmt.Errorf("%w: object map deeper than %d levels", types.ErrCorruptStructure, maxTreeDepth)
}

// Resolve looks up a virtual object and reads its block. The block must carry
// the requested oid, a virtual storage type and a transaction no later than
// the one the map was opened at.
func (m *ObjectMap) Resolve(oid types.OidT) (uint64, []byte, error) {
	paddr, err := m.Lookup(oid)
	if err != nil {
		return 0, nil, err
	}
	data, err := m.blocks.block(paddr)
	if err != nil {
		return 0, nil, err
	}
	id := objects.ParseObjectIdentifier(data)
	switch {
	case !id.IsValid() || id.ID() != oid:
		return 0, nil, types.NewUnitError("apfs object", paddr,
			fmt.Errorf("%w: block holds object %d, expected %d", types.ErrCorruptStructure, id.ID(), oid))
	case id.TransactionID() > m.xid:
		return 0, nil, types.NewUnitError("apfs object", paddr,
			fmt.Errorf("%w: object written at transaction %d after %d", types.ErrCorruptStructure, id.TransactionID(), m.xid))
	}
	otype := binary.LittleEndian.Uint32(data[24:28])
	if st := objects.NewStaticObjectStorageTypeResolver().DetermineStorageType(otype); st != "virtual" {
		return 0, nil, types.NewUnitError("apfs object", paddr,
			fmt.Errorf("%w: object %d has %s storage", types.ErrCorruptStructure, oid, st))
	}
	return paddr, data, nil
}
