package fixtures

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/dasec/fishy-sub000/internal/parsers/objects"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Fixed APFS fixture layout.
const (
	APFSContainerOmapBlock = 2
	APFSContainerTreeBlock = 3
	APFSVolumeBlock        = 4
	APFSVolumeOmapBlock    = 5
	APFSVolumeTreeBlock    = 6
	APFSFSTreeFirstBlock   = 7
	APFSFirstDataBlock     = 16

	APFSVolumeOID types.OidT = 1026
	APFSRootOID   types.OidT = 1028

	apfsXID         = 1
	apfsFirstInode  = types.MinUserInoNum
	apfsXFDoNotCopy = 0x02
)

// APFSOptions describes a generated APFS container with one volume.
type APFSOptions struct {
	BlockSize  uint32
	BlockCount uint64
	// CaseSensitive volumes use plain directory record keys.
	CaseSensitive bool
	// LeafRecords limits the records per fs-tree leaf; zero keeps a single root leaf.
	LeafRecords int
	VolumeName  string
}

// APFSNodeEntry is a raw key/value pair placed in a generated node. A nil
// Value leaves the entry without a value.
type APFSNodeEntry struct {
	Key   []byte
	Value []byte
}

// APFSNodeSpec describes one B-tree node.
type APFSNodeSpec struct {
	OID       uint64
	XID       uint64
	Type      uint32
	Subtype   uint32
	Flags     uint16
	Level     uint16
	BlockSize int
	Entries   []APFSNodeEntry
}

// BuildAPFSNode lays out a B-tree node: table of contents first, keys packed
// after it, values packed backwards from the end of the value area.
func BuildAPFSNode(spec APFSNodeSpec) ([]byte, error) {
	if spec.BlockSize == 0 {
		spec.BlockSize = types.BtreeNodeSizeDefault
	}
	block := make([]byte, spec.BlockSize)
	fixed := spec.Flags&types.BtnodeFixedKvSize != 0
	root := spec.Flags&types.BtnodeRoot != 0

	tocEntry := types.KvlocSize
	if fixed {
		tocEntry = types.KvoffSize
	}
	tocLen := len(spec.Entries) * tocEntry
	keyStart := types.BtreeNodeHeaderSize + tocLen
	valueEnd := spec.BlockSize
	if root {
		valueEnd -= types.BtreeInfoSize
	}

	keyPos, valuePos := keyStart, valueEnd
	var longestKey, longestValue int
	for i, e := range spec.Entries {
		valuePos -= len(e.Value)
		if keyPos+len(e.Key) > valuePos {
			return nil, fmt.Errorf("node %d overflows at entry %d", spec.OID, i)
		}
		copy(block[keyPos:], e.Key)
		copy(block[valuePos:], e.Value)

		toc := block[types.BtreeNodeHeaderSize+i*tocEntry:]
		voff := uint16(valueEnd - valuePos)
		if e.Value == nil {
			voff = types.BtoffInvalid
		}
		if fixed {
			binary.LittleEndian.PutUint16(toc[0:], uint16(keyPos-keyStart))
			binary.LittleEndian.PutUint16(toc[2:], voff)
		} else {
			binary.LittleEndian.PutUint16(toc[0:], uint16(keyPos-keyStart))
			binary.LittleEndian.PutUint16(toc[2:], uint16(len(e.Key)))
			binary.LittleEndian.PutUint16(toc[4:], voff)
			binary.LittleEndian.PutUint16(toc[6:], uint16(len(e.Value)))
		}
		keyPos += len(e.Key)
		longestKey = max(longestKey, len(e.Key))
		longestValue = max(longestValue, len(e.Value))
	}

	le := binary.LittleEndian
	le.PutUint64(block[8:], spec.OID)
	le.PutUint64(block[16:], spec.XID)
	le.PutUint32(block[24:], spec.Type)
	le.PutUint32(block[28:], spec.Subtype)
	le.PutUint16(block[32:], spec.Flags)
	le.PutUint16(block[34:], spec.Level)
	le.PutUint32(block[36:], uint32(len(spec.Entries)))
	le.PutUint16(block[40:], 0)
	le.PutUint16(block[42:], uint16(tocLen))
	le.PutUint16(block[44:], uint16(keyPos-types.BtreeNodeHeaderSize))
	le.PutUint16(block[46:], uint16(valuePos-keyPos))
	le.PutUint16(block[48:], types.BtoffInvalid)
	le.PutUint16(block[52:], types.BtoffInvalid)

	if root {
		info := block[spec.BlockSize-types.BtreeInfoSize:]
		le.PutUint32(info[types.BtreeInfoNodeSizeOff:], uint32(spec.BlockSize))
		if fixed {
			le.PutUint32(info[types.BtreeInfoKeySizeOff:], types.OmapKeySize)
			le.PutUint32(info[types.BtreeInfoValSizeOff:], types.OmapValSize)
		}
		le.PutUint32(info[types.BtreeInfoLongestKeyOff:], uint32(longestKey))
		le.PutUint32(info[types.BtreeInfoLongestValOff:], uint32(longestValue))
		le.PutUint64(info[types.BtreeInfoKeyCountOff:], uint64(len(spec.Entries)))
		le.PutUint64(info[types.BtreeInfoNodeCountOff:], 1)
	}
	if err := objects.UpdateChecksum(block); err != nil {
		return nil, err
	}
	return block, nil
}

// OmapKey encodes an object map key.
func OmapKey(oid, xid uint64) []byte {
	key := make([]byte, types.OmapKeySize)
	binary.LittleEndian.PutUint64(key[0:], oid)
	binary.LittleEndian.PutUint64(key[8:], xid)
	return key
}

// OmapValue encodes an object map value.
func OmapValue(flags, size uint32, paddr uint64) []byte {
	val := make([]byte, types.OmapValSize)
	binary.LittleEndian.PutUint32(val[0:], flags)
	binary.LittleEndian.PutUint32(val[4:], size)
	binary.LittleEndian.PutUint64(val[8:], paddr)
	return val
}

// JKey encodes a file-system record key header followed by extra key bytes.
func JKey(oid uint64, kind types.JObjType, extra ...[]byte) []byte {
	key := make([]byte, types.JKeySize)
	binary.LittleEndian.PutUint64(key, oid|uint64(kind)<<types.ObjTypeShift)
	for _, e := range extra {
		key = append(key, e...)
	}
	return key
}

// LE returns v as a little-endian field of size bytes.
func LE(v uint64, size int) []byte {
	out := make([]byte, size)
	put(out, 0, size, v)
	return out
}

type apfsNode struct {
	name     string
	dir      bool
	id       uint64
	parent   *apfsNode
	data     []byte
	blocks   []uint64
	children []*apfsNode
}

type apfsRecord struct {
	oid       uint64
	kind      types.JObjType
	secondary []byte
	key       []byte
	value     []byte
}

// APFSBuilder lays out a container with one volume whose fs-tree holds the
// added files and directories.
type APFSBuilder struct {
	opts   APFSOptions
	root   *apfsNode
	nodes  map[string]*apfsNode
	used   map[uint64]bool
	next   uint64
	nextID uint64
	leaves []uint64
}

// NewAPFSBuilder returns a builder with defaults filled in.
func NewAPFSBuilder(opts APFSOptions) *APFSBuilder {
	if opts.BlockSize == 0 {
		opts.BlockSize = types.NxMinimumBlockSize
	}
	if opts.BlockCount == 0 {
		opts.BlockCount = 64
	}
	if opts.VolumeName == "" {
		opts.VolumeName = "fishy"
	}
	root := &apfsNode{dir: true, id: types.RootDirInoNum}
	root.parent = root
	return &APFSBuilder{
		opts:   opts,
		root:   root,
		nodes:  map[string]*apfsNode{"/": root},
		used:   make(map[uint64]bool),
		next:   APFSFirstDataBlock,
		nextID: apfsFirstInode,
	}
}

// BlockOffset returns the byte offset of block n.
func (b *APFSBuilder) BlockOffset(n uint64) int64 {
	return int64(n) * int64(b.opts.BlockSize)
}

// InodeID returns the inode number assigned to p.
func (b *APFSBuilder) InodeID(p string) uint64 {
	if n, ok := b.nodes[path.Clean("/"+p)]; ok {
		return n.id
	}
	return 0
}

// Blocks returns the data blocks assigned to p.
func (b *APFSBuilder) Blocks(p string) []uint64 {
	if n, ok := b.nodes[path.Clean("/"+p)]; ok {
		return n.blocks
	}
	return nil
}

// FSTreeLeaves returns the physical blocks of the fs-tree leaves after Build.
func (b *APFSBuilder) FSTreeLeaves() []uint64 {
	return b.leaves
}

func (b *APFSBuilder) add(p string, node *apfsNode) error {
	p = path.Clean("/" + p)
	parent, ok := b.nodes[path.Dir(p)]
	if !ok || !parent.dir {
		return fmt.Errorf("fixture directory %q not found", path.Dir(p))
	}
	node.name = path.Base(p)
	node.parent = parent
	node.id = b.nextID
	b.nextID++
	parent.children = append(parent.children, node)
	b.nodes[p] = node
	return nil
}

// AddDir adds a directory at p.
func (b *APFSBuilder) AddDir(p string) error {
	return b.add(p, &apfsNode{dir: true})
}

// AddFile adds a file stored in the given blocks, or in sequentially
// allocated ones when none are given.
func (b *APFSBuilder) AddFile(p string, data []byte, blocks ...uint64) error {
	bs := uint64(b.opts.BlockSize)
	need := (uint64(len(data)) + bs - 1) / bs
	if len(blocks) == 0 {
		for i := uint64(0); i < need; i++ {
			for b.used[b.next] {
				b.next++
			}
			blocks = append(blocks, b.next)
			b.used[b.next] = true
		}
	} else if uint64(len(blocks)) < need {
		return fmt.Errorf("%d blocks cannot hold %d bytes", len(blocks), len(data))
	}
	for _, blk := range blocks {
		if blk < APFSFirstDataBlock || blk >= b.opts.BlockCount {
			return fmt.Errorf("block %d outside the data area", blk)
		}
		b.used[blk] = true
	}
	return b.add(p, &apfsNode{data: data, blocks: blocks})
}

// Build renders the container.
func (b *APFSBuilder) Build() ([]byte, error) {
	bs := int(b.opts.BlockSize)
	img := make([]byte, b.opts.BlockCount*uint64(bs))
	place := func(blk uint64, block []byte) {
		copy(img[blk*uint64(bs):], block)
	}

	for _, node := range b.nodes {
		for i, blk := range node.blocks {
			from := min(i*bs, len(node.data))
			to := min(from+bs, len(node.data))
			place(blk, node.data[from:to])
		}
	}

	records := b.records()
	var chunks [][]apfsRecord
	if b.opts.LeafRecords <= 0 || len(records) <= b.opts.LeafRecords {
		chunks = [][]apfsRecord{records}
	} else {
		for start := 0; start < len(records); start += b.opts.LeafRecords {
			chunks = append(chunks, records[start:min(start+b.opts.LeafRecords, len(records))])
		}
	}
	if len(chunks) > APFSFirstDataBlock-APFSFSTreeFirstBlock-1 {
		return nil, fmt.Errorf("fs-tree needs %d leaves", len(chunks))
	}

	var omapEntries []APFSNodeEntry
	fsNode := func(oid uint64, flags, level uint16, entries []APFSNodeEntry, blk uint64) error {
		objType := types.ObjectTypeBtreeNode
		if flags&types.BtnodeRoot != 0 {
			objType = types.ObjectTypeBtree
		}
		block, err := BuildAPFSNode(APFSNodeSpec{
			OID: oid, XID: apfsXID, Type: objType | types.ObjVirtual, Subtype: types.ObjectTypeFstree,
			Flags: flags, Level: level, BlockSize: bs, Entries: entries,
		})
		if err != nil {
			return err
		}
		place(blk, block)
		omapEntries = append(omapEntries, APFSNodeEntry{Key: OmapKey(oid, apfsXID), Value: OmapValue(0, uint32(bs), blk)})
		return nil
	}

	b.leaves = nil
	if len(chunks) == 1 {
		if err := fsNode(uint64(APFSRootOID), types.BtnodeRoot|types.BtnodeLeaf, 0, recordEntries(chunks[0]), APFSFSTreeFirstBlock); err != nil {
			return nil, err
		}
		b.leaves = append(b.leaves, APFSFSTreeFirstBlock)
	} else {
		var index []APFSNodeEntry
		for i, chunk := range chunks {
			oid := uint64(APFSRootOID) + 1 + uint64(i)
			blk := uint64(APFSFSTreeFirstBlock + 1 + i)
			if err := fsNode(oid, types.BtnodeLeaf, 0, recordEntries(chunk), blk); err != nil {
				return nil, err
			}
			b.leaves = append(b.leaves, blk)
			index = append(index, APFSNodeEntry{Key: chunk[0].key, Value: LE(oid, 8)})
		}
		if err := fsNode(uint64(APFSRootOID), types.BtnodeRoot, 1, index, APFSFSTreeFirstBlock); err != nil {
			return nil, err
		}
	}
	sort.Slice(omapEntries, func(i, j int) bool {
		return bytes.Compare(omapEntries[i].Key, omapEntries[j].Key) < 0
	})

	omapTree := func(blk uint64, entries []APFSNodeEntry) error {
		block, err := BuildAPFSNode(APFSNodeSpec{
			OID: blk, XID: apfsXID, Type: types.ObjectTypeBtree | types.ObjPhysical, Subtype: types.ObjectTypeOmap,
			Flags: types.BtnodeRoot | types.BtnodeLeaf | types.BtnodeFixedKvSize, BlockSize: bs, Entries: entries,
		})
		if err != nil {
			return err
		}
		place(blk, block)
		return nil
	}
	if err := omapTree(APFSVolumeTreeBlock, omapEntries); err != nil {
		return nil, err
	}
	if err := omapTree(APFSContainerTreeBlock, []APFSNodeEntry{
		{Key: OmapKey(uint64(APFSVolumeOID), apfsXID), Value: OmapValue(0, uint32(bs), APFSVolumeBlock)},
	}); err != nil {
		return nil, err
	}

	for _, blk := range []uint64{APFSContainerOmapBlock, APFSVolumeOmapBlock} {
		block := make([]byte, bs)
		put(block, 8, 8, blk)
		put(block, 16, 8, apfsXID)
		put(block, 24, 4, uint64(types.ObjectTypeOmap|types.ObjPhysical))
		put(block, 40, 4, uint64(types.ObjectTypeBtree|types.ObjPhysical))
		put(block, types.OmapTreeOidOff, 8, blk+1)
		if err := objects.UpdateChecksum(block); err != nil {
			return nil, err
		}
		place(blk, block)
	}

	vol, err := b.volumeSuperblock()
	if err != nil {
		return nil, err
	}
	place(APFSVolumeBlock, vol)
	nx, err := b.containerSuperblock()
	if err != nil {
		return nil, err
	}
	place(0, nx)
	return img, nil
}

func (b *APFSBuilder) containerSuperblock() ([]byte, error) {
	block := make([]byte, b.opts.BlockSize)
	put(block, 8, 8, 1)
	put(block, 16, 8, apfsXID)
	put(block, 24, 4, uint64(types.ObjectTypeNxSuperblock|types.ObjEphemeral))
	put(block, types.NxMagicOff, 4, uint64(types.NxMagic))
	put(block, types.NxBlockSizeOff, 4, uint64(b.opts.BlockSize))
	put(block, types.NxBlockCountOff, 8, b.opts.BlockCount)
	id := uuid.MustParse("8c2d6a1e-3f47-4b59-a0e6-7d1c9b2f4e35")
	copy(block[types.NxUUIDOff:], id[:])
	put(block, types.NxNextOidOff, 8, uint64(APFSRootOID)+16)
	put(block, types.NxNextXidOff, 8, apfsXID+1)
	put(block, types.NxOmapOidOff, 8, APFSContainerOmapBlock)
	put(block, types.NxMaxFileSystemsOff, 4, types.NxMaxFileSystems)
	put(block, types.NxFsOidOff, 8, uint64(APFSVolumeOID))
	if err := objects.UpdateChecksum(block); err != nil {
		return nil, err
	}
	return block, nil
}

func (b *APFSBuilder) volumeSuperblock() ([]byte, error) {
	block := make([]byte, b.opts.BlockSize)
	put(block, 8, 8, uint64(APFSVolumeOID))
	put(block, 16, 8, apfsXID)
	put(block, 24, 4, uint64(types.ObjectTypeFs|types.ObjVirtual))
	put(block, types.ApfsMagicOff, 4, uint64(types.ApfsMagic))
	if !b.opts.CaseSensitive {
		put(block, types.ApfsIncompatOff, 8, types.ApfsIncompatCaseInsensitive)
	}
	put(block, types.ApfsOmapOidOff, 8, APFSVolumeOmapBlock)
	put(block, types.ApfsRootTreeOidOff, 8, uint64(APFSRootOID))
	var files, dirs uint64
	for p, n := range b.nodes {
		switch {
		case p == "/":
		case n.dir:
			dirs++
		default:
			files++
		}
	}
	put(block, types.ApfsNumFilesOff, 8, files)
	put(block, types.ApfsNumDirsOff, 8, dirs)
	id := uuid.MustParse("41a3c0de-52b7-4e16-9f08-c6d2e1a4b7f9")
	copy(block[types.ApfsVolUUIDOff:], id[:])
	copy(block[types.ApfsVolnameOff:types.ApfsVolnameOff+types.ApfsVolnameLen-1], b.opts.VolumeName)
	if err := objects.UpdateChecksum(block); err != nil {
		return nil, err
	}
	return block, nil
}

func recordEntries(records []apfsRecord) []APFSNodeEntry {
	entries := make([]APFSNodeEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, APFSNodeEntry{Key: r.key, Value: r.value})
	}
	return entries
}

// records returns every fs-tree record in key order.
func (b *APFSBuilder) records() []apfsRecord {
	var out []apfsRecord
	for _, node := range b.nodes {
		out = append(out, b.inodeRecord(node))
		for _, child := range node.children {
			out = append(out, b.dirRecord(node, child))
		}
		if node.dir {
			continue
		}
		out = append(out, apfsRecord{oid: node.id, kind: types.JObjTypeDStreamID, key: JKey(node.id, types.JObjTypeDStreamID), value: LE(1, 4)})
		bs := uint64(b.opts.BlockSize)
		for i := 0; i < len(node.blocks); {
			j := i + 1
			for j < len(node.blocks) && node.blocks[j] == node.blocks[j-1]+1 {
				j++
			}
			logical := uint64(i) * bs
			value := append(LE(uint64(j-i)*bs, 8), LE(node.blocks[i], 8)...)
			value = append(value, LE(0, 8)...)
			out = append(out, apfsRecord{
				oid: node.id, kind: types.JObjTypeFileExtent, secondary: bigEndian(logical),
				key: JKey(node.id, types.JObjTypeFileExtent, LE(logical, 8)), value: value,
			})
			i = j
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].oid != out[j].oid {
			return out[i].oid < out[j].oid
		}
		if out[i].kind != out[j].kind {
			return out[i].kind < out[j].kind
		}
		return bytes.Compare(out[i].secondary, out[j].secondary) < 0
	})
	return out
}

func bigEndian(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func (b *APFSBuilder) inodeRecord(node *apfsNode) apfsRecord {
	value := make([]byte, types.JInodeValSize)
	now := uint64(fixtureTime.UnixNano())
	put(value, types.InodeParentIDOff, 8, node.parent.id)
	if node == b.root {
		put(value, types.InodeParentIDOff, 8, types.RootDirParent)
	}
	put(value, types.InodePrivateIDOff, 8, node.id)
	for _, off := range []int{16, types.InodeModTimeOff, 32, 40} {
		put(value, off, 8, now)
	}
	mode := uint64(types.ModeIFREG | 0o644)
	count := uint64(1)
	if node.dir {
		mode = uint64(types.ModeIFDIR | 0o755)
		count = uint64(len(node.children))
	}
	put(value, types.InodeNchildrenOff, 4, count)
	put(value, 72, 4, 501)
	put(value, 76, 4, 20)
	put(value, types.InodeModeOff, 2, mode)

	name := node.name
	if node == b.root {
		name = "root"
	}
	fields := []xfield{{kind: types.InoExtTypeName, flags: apfsXFDoNotCopy, data: append([]byte(name), 0)}}
	if !node.dir {
		dstream := make([]byte, types.JDstreamSize)
		put(dstream, 0, 8, uint64(len(node.data)))
		put(dstream, 8, 8, uint64(len(node.blocks))*uint64(b.opts.BlockSize))
		fields = append(fields, xfield{kind: types.InoExtTypeDstream, flags: types.XFieldFlagSystem, data: dstream})
	}
	value = append(value, xfieldBlob(fields)...)
	return apfsRecord{oid: node.id, kind: types.JObjTypeInode, key: JKey(node.id, types.JObjTypeInode), value: value}
}

func (b *APFSBuilder) dirRecord(parent, child *apfsNode) apfsRecord {
	name := append([]byte(child.name), 0)
	var key, secondary []byte
	if b.opts.CaseSensitive {
		key = JKey(parent.id, types.JObjTypeDirRec, LE(uint64(len(name)), 2), name)
		secondary = name
	} else {
		hash := NameHash(child.name)
		key = JKey(parent.id, types.JObjTypeDirRec, LE(uint64(len(name))|uint64(hash)<<types.JDrecHashShift, 4), name)
		secondary = bigEndian(uint64(hash))
	}
	flags := uint64(types.DtReg)
	if child.dir {
		flags = uint64(types.DtDir)
	}
	value := append(LE(child.id, 8), LE(uint64(fixtureTime.UnixNano()), 8)...)
	value = append(value, LE(flags, 2)...)
	return apfsRecord{oid: parent.id, kind: types.JObjTypeDirRec, secondary: secondary, key: key, value: value}
}

type xfield struct {
	kind  uint8
	flags uint8
	data  []byte
}

func xfieldBlob(fields []xfield) []byte {
	var data []byte
	headers := LE(uint64(len(fields)), 2)
	for _, f := range fields {
		headers = append(headers, f.kind, f.flags)
		headers = append(headers, LE(uint64(len(f.data)), 2)...)
		data = append(data, f.data...)
		for len(data)%types.XFieldDataAlign != 0 {
			data = append(data, 0)
		}
	}
	blob := append(headers[:2:2], LE(uint64(len(data)), 2)...)
	blob = append(blob, headers[2:]...)
	return append(blob, data...)
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NameHash is the 22-bit directory record hash: CRC-32C over the UTF-32
// code points of the case-folded, decomposed name.
func NameHash(name string) uint32 {
	var utf32 []byte
	for _, r := range norm.NFD.String(cases.Fold().String(name)) {
		utf32 = binary.LittleEndian.AppendUint32(utf32, uint32(r))
	}
	return crc32.Checksum(utf32, castagnoli) & 0x3fffff
}
