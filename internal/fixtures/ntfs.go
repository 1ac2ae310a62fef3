package fixtures

import (
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-restruct/restruct"

	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Fixed NTFS fixture geometry.
const (
	NTFSSectorSize        = 512
	NTFSSectorsPerCluster = 8
	NTFSClusterSize       = NTFSSectorSize * NTFSSectorsPerCluster
	NTFSRecordSize        = 1024

	// The $MFT is split in two runs so record lookups cross a run boundary.
	NTFSMFTCluster      = 4
	NTFSMFTClusters     = 4
	NTFSMFTTailCluster  = 40
	NTFSMFTTailClusters = 2
	NTFSMirrCluster     = 2
	NTFSBitmapCluster   = 8

	// NTFSResidentLimit is the largest file stored as a resident $DATA value.
	NTFSResidentLimit = 400

	ntfsFirstDataCluster = 48
	ntfsRootInline       = 300
	ntfsUSN              = 0x0001
	ntfsRecordUSAOffset  = 0x30
	ntfsIndexUSAOffset   = 0x28
	ntfsFileTimeEpoch    = 116444736000000000
)

// NTFSOptions describes a generated NTFS image.
type NTFSOptions struct {
	// TotalClusters defaults to 256 (1 MiB).
	TotalClusters uint64
}

type ntfsBootRecord struct {
	Jump              [3]byte
	OEMID             [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	Unused1           [3]byte
	Unused2           uint16
	Media             uint8
	Unused3           uint16
	SectorsPerTrack   uint16
	Heads             uint16
	HiddenSectors     uint32
	Unused4           uint32
	Unused5           uint32
	TotalSectors      uint64
	MFTCluster        uint64
	MFTMirrCluster    uint64
	RecordSize        int8
	Pad1              [3]byte
	IndexRecordSize   int8
	Pad2              [3]byte
	Serial            uint64
	Checksum          uint32
}

type ntfsNode struct {
	name     string
	dir      bool
	record   uint64
	parent   *ntfsNode
	data     []byte
	clusters []uint64
	children []*ntfsNode
}

// NTFSBuilder lays out a small NTFS image in memory.
type NTFSBuilder struct {
	opts       NTFSOptions
	root       *ntfsNode
	nextRecord uint64
	nextClust  uint64
	used       map[uint64]bool
	nodes      map[string]*ntfsNode
	err        error
}

// NewNTFSBuilder returns a builder with defaults filled in.
func NewNTFSBuilder(opts NTFSOptions) *NTFSBuilder {
	if opts.TotalClusters == 0 {
		opts.TotalClusters = 256
	}
	b := &NTFSBuilder{
		opts:       opts,
		root:       &ntfsNode{name: ".", dir: true, record: types.MFTRecordRoot},
		nextRecord: types.MFTFirstUser,
		nextClust:  ntfsFirstDataCluster,
		used:       make(map[uint64]bool),
		nodes:      make(map[string]*ntfsNode),
	}
	b.root.parent = b.root
	b.nodes["/"] = b.root
	for c := uint64(0); c < 10; c++ {
		b.used[c] = true
	}
	for c := uint64(NTFSMFTTailCluster); c < NTFSMFTTailCluster+NTFSMFTTailClusters; c++ {
		b.used[c] = true
	}
	return b
}

// RecordCount returns the number of records the $MFT holds.
func (b *NTFSBuilder) RecordCount() uint64 {
	return (NTFSMFTClusters + NTFSMFTTailClusters) * NTFSClusterSize / NTFSRecordSize
}

// RecordOffset returns the byte offset of MFT record n.
func (b *NTFSBuilder) RecordOffset(n uint64) int64 {
	head := uint64(NTFSMFTClusters * NTFSClusterSize / NTFSRecordSize)
	if n < head {
		return int64(NTFSMFTCluster*NTFSClusterSize + n*NTFSRecordSize)
	}
	return int64(NTFSMFTTailCluster*NTFSClusterSize + (n-head)*NTFSRecordSize)
}

// ClusterOffset returns the byte offset of a cluster.
func (b *NTFSBuilder) ClusterOffset(c uint64) int64 {
	return int64(c * NTFSClusterSize)
}

// Record returns the MFT record number assigned to p.
func (b *NTFSBuilder) Record(p string) uint64 {
	if n, ok := b.nodes[path.Clean("/"+p)]; ok {
		return n.record
	}
	return 0
}

// Clusters returns the data clusters assigned to p.
func (b *NTFSBuilder) Clusters(p string) []uint64 {
	if n, ok := b.nodes[path.Clean("/"+p)]; ok {
		return n.clusters
	}
	return nil
}

func (b *NTFSBuilder) allocate() uint64 {
	for b.used[b.nextClust] {
		b.nextClust++
	}
	c := b.nextClust
	b.used[c] = true
	b.nextClust++
	return c
}

func (b *NTFSBuilder) add(p string, node *ntfsNode) error {
	p = path.Clean("/" + p)
	parent, ok := b.nodes[path.Dir(p)]
	if !ok || !parent.dir {
		return fmt.Errorf("fixture directory %q not found", path.Dir(p))
	}
	if b.nextRecord >= b.RecordCount() {
		return fmt.Errorf("fixture $MFT is full")
	}
	node.name = path.Base(p)
	node.parent = parent
	node.record = b.nextRecord
	b.nextRecord++
	parent.children = append(parent.children, node)
	b.nodes[p] = node
	return nil
}

// AddDir adds a directory at p.
func (b *NTFSBuilder) AddDir(p string) error {
	return b.add(p, &ntfsNode{dir: true})
}

// AddFile adds a file. Files up to NTFSResidentLimit bytes without explicit
// clusters are resident; otherwise data is stored in the given clusters or
// in sequentially allocated ones.
func (b *NTFSBuilder) AddFile(p string, data []byte, clusters ...uint64) error {
	node := &ntfsNode{data: data}
	need := (uint64(len(data)) + NTFSClusterSize - 1) / NTFSClusterSize
	switch {
	case len(clusters) > 0:
		if uint64(len(clusters)) < need {
			return fmt.Errorf("%d clusters cannot hold %d bytes", len(clusters), len(data))
		}
		for _, c := range clusters {
			b.used[c] = true
		}
		node.clusters = clusters
	case len(data) > NTFSResidentLimit:
		for i := uint64(0); i < need; i++ {
			node.clusters = append(node.clusters, b.allocate())
		}
	}
	return b.add(p, node)
}

// Build renders the image.
func (b *NTFSBuilder) Build() ([]byte, error) {
	img := make([]byte, b.opts.TotalClusters*NTFSClusterSize)
	if err := b.writeBoot(img); err != nil {
		return nil, err
	}

	records := make(map[uint64][]byte)
	mftRuns := []ntfsRun{
		{start: NTFSMFTCluster, count: NTFSMFTClusters},
		{start: NTFSMFTTailCluster, count: NTFSMFTTailClusters},
	}
	mftSize := b.RecordCount() * NTFSRecordSize
	records[types.MFTRecordMFT] = b.systemRecord(types.MFTRecordMFT, "$MFT",
		b.nonResidentAttr(types.AttrData, "", mftRuns, mftSize, 2))
	records[types.MFTRecordMFTMirr] = b.systemRecord(types.MFTRecordMFTMirr, "$MFTMirr",
		b.nonResidentAttr(types.AttrData, "", []ntfsRun{{start: NTFSMirrCluster, count: 1}}, 4*NTFSRecordSize, 2))
	records[types.MFTRecordLogFile] = b.systemRecord(types.MFTRecordLogFile, "$LogFile", b.residentAttr(types.AttrData, "", nil, 2))
	records[types.MFTRecordVolume] = b.systemRecord(types.MFTRecordVolume, "$Volume", b.residentAttr(types.AttrData, "", nil, 2))

	b.layoutDir(img, b.root, records)

	bitmapSize := (b.opts.TotalClusters + 7) / 8
	records[types.MFTRecordBitmap] = b.systemRecord(types.MFTRecordBitmap, "$Bitmap",
		b.nonResidentAttr(types.AttrData, "", []ntfsRun{{start: NTFSBitmapCluster, count: 1}}, bitmapSize, 2))
	bitmap := img[NTFSBitmapCluster*NTFSClusterSize:]
	for c := range b.used {
		if c < b.opts.TotalClusters {
			bitmap[c/8] |= 1 << (c % 8)
		}
	}

	for n := uint64(0); n < b.RecordCount(); n++ {
		rec, ok := records[n]
		if !ok {
			rec = emptyRecord(n)
		}
		copy(img[b.RecordOffset(n):], rec)
	}
	copy(img[NTFSMirrCluster*NTFSClusterSize:], img[NTFSMFTCluster*NTFSClusterSize:NTFSMFTCluster*NTFSClusterSize+4*NTFSRecordSize])
	if b.err != nil {
		return nil, b.err
	}
	return img, nil
}

func (b *NTFSBuilder) writeBoot(img []byte) error {
	boot := ntfsBootRecord{
		Jump:              [3]byte{0xEB, 0x52, 0x90},
		BytesPerSector:    NTFSSectorSize,
		SectorsPerCluster: NTFSSectorsPerCluster,
		Media:             0xF8,
		SectorsPerTrack:   63,
		Heads:             255,
		TotalSectors:      b.opts.TotalClusters * NTFSSectorsPerCluster,
		MFTCluster:        NTFSMFTCluster,
		MFTMirrCluster:    NTFSMirrCluster,
		RecordSize:        -10,
		IndexRecordSize:   1,
		Serial:            0x5EED5EED5EED5EED,
	}
	copy(boot.OEMID[:], types.NTFSOEMID)
	raw, err := restruct.Pack(binary.LittleEndian, &boot)
	if err != nil {
		return fmt.Errorf("failed to pack NTFS boot sector: %w", err)
	}
	copy(img, raw)
	img[510], img[511] = 0x55, 0xAA
	return nil
}

type ntfsEntry struct {
	name string
	raw  []byte
}

func (b *NTFSBuilder) layoutDir(img []byte, dir *ntfsNode, records map[uint64][]byte) {
	var entries []ntfsEntry
	named := func(ref uint64, name string, size uint64, isDir bool, ns uint8) {
		value := b.fileNameValue(dir.record, name, size, isDir, ns)
		entries = append(entries, ntfsEntry{name: name, raw: indexEntry(ref, value)})
	}
	if dir == b.root {
		named(types.MFTRecordMFT, "$MFT", 0, false, types.FileNameNamespaceWin32AndDOS)
		named(types.MFTRecordRoot, ".", 0, true, types.FileNameNamespaceWin32AndDOS)
	}
	for _, child := range dir.children {
		size := uint64(len(child.data))
		named(child.record, child.name, size, child.dir, types.FileNameNamespaceWin32)
		if alias := dosAlias(child.name); alias != "" {
			named(child.record, alias, size, child.dir, types.FileNameNamespaceDOS)
		}
		if child.dir {
			b.layoutDir(img, child, records)
			continue
		}
		records[child.record] = b.fileRecord(child)
		for i, c := range child.clusters {
			from := min(i*NTFSClusterSize, len(child.data))
			to := min(from+NTFSClusterSize, len(child.data))
			copy(img[c*NTFSClusterSize:], child.data[from:to])
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToUpper(entries[i].name) < strings.ToUpper(entries[j].name)
	})

	inline := 0
	for _, e := range entries {
		inline += len(e.raw)
	}
	raws := func(es []ntfsEntry, tail []byte) [][]byte {
		out := make([][]byte, 0, len(es)+1)
		for _, e := range es {
			out = append(out, e.raw)
		}
		return append(out, tail)
	}

	var attrs [][]byte
	if inline <= ntfsRootInline {
		attrs = append(attrs, b.residentAttr(types.AttrIndexRoot, "$I30", indexRootValue(raws(entries, lastEntry(nil)), false), 3))
	} else {
		// Large directories get two INDX blocks around a separator entry
		// kept in the root so the walk has to interleave levels.
		var blocks [][]ntfsEntry
		var root [][]byte
		if len(entries) >= 3 {
			mid := len(entries) / 2
			blocks = [][]ntfsEntry{entries[:mid], entries[mid+1:]}
			vcn := uint64(1)
			root = [][]byte{withSubNode(entries[mid].raw, 0), lastEntry(&vcn)}
		} else {
			vcn := uint64(0)
			blocks = [][]ntfsEntry{entries}
			root = [][]byte{lastEntry(&vcn)}
		}
		var runs []ntfsRun
		for vcn, block := range blocks {
			c := b.allocate()
			dir.clusters = append(dir.clusters, c)
			runs = appendRun(runs, c)
			copy(img[c*NTFSClusterSize:], indexBlock(uint64(vcn), raws(block, lastEntry(nil))))
		}
		attrs = append(attrs,
			b.residentAttr(types.AttrIndexRoot, "$I30", indexRootValue(root, true), 3),
			b.nonResidentAttr(types.AttrIndexAllocation, "$I30", runs, uint64(len(blocks))*NTFSClusterSize, 4))
	}
	fileName := b.residentAttr(types.AttrFileName, "", b.fileNameValue(dir.parent.record, dir.name, 0, true, types.FileNameNamespaceWin32), 1)
	records[dir.record] = buildRecord(dir.record, types.MFTRecordFlagInUse|types.MFTRecordFlagDirectory,
		append([][]byte{b.standardInformation(), fileName}, attrs...))
}

func (b *NTFSBuilder) fileRecord(node *ntfsNode) []byte {
	var data []byte
	if len(node.clusters) > 0 {
		var runs []ntfsRun
		for _, c := range node.clusters {
			runs = appendRun(runs, c)
		}
		data = b.nonResidentAttr(types.AttrData, "", runs, uint64(len(node.data)), 2)
	} else {
		data = b.residentAttr(types.AttrData, "", node.data, 2)
	}
	fileName := b.residentAttr(types.AttrFileName, "", b.fileNameValue(node.parent.record, node.name, uint64(len(node.data)), false, types.FileNameNamespaceWin32), 1)
	return buildRecord(node.record, types.MFTRecordFlagInUse, [][]byte{b.standardInformation(), fileName, data})
}

func (b *NTFSBuilder) systemRecord(n uint64, name string, data []byte) []byte {
	fileName := b.residentAttr(types.AttrFileName, "", b.fileNameValue(types.MFTRecordRoot, name, 0, false, types.FileNameNamespaceWin32AndDOS), 1)
	return buildRecord(n, types.MFTRecordFlagInUse, [][]byte{b.standardInformation(), fileName, data})
}

func emptyRecord(n uint64) []byte {
	return buildRecord(n, 0, nil)
}

func (b *NTFSBuilder) utf16(s string) []byte {
	out, err := binstruct.EncodeUTF16(s)
	if err != nil && b.err == nil {
		b.err = err
	}
	return out
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func put(buf []byte, off, size int, v uint64) {
	binstruct.PutUint(buf[off:off+size], v)
}

func (b *NTFSBuilder) residentAttr(t types.NTFSAttributeType, name string, value []byte, id uint16) []byte {
	encoded := b.utf16(name)
	valueOff := align8(types.AttrHeaderResidentSize + len(encoded))
	buf := make([]byte, align8(valueOff+len(value)))
	put(buf, 0x00, 4, uint64(t))
	put(buf, 0x04, 4, uint64(len(buf)))
	put(buf, 0x09, 1, uint64(len(encoded)/2))
	put(buf, 0x0A, 2, types.AttrHeaderResidentSize)
	put(buf, 0x0E, 2, uint64(id))
	put(buf, 0x10, 4, uint64(len(value)))
	put(buf, 0x14, 2, uint64(valueOff))
	copy(buf[types.AttrHeaderResidentSize:], encoded)
	copy(buf[valueOff:], value)
	return buf
}

func (b *NTFSBuilder) nonResidentAttr(t types.NTFSAttributeType, name string, runs []ntfsRun, realSize uint64, id uint16) []byte {
	encoded := b.utf16(name)
	runOff := align8(types.AttrHeaderNonResidentSize + len(encoded))
	runlist := encodeRuns(runs)
	var clusters uint64
	for _, r := range runs {
		clusters += r.count
	}
	buf := make([]byte, align8(runOff+len(runlist)))
	put(buf, 0x00, 4, uint64(t))
	put(buf, 0x04, 4, uint64(len(buf)))
	put(buf, 0x08, 1, 1)
	put(buf, 0x09, 1, uint64(len(encoded)/2))
	put(buf, 0x0A, 2, types.AttrHeaderNonResidentSize)
	put(buf, 0x0E, 2, uint64(id))
	put(buf, 0x10, 8, 0)
	put(buf, 0x18, 8, clusters-1)
	put(buf, 0x20, 2, uint64(runOff))
	put(buf, 0x28, 8, clusters*NTFSClusterSize)
	put(buf, 0x30, 8, realSize)
	put(buf, 0x38, 8, realSize)
	copy(buf[types.AttrHeaderNonResidentSize:], encoded)
	copy(buf[runOff:], runlist)
	return buf
}

func fileTime() uint64 {
	return uint64(fixtureTime.UnixNano()/100) + ntfsFileTimeEpoch
}

func (b *NTFSBuilder) standardInformation() []byte {
	value := make([]byte, 48)
	for off := 0; off < 32; off += 8 {
		put(value, off, 8, fileTime())
	}
	return b.residentAttr(types.AttrStandardInformation, "", value, 0)
}

func (b *NTFSBuilder) fileNameValue(parent uint64, name string, size uint64, dir bool, namespace uint8) []byte {
	encoded := b.utf16(name)
	buf := make([]byte, types.FileNameNameOffset+len(encoded))
	put(buf, 0x00, 8, parent|1<<48)
	for off := 0x08; off < 0x28; off += 8 {
		put(buf, off, 8, fileTime())
	}
	put(buf, 0x28, 8, (size+NTFSClusterSize-1)/NTFSClusterSize*NTFSClusterSize)
	put(buf, 0x30, 8, size)
	if dir {
		put(buf, 0x38, 4, 0x10000000)
	} else {
		put(buf, 0x38, 4, 0x20)
	}
	put(buf, 0x40, 1, uint64(len(encoded)/2))
	put(buf, 0x41, 1, uint64(namespace))
	copy(buf[types.FileNameNameOffset:], encoded)
	return buf
}

func indexEntry(ref uint64, key []byte) []byte {
	buf := make([]byte, align8(types.IndexEntryHeaderSize+len(key)))
	put(buf, 0x00, 8, ref|1<<48)
	put(buf, 0x08, 2, uint64(len(buf)))
	put(buf, 0x0A, 2, uint64(len(key)))
	copy(buf[types.IndexEntryHeaderSize:], key)
	return buf
}

// withSubNode returns a copy of entry pointing at the child block vcn.
func withSubNode(entry []byte, vcn uint64) []byte {
	buf := make([]byte, len(entry)+8)
	copy(buf, entry)
	put(buf, 0x08, 2, uint64(len(buf)))
	put(buf, 0x0C, 4, uint64(types.IndexEntryFlagSubNode))
	put(buf, len(buf)-8, 8, vcn)
	return buf
}

func lastEntry(vcn *uint64) []byte {
	if vcn == nil {
		buf := make([]byte, types.IndexEntryHeaderSize)
		put(buf, 0x08, 2, uint64(len(buf)))
		put(buf, 0x0C, 4, uint64(types.IndexEntryFlagLast))
		return buf
	}
	buf := make([]byte, types.IndexEntryHeaderSize+8)
	put(buf, 0x08, 2, uint64(len(buf)))
	put(buf, 0x0C, 4, uint64(types.IndexEntryFlagLast|types.IndexEntryFlagSubNode))
	put(buf, len(buf)-8, 8, *vcn)
	return buf
}

func joinEntries(entries [][]byte) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, e...)
	}
	return out
}

func indexRootValue(entries [][]byte, large bool) []byte {
	body := joinEntries(entries)
	buf := make([]byte, types.IndexRootHeaderSize+types.IndexNodeHeaderSize+len(body))
	put(buf, 0x00, 4, uint64(types.AttrFileName))
	put(buf, 0x04, 4, 1)
	put(buf, 0x08, 4, NTFSClusterSize)
	put(buf, 0x0C, 1, 1)
	node := buf[types.IndexRootHeaderSize:]
	put(node, 0x00, 4, types.IndexNodeHeaderSize)
	put(node, 0x04, 4, uint64(types.IndexNodeHeaderSize+len(body)))
	put(node, 0x08, 4, uint64(types.IndexNodeHeaderSize+len(body)))
	if large {
		put(node, 0x0C, 1, 1)
	}
	copy(node[types.IndexNodeHeaderSize:], body)
	return buf
}

func indexBlock(vcn uint64, entries [][]byte) []byte {
	const entriesStart = 0x40
	body := joinEntries(entries)
	usaCount := NTFSClusterSize/types.NTFSFixupStride + 1
	buf := make([]byte, NTFSClusterSize)
	copy(buf, "INDX")
	put(buf, 0x04, 2, ntfsIndexUSAOffset)
	put(buf, 0x06, 2, uint64(usaCount))
	put(buf, 0x10, 8, vcn)
	node := buf[types.IndexRecordNodeHeaderOff:]
	put(node, 0x00, 4, entriesStart-types.IndexRecordNodeHeaderOff)
	put(node, 0x04, 4, uint64(entriesStart-types.IndexRecordNodeHeaderOff+len(body)))
	put(node, 0x08, 4, uint64(NTFSClusterSize-types.IndexRecordNodeHeaderOff))
	copy(buf[entriesStart:], body)
	protect(buf, ntfsIndexUSAOffset, usaCount)
	return buf
}

func buildRecord(n uint64, flags uint16, attrs [][]byte) []byte {
	const attrsStart = 0x38
	usaCount := NTFSRecordSize/types.NTFSFixupStride + 1
	buf := make([]byte, NTFSRecordSize)
	pos := attrsStart
	for _, a := range attrs {
		copy(buf[pos:], a)
		pos += len(a)
	}
	put(buf, pos, 4, uint64(types.AttrEnd))
	inUse := pos + 8

	copy(buf, "FILE")
	put(buf, 0x04, 2, ntfsRecordUSAOffset)
	put(buf, 0x06, 2, uint64(usaCount))
	put(buf, 0x10, 2, 1)
	put(buf, 0x12, 2, 1)
	put(buf, 0x14, 2, attrsStart)
	put(buf, 0x16, 2, uint64(flags))
	put(buf, 0x18, 4, uint64(inUse))
	put(buf, 0x1C, 4, NTFSRecordSize)
	put(buf, 0x28, 2, uint64(len(attrs)+1))
	put(buf, 0x2C, 4, n)
	protect(buf, ntfsRecordUSAOffset, usaCount)
	return buf
}

// protect moves the last two bytes of every stride into the update
// sequence array and stamps the update sequence number in their place.
func protect(buf []byte, usaOffset, usaCount int) {
	put(buf, usaOffset, 2, ntfsUSN)
	for i := 1; i < usaCount; i++ {
		pos := i*types.NTFSFixupStride - 2
		copy(buf[usaOffset+2*i:usaOffset+2*i+2], buf[pos:pos+2])
		put(buf, pos, 2, ntfsUSN)
	}
}

// dosAlias returns the 8.3 alias Windows would add for name, or "" when the
// name already is a valid upper-case short name.
func dosAlias(name string) string {
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	if len(base) <= 8 && len(ext) <= 3 && name == strings.ToUpper(name) && !strings.ContainsAny(name, " +,;=[]") {
		return ""
	}
	clean := func(s string, n int) string {
		var out []rune
		for _, r := range strings.ToUpper(s) {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
				out = append(out, r)
			}
			if len(out) == n {
				break
			}
		}
		return string(out)
	}
	alias := clean(base, 6) + "~1"
	if ext != "" {
		alias += "." + clean(ext, 3)
	}
	return alias
}

type ntfsRun struct {
	start uint64
	count uint64
}

func appendRun(runs []ntfsRun, c uint64) []ntfsRun {
	if n := len(runs); n > 0 && runs[n-1].start+runs[n-1].count == c {
		runs[n-1].count++
		return runs
	}
	return append(runs, ntfsRun{start: c, count: 1})
}

// encodeRuns writes a run list with minimal field widths. Fixtures keep
// their own encoder so they do not depend on the parser under test.
func encodeRuns(runs []ntfsRun) []byte {
	var (
		out  []byte
		prev int64
	)
	for _, r := range runs {
		length := leBytes(int64(r.count), false)
		delta := leBytes(int64(r.start)-prev, true)
		prev = int64(r.start)
		out = append(out, byte(len(delta))<<4|byte(len(length)))
		out = append(out, length...)
		out = append(out, delta...)
	}
	return append(out, 0)
}

func leBytes(v int64, signed bool) []byte {
	var out []byte
	for {
		b := byte(v)
		out = append(out, b)
		v >>= 8
		if !signed && v == 0 {
			return out
		}
		if signed && ((v == 0 && b&0x80 == 0) || (v == -1 && b&0x80 != 0)) {
			return out
		}
	}
}
