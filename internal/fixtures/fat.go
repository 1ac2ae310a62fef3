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

// FATOptions describes the geometry of a generated FAT image.
// Zero fields take defaults for the chosen variant.
type FATOptions struct {
	Type              types.FilesystemType
	SectorSize        uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors      uint32
	// NextFree is written into the FAT32 FSInfo sector; 0 writes "unknown".
	NextFree uint32
	// FreeCount is written into the FAT32 FSInfo sector; 0 writes "unknown".
	FreeCount uint32
	Label     string
}

type fatNode struct {
	name     string
	dir      bool
	data     []byte
	size     uint32
	chain    []uint32
	children []*fatNode
}

// FATBuilder lays out a FAT12, FAT16 or FAT32 image in memory.
type FATBuilder struct {
	opts    FATOptions
	root    *fatNode
	spf     uint32
	next    uint32
	used    map[uint32]bool
	entries map[uint32]uint32
}

// NewFATBuilder returns a builder with defaults filled in.
func NewFATBuilder(opts FATOptions) *FATBuilder {
	if opts.Type == types.FilesystemUnknown {
		opts.Type = types.FilesystemFAT12
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = 512
	}
	if opts.NumFATs == 0 {
		opts.NumFATs = 2
	}
	switch opts.Type {
	case types.FilesystemFAT32:
		if opts.SectorsPerCluster == 0 {
			opts.SectorsPerCluster = 1
		}
		if opts.ReservedSectors == 0 {
			opts.ReservedSectors = 32
		}
		opts.RootEntries = 0
		if opts.TotalSectors == 0 {
			opts.TotalSectors = 4096
		}
	case types.FilesystemFAT16:
		if opts.SectorsPerCluster == 0 {
			opts.SectorsPerCluster = 4
		}
		if opts.ReservedSectors == 0 {
			opts.ReservedSectors = 4
		}
		if opts.RootEntries == 0 {
			opts.RootEntries = 512
		}
		if opts.TotalSectors == 0 {
			opts.TotalSectors = 8192
		}
	default:
		if opts.SectorsPerCluster == 0 {
			opts.SectorsPerCluster = 4
		}
		if opts.ReservedSectors == 0 {
			opts.ReservedSectors = 1
		}
		if opts.RootEntries == 0 {
			opts.RootEntries = 512
		}
		if opts.TotalSectors == 0 {
			opts.TotalSectors = 4096
		}
	}
	if opts.Label == "" {
		opts.Label = "FISHY"
	}

	b := &FATBuilder{
		opts:    opts,
		root:    &fatNode{name: "/", dir: true},
		used:    make(map[uint32]bool),
		entries: make(map[uint32]uint32),
	}
	b.spf = b.sectorsPerFAT()
	b.next = 2
	if opts.Type == types.FilesystemFAT32 {
		b.root.chain = []uint32{b.allocate()}
	}
	return b
}

func (b *FATBuilder) bits() uint32 {
	switch b.opts.Type {
	case types.FilesystemFAT32:
		return 32
	case types.FilesystemFAT16:
		return 16
	default:
		return 12
	}
}

func (b *FATBuilder) rootDirSectors() uint32 {
	ss := uint32(b.opts.SectorSize)
	return (uint32(b.opts.RootEntries)*32 + ss - 1) / ss
}

// sectorsPerFAT picks the smallest table that addresses every data cluster.
func (b *FATBuilder) sectorsPerFAT() uint32 {
	ss := uint32(b.opts.SectorSize)
	for spf := uint32(1); ; spf++ {
		meta := uint32(b.opts.ReservedSectors) + uint32(b.opts.NumFATs)*spf + b.rootDirSectors()
		clusters := (b.opts.TotalSectors - meta) / uint32(b.opts.SectorsPerCluster)
		if spf*ss*8/b.bits() >= clusters+2 {
			return spf
		}
	}
}

func (b *FATBuilder) clusterSize() uint32 {
	return uint32(b.opts.SectorSize) * uint32(b.opts.SectorsPerCluster)
}

func (b *FATBuilder) firstDataSector() uint32 {
	return uint32(b.opts.ReservedSectors) + uint32(b.opts.NumFATs)*b.spf + b.rootDirSectors()
}

// ClusterOffset returns the byte offset of a cluster in the built image.
func (b *FATBuilder) ClusterOffset(cluster uint32) int64 {
	return int64(b.firstDataSector())*int64(b.opts.SectorSize) + int64(cluster-2)*int64(b.clusterSize())
}

// FATOffset returns the byte offset of FAT copy i.
func (b *FATBuilder) FATOffset(i int) int64 {
	ss := int64(b.opts.SectorSize)
	return int64(b.opts.ReservedSectors)*ss + int64(i)*int64(b.spf)*ss
}

// ClusterCount returns the number of data clusters.
func (b *FATBuilder) ClusterCount() uint32 {
	return (b.opts.TotalSectors - b.firstDataSector()) / uint32(b.opts.SectorsPerCluster)
}

func (b *FATBuilder) allocate() uint32 {
	for b.used[b.next] {
		b.next++
	}
	c := b.next
	b.used[c] = true
	b.next++
	return c
}

func (b *FATBuilder) lookupDir(dir string) (*fatNode, error) {
	node := b.root
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		var found *fatNode
		for _, child := range node.children {
			if child.dir && child.name == part {
				found = child
			}
		}
		if found == nil {
			return nil, fmt.Errorf("fixture directory %q not found", dir)
		}
		node = found
	}
	return node, nil
}

// AddDir adds a directory at p. Its parent must exist.
func (b *FATBuilder) AddDir(p string) error {
	parent, err := b.lookupDir(path.Dir(p))
	if err != nil {
		return err
	}
	node := &fatNode{name: path.Base(p), dir: true, chain: []uint32{b.allocate()}}
	parent.children = append(parent.children, node)
	return nil
}

// AddFile adds a file with the given content. When chain is empty clusters
// are allocated sequentially; otherwise the given clusters are used in order.
func (b *FATBuilder) AddFile(p string, data []byte, chain ...uint32) error {
	parent, err := b.lookupDir(path.Dir(p))
	if err != nil {
		return err
	}
	cs := b.clusterSize()
	need := (uint32(len(data)) + cs - 1) / cs
	if len(chain) == 0 {
		for i := uint32(0); i < need; i++ {
			chain = append(chain, b.allocate())
		}
	} else {
		if uint32(len(chain)) < need {
			return fmt.Errorf("chain of %d clusters cannot hold %d bytes", len(chain), len(data))
		}
		for _, c := range chain {
			b.used[c] = true
		}
	}
	node := &fatNode{name: path.Base(p), data: data, size: uint32(len(data)), chain: chain}
	parent.children = append(parent.children, node)
	return nil
}

// SetEntry overrides the raw FAT value of a cluster after chains are linked.
func (b *FATBuilder) SetEntry(cluster, value uint32) {
	b.entries[cluster] = value
}

func (b *FATBuilder) endMarker() uint32 {
	switch b.opts.Type {
	case types.FilesystemFAT32:
		return types.FAT32End
	case types.FilesystemFAT16:
		return types.FAT16End
	default:
		return types.FAT12End
	}
}

// Build renders the image.
func (b *FATBuilder) Build() ([]byte, error) {
	ss := int64(b.opts.SectorSize)
	img := make([]byte, int64(b.opts.TotalSectors)*ss)

	if err := b.writeBootSector(img); err != nil {
		return nil, err
	}

	table := make(map[uint32]uint32)
	table[0] = 0x0FFFFF00 | 0xF8
	table[1] = b.endMarker()
	var link func(n *fatNode)
	link = func(n *fatNode) {
		for i, c := range n.chain {
			if i == len(n.chain)-1 {
				table[c] = b.endMarker()
			} else {
				table[c] = n.chain[i+1]
			}
		}
		for _, child := range n.children {
			link(child)
		}
	}
	link(b.root)
	for c, v := range b.entries {
		table[c] = v
	}
	fat := make([]byte, int64(b.spf)*ss)
	clusters := make([]uint32, 0, len(table))
	for c := range table {
		clusters = append(clusters, c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i] < clusters[j] })
	for _, c := range clusters {
		putFATEntry(fat, b.opts.Type, c, table[c])
	}
	for i := 0; i < int(b.opts.NumFATs); i++ {
		copy(img[b.FATOffset(i):], fat)
	}

	if err := b.writeDirectory(img, b.root, nil); err != nil {
		return nil, err
	}
	return img, nil
}

func putFATEntry(fat []byte, t types.FilesystemType, c, v uint32) {
	switch t {
	case types.FilesystemFAT12:
		off := c + c/2
		word := binary.LittleEndian.Uint16(fat[off:])
		if c&1 == 0 {
			word = word&0xF000 | uint16(v&0x0FFF)
		} else {
			word = word&0x000F | uint16(v&0x0FFF)<<4
		}
		binary.LittleEndian.PutUint16(fat[off:], word)
	case types.FilesystemFAT16:
		binary.LittleEndian.PutUint16(fat[c*2:], uint16(v))
	default:
		binary.LittleEndian.PutUint32(fat[c*4:], v&types.FAT32EntryMask)
	}
}

func (b *FATBuilder) writeBootSector(img []byte) error {
	bpb := types.FATBootSector{
		JumpBoot:          [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:    b.opts.SectorSize,
		SectorsPerCluster: b.opts.SectorsPerCluster,
		ReservedSectors:   b.opts.ReservedSectors,
		NumFATs:           b.opts.NumFATs,
		RootEntryCount:    b.opts.RootEntries,
		Media:             0xF8,
		SectorsPerTrack:   32,
		NumberOfHeads:     2,
	}
	copy(bpb.OEMName[:], "MSWIN4.1")
	if b.opts.TotalSectors < 0x10000 {
		bpb.TotalSectors16 = uint16(b.opts.TotalSectors)
	} else {
		bpb.TotalSectors32 = b.opts.TotalSectors
	}

	var label [11]byte
	copy(label[:], fmt.Sprintf("%-11s", b.opts.Label))

	var ext interface{}
	if b.opts.Type == types.FilesystemFAT32 {
		fat32 := &types.FAT32Extension{
			FATSize32:        b.spf,
			RootCluster:      b.root.chain[0],
			FSInfoSector:     1,
			BackupBootSector: 6,
			DriveNumber:      0x80,
			BootSignature:    0x29,
			VolumeID:         0x1234ABCD,
			VolumeLabel:      label,
		}
		copy(fat32.FileSystemType[:], "FAT32   ")
		ext = fat32
	} else {
		bpb.FATSize16 = uint16(b.spf)
		fat16 := &types.FAT16Extension{
			DriveNumber:   0x80,
			BootSignature: 0x29,
			VolumeID:      0x1234ABCD,
			VolumeLabel:   label,
		}
		if b.opts.Type == types.FilesystemFAT16 {
			copy(fat16.FileSystemType[:], "FAT16   ")
		} else {
			copy(fat16.FileSystemType[:], "FAT12   ")
		}
		ext = fat16
	}

	head, err := restruct.Pack(binary.LittleEndian, &bpb)
	if err != nil {
		return fmt.Errorf("failed to pack boot sector: %w", err)
	}
	tail, err := restruct.Pack(binary.LittleEndian, ext)
	if err != nil {
		return fmt.Errorf("failed to pack boot sector extension: %w", err)
	}
	copy(img, head)
	copy(img[types.FATBootSectorSize:], tail)
	img[510], img[511] = 0x55, 0xAA

	if b.opts.Type == types.FilesystemFAT32 {
		nextFree := b.opts.NextFree
		if nextFree == 0 {
			nextFree = types.FSInfoUnknown
		}
		freeCount := b.opts.FreeCount
		if freeCount == 0 {
			freeCount = types.FSInfoUnknown
		}
		info := types.FSInfo{
			LeadSignature:   types.FSInfoLeadSignature,
			StructSignature: types.FSInfoStructSignature,
			FreeCount:       freeCount,
			NextFree:        nextFree,
			TrailSignature:  types.FSInfoTrailSignature,
		}
		raw, err := restruct.Pack(binary.LittleEndian, &info)
		if err != nil {
			return fmt.Errorf("failed to pack FSInfo: %w", err)
		}
		copy(img[int(b.opts.SectorSize):], raw)
	}
	return nil
}

// writeDirectory serialises the entries of dir into its root region or clusters.
func (b *FATBuilder) writeDirectory(img []byte, dir *fatNode, parent *fatNode) error {
	var slots [][]byte
	if parent != nil {
		dot, err := packDirEntry(shortNameBytes(".", ""), types.FATAttrDirectory, dir.chain[0], 0)
		if err != nil {
			return err
		}
		var parentCluster uint32
		if parent != b.root {
			parentCluster = parent.chain[0]
		}
		dotdot, err := packDirEntry(shortNameBytes("..", ""), types.FATAttrDirectory, parentCluster, 0)
		if err != nil {
			return err
		}
		slots = append(slots, dot, dotdot)
	} else {
		label, err := packDirEntry(labelBytes(b.opts.Label), types.FATAttrVolumeID, 0, 0)
		if err != nil {
			return err
		}
		slots = append(slots, label)
	}

	taken := make(map[string]bool)
	for _, child := range dir.children {
		short, lfn := makeShortName(child.name, taken)
		if lfn {
			frags, err := packLongName(child.name, short)
			if err != nil {
				return err
			}
			slots = append(slots, frags...)
		}
		attr := types.FATAttrArchive
		var start, size uint32
		if child.dir {
			attr = types.FATAttrDirectory
		} else {
			size = child.size
		}
		if len(child.chain) > 0 {
			start = child.chain[0]
		}
		entry, err := packDirEntry(short, attr, start, size)
		if err != nil {
			return err
		}
		slots = append(slots, entry)

		if child.dir {
			if err := b.writeDirectory(img, child, dir); err != nil {
				return err
			}
		} else {
			b.writeData(img, child)
		}
	}

	var buf []byte
	for _, s := range slots {
		buf = append(buf, s...)
	}
	if dir == b.root && b.opts.Type != types.FilesystemFAT32 {
		if len(buf) > int(b.opts.RootEntries)*types.FATDirEntrySize {
			return fmt.Errorf("root directory overflow")
		}
		ss := int64(b.opts.SectorSize)
		off := int64(b.opts.ReservedSectors)*ss + int64(b.opts.NumFATs)*int64(b.spf)*ss
		copy(img[off:], buf)
		return nil
	}
	cs := int(b.clusterSize())
	if len(buf) > cs*len(dir.chain) {
		return fmt.Errorf("directory %s overflows its clusters", dir.name)
	}
	for i, c := range dir.chain {
		start := i * cs
		if start >= len(buf) {
			break
		}
		end := start + cs
		if end > len(buf) {
			end = len(buf)
		}
		copy(img[b.ClusterOffset(c):], buf[start:end])
	}
	return nil
}

func (b *FATBuilder) writeData(img []byte, file *fatNode) {
	cs := int(b.clusterSize())
	for i, c := range file.chain {
		start := i * cs
		if start >= len(file.data) {
			break
		}
		end := start + cs
		if end > len(file.data) {
			end = len(file.data)
		}
		copy(img[b.ClusterOffset(c):], file.data[start:end])
	}
}

func packDirEntry(name [11]byte, attr uint8, cluster, size uint32) ([]byte, error) {
	e := types.FATDirEntry{
		Name:           name,
		Attribute:      attr,
		FirstClusterHI: uint16(cluster >> 16),
		FirstClusterLO: uint16(cluster),
		FileSize:       size,
		WriteDate:      binstruct.FATDate(fixtureTime),
		WriteTime:      binstruct.FATTime(fixtureTime),
		CreateDate:     binstruct.FATDate(fixtureTime),
		CreateTime:     binstruct.FATTime(fixtureTime),
	}
	raw, err := restruct.Pack(binary.LittleEndian, &e)
	if err != nil {
		return nil, fmt.Errorf("failed to pack directory entry: %w", err)
	}
	return raw, nil
}

// packLongName returns the LFN fragments of name in on-disk order (last fragment first).
func packLongName(name string, short [11]byte) ([][]byte, error) {
	encoded, err := binstruct.EncodeUTF16(name)
	if err != nil {
		return nil, err
	}
	units := make([]uint16, 0, len(encoded)/2+13)
	for i := 0; i+1 < len(encoded); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(encoded[i:]))
	}
	if len(units)%types.FATLongNameUnits != 0 {
		units = append(units, 0x0000)
	}
	for len(units)%types.FATLongNameUnits != 0 {
		units = append(units, 0xFFFF)
	}

	sum := checksum(short)
	count := len(units) / types.FATLongNameUnits
	frags := make([][]byte, 0, count)
	for seq := count; seq >= 1; seq-- {
		part := units[(seq-1)*types.FATLongNameUnits : seq*types.FATLongNameUnits]
		e := types.FATLongNameEntry{
			Sequence:  uint8(seq),
			Attribute: types.FATAttrLongName,
			Checksum:  sum,
		}
		if seq == count {
			e.Sequence |= types.FATLastLongEntry
		}
		copy(e.Name1[:], part[0:5])
		copy(e.Name2[:], part[5:11])
		copy(e.Name3[:], part[11:13])
		raw, err := restruct.Pack(binary.LittleEndian, &e)
		if err != nil {
			return nil, fmt.Errorf("failed to pack long name entry: %w", err)
		}
		frags = append(frags, raw)
	}
	return frags, nil
}

func checksum(name [11]byte) uint8 {
	var sum uint8
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

func shortNameBytes(base, ext string) [11]byte {
	var out [11]byte
	copy(out[:], fmt.Sprintf("%-8s%-3s", base, ext))
	return out
}

func labelBytes(label string) [11]byte {
	var out [11]byte
	copy(out[:], fmt.Sprintf("%-11s", strings.ToUpper(label)))
	return out
}

// makeShortName returns the 8.3 alias of name and whether a long name is needed.
func makeShortName(name string, taken map[string]bool) ([11]byte, bool) {
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	upperBase, upperExt := strings.ToUpper(base), strings.ToUpper(ext)
	fits := len(base) <= 8 && len(ext) <= 3 && base == upperBase && ext == upperExt && !strings.ContainsAny(name, " +,;=[]")
	if fits && !taken[name] {
		taken[name] = true
		return shortNameBytes(upperBase, upperExt), false
	}
	clean := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, upperBase)
	if len(clean) > 6 {
		clean = clean[:6]
	}
	if len(upperExt) > 3 {
		upperExt = upperExt[:3]
	}
	for n := 1; ; n++ {
		alias := fmt.Sprintf("%s~%d", clean, n)
		key := alias + "." + upperExt
		if !taken[key] {
			taken[key] = true
			return shortNameBytes(alias, upperExt), true
		}
	}
}
