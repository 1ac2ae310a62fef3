package fixtures

import (
	"encoding/binary"
	"fmt"
	"path"

	"github.com/go-restruct/restruct"
	"github.com/google/uuid"

	"github.com/dasec/fishy-sub000/internal/types"
)

// Ext4Options describes a generated ext4 image. Zero fields take defaults.
type Ext4Options struct {
	BlockSize         uint32
	BlocksPerGroup    uint32
	Groups            uint32
	InodesPerGroup    uint32
	InodeSize         uint16
	ReservedGDTBlocks uint16
	// NoReservedGDT disables the reserved GDT area instead of using the default.
	NoReservedGDT bool
	Is64Bit       bool
	MetadataCsum  bool
	Label         string
}

type ext4SuperblockRecord struct {
	InodesCount       uint32
	BlocksCountLo     uint32
	RBlocksCountLo    uint32
	FreeBlocksCountLo uint32
	FreeInodesCount   uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	LogClusterSize    uint32
	BlocksPerGroup    uint32
	ClustersPerGroup  uint32
	InodesPerGroup    uint32
	MTime             uint32
	WTime             uint32
	MntCount          uint16
	MaxMntCount       uint16
	Magic             uint16
	State             uint16
	Errors            uint16
	MinorRevLevel     uint16
	LastCheck         uint32
	CheckInterval     uint32
	CreatorOS         uint32
	RevLevel          uint32
	DefResUID         uint16
	DefResGID         uint16
	FirstIno          uint32
	InodeSize         uint16
	BlockGroupNr      uint16
	FeatureCompat     uint32
	FeatureIncompat   uint32
	FeatureROCompat   uint32
	UUID              [16]byte
	VolumeName        [16]byte
	LastMounted       [64]byte
	AlgorithmUsageBmp uint32
	PreallocBlocks    uint8
	PreallocDirBlocks uint8
	ReservedGDTBlocks uint16
	JournalUUID       [16]byte
	JournalInum       uint32
	JournalDev        uint32
	LastOrphan        uint32
	HashSeed          [4]uint32
	DefHashVersion    uint8
	JnlBackupType     uint8
	DescSize          uint16
	DefaultMountOpts  uint32
	FirstMetaBg       uint32
	MkfsTime          uint32
	JnlBlocks         [17]uint32
	BlocksCountHi     uint32
	RBlocksCountHi    uint32
	FreeBlocksCountHi uint32
	Unused            [0xF0]byte
	BackupBgs         [2]uint32
}

// Ext4GroupLayout is the block placement of one block group.
type Ext4GroupLayout struct {
	Start            uint64
	HasSuperblock    bool
	GDTStart         uint64
	ReservedGDTStart uint64
	BlockBitmap      uint64
	InodeBitmap      uint64
	InodeTable       uint64
	FirstDataBlock   uint64
}

type ext4Node struct {
	name     string
	dir      bool
	inode    uint32
	parent   *ext4Node
	data     []byte
	blocks   []uint64
	children []*ext4Node
}

// Ext4Builder lays out a small ext4 image with sparse superblock backups
// and single-level extent trees.
type Ext4Builder struct {
	opts      Ext4Options
	root      *ext4Node
	nodes     map[string]*ext4Node
	used      map[uint64]bool
	next      uint64
	nextInode uint32
}

// NewExt4Builder returns a builder with defaults filled in.
func NewExt4Builder(opts Ext4Options) *Ext4Builder {
	if opts.BlockSize == 0 {
		opts.BlockSize = 4096
	}
	if opts.BlocksPerGroup == 0 {
		opts.BlocksPerGroup = 256
	}
	if opts.Groups == 0 {
		opts.Groups = 4
	}
	if opts.InodesPerGroup == 0 {
		opts.InodesPerGroup = 64
	}
	if opts.InodeSize == 0 {
		opts.InodeSize = 256
	}
	if opts.ReservedGDTBlocks == 0 && !opts.NoReservedGDT {
		opts.ReservedGDTBlocks = 4
	}
	if opts.Label == "" {
		opts.Label = "fishy"
	}
	b := &Ext4Builder{
		opts:      opts,
		nodes:     make(map[string]*ext4Node),
		used:      make(map[uint64]bool),
		nextInode: 11,
	}
	for g := uint32(0); g < opts.Groups; g++ {
		gl := b.GroupLayout(g)
		for blk := gl.Start; blk < gl.FirstDataBlock; blk++ {
			b.used[blk] = true
		}
	}
	if b.firstDataBlock() == 1 {
		b.used[0] = true
	}
	b.next = b.GroupLayout(0).FirstDataBlock
	b.root = &ext4Node{name: ".", dir: true, inode: types.Ext4RootInode, blocks: []uint64{b.allocate()}}
	b.root.parent = b.root
	b.nodes["/"] = b.root
	return b
}

func (b *Ext4Builder) firstDataBlock() uint64 {
	if b.opts.BlockSize == 1024 {
		return 1
	}
	return 0
}

func (b *Ext4Builder) descSize() uint32 {
	if b.opts.Is64Bit {
		return types.Ext4GroupDescSize64
	}
	return types.Ext4GroupDescSize
}

// TotalBlocks returns the block count of the image.
func (b *Ext4Builder) TotalBlocks() uint64 {
	return uint64(b.opts.Groups)*uint64(b.opts.BlocksPerGroup) + b.firstDataBlock()
}

// GDTBlocks returns the number of blocks of one descriptor table copy.
func (b *Ext4Builder) GDTBlocks() uint64 {
	bs := uint64(b.opts.BlockSize)
	return (uint64(b.opts.Groups)*uint64(b.descSize()) + bs - 1) / bs
}

// HasSuperblock reports whether group g carries a superblock copy.
func (b *Ext4Builder) HasSuperblock(g uint32) bool {
	if g <= 1 {
		return true
	}
	for _, base := range []uint32{3, 5, 7} {
		for n := base; n <= g; n *= base {
			if n == g {
				return true
			}
		}
	}
	return false
}

// GroupLayout computes the metadata placement of group g.
func (b *Ext4Builder) GroupLayout(g uint32) Ext4GroupLayout {
	gl := Ext4GroupLayout{Start: uint64(g)*uint64(b.opts.BlocksPerGroup) + b.firstDataBlock()}
	next := gl.Start
	if b.HasSuperblock(g) {
		gl.HasSuperblock = true
		gl.GDTStart = next + 1
		gl.ReservedGDTStart = gl.GDTStart + b.GDTBlocks()
		next = gl.ReservedGDTStart + uint64(b.opts.ReservedGDTBlocks)
	}
	gl.BlockBitmap = next
	gl.InodeBitmap = next + 1
	gl.InodeTable = next + 2
	tableBlocks := uint64(b.opts.InodesPerGroup) * uint64(b.opts.InodeSize) / uint64(b.opts.BlockSize)
	gl.FirstDataBlock = gl.InodeTable + tableBlocks
	return gl
}

// BlockOffset returns the byte offset of block n.
func (b *Ext4Builder) BlockOffset(n uint64) int64 {
	return int64(n * uint64(b.opts.BlockSize))
}

// InodeOffset returns the byte offset of inode n.
func (b *Ext4Builder) InodeOffset(n uint32) int64 {
	group := (n - 1) / b.opts.InodesPerGroup
	index := (n - 1) % b.opts.InodesPerGroup
	return b.BlockOffset(b.GroupLayout(group).InodeTable) + int64(index)*int64(b.opts.InodeSize)
}

// InodeCount returns the number of inodes of the image.
func (b *Ext4Builder) InodeCount() uint32 {
	return b.opts.Groups * b.opts.InodesPerGroup
}

// Inode returns the inode number assigned to p.
func (b *Ext4Builder) Inode(p string) uint32 {
	if n, ok := b.nodes[path.Clean("/"+p)]; ok {
		return n.inode
	}
	return 0
}

// Blocks returns the data blocks assigned to p.
func (b *Ext4Builder) Blocks(p string) []uint64 {
	if n, ok := b.nodes[path.Clean("/"+p)]; ok {
		return n.blocks
	}
	return nil
}

func (b *Ext4Builder) allocate() uint64 {
	for b.used[b.next] {
		b.next++
	}
	blk := b.next
	b.used[blk] = true
	b.next++
	return blk
}

func (b *Ext4Builder) add(p string, node *ext4Node) error {
	p = path.Clean("/" + p)
	parent, ok := b.nodes[path.Dir(p)]
	if !ok || !parent.dir {
		return fmt.Errorf("fixture directory %q not found", path.Dir(p))
	}
	if b.nextInode > b.opts.InodesPerGroup {
		return fmt.Errorf("fixture inode table is full")
	}
	node.name = path.Base(p)
	node.parent = parent
	node.inode = b.nextInode
	b.nextInode++
	parent.children = append(parent.children, node)
	b.nodes[p] = node
	return nil
}

// AddDir adds a single-block directory at p.
func (b *Ext4Builder) AddDir(p string) error {
	return b.add(p, &ext4Node{dir: true, blocks: []uint64{b.allocate()}})
}

// AddFile adds a file stored in the given blocks, or in sequentially
// allocated ones when none are given.
func (b *Ext4Builder) AddFile(p string, data []byte, blocks ...uint64) error {
	bs := uint64(b.opts.BlockSize)
	need := (uint64(len(data)) + bs - 1) / bs
	if len(blocks) == 0 {
		for i := uint64(0); i < need; i++ {
			blocks = append(blocks, b.allocate())
		}
	} else {
		if uint64(len(blocks)) < need {
			return fmt.Errorf("%d blocks cannot hold %d bytes", len(blocks), len(data))
		}
		for _, blk := range blocks {
			b.used[blk] = true
		}
	}
	return b.add(p, &ext4Node{data: data, blocks: blocks})
}

// Build renders the image.
func (b *Ext4Builder) Build() ([]byte, error) {
	bs := uint64(b.opts.BlockSize)
	img := make([]byte, b.TotalBlocks()*bs)

	for _, node := range b.nodes {
		if err := b.writeInode(img, node); err != nil {
			return nil, err
		}
		if node.dir {
			if err := b.writeDirectory(img, node); err != nil {
				return nil, err
			}
			continue
		}
		for i, blk := range node.blocks {
			from := min(uint64(i)*bs, uint64(len(node.data)))
			to := min(from+bs, uint64(len(node.data)))
			copy(img[blk*bs:], node.data[from:to])
		}
	}

	gdt, free := b.descriptorTable(img)
	for g := uint32(0); g < b.opts.Groups; g++ {
		gl := b.GroupLayout(g)
		if !gl.HasSuperblock {
			continue
		}
		sb, err := b.superblock(g, free)
		if err != nil {
			return nil, err
		}
		off := gl.Start * bs
		if g == 0 {
			off = types.Ext4SuperblockOffset
		}
		copy(img[off:], sb)
		copy(img[gl.GDTStart*bs:], gdt)
	}
	return img, nil
}

// descriptorTable renders the descriptor table and the bitmaps it points at.
func (b *Ext4Builder) descriptorTable(img []byte) ([]byte, uint64) {
	bs := uint64(b.opts.BlockSize)
	size := int(b.descSize())
	gdt := make([]byte, b.GDTBlocks()*bs)
	var totalFree uint64
	for g := uint32(0); g < b.opts.Groups; g++ {
		gl := b.GroupLayout(g)
		bitmap := img[gl.BlockBitmap*bs : (gl.BlockBitmap+1)*bs]
		var free uint32
		for i := uint64(0); i < uint64(b.opts.BlocksPerGroup); i++ {
			if b.used[gl.Start+i] {
				bitmap[i/8] |= 1 << (i % 8)
			} else {
				free++
			}
		}
		for i := uint64(b.opts.BlocksPerGroup); i < bs*8; i++ {
			bitmap[i/8] |= 1 << (i % 8)
		}
		totalFree += uint64(free)

		freeInodes := b.opts.InodesPerGroup
		if g == 0 {
			inodes := img[gl.InodeBitmap*bs : (gl.InodeBitmap+1)*bs]
			for i := uint32(0); i < b.nextInode-1; i++ {
				inodes[i/8] |= 1 << (i % 8)
			}
			freeInodes -= b.nextInode - 1
		}

		desc := gdt[int(g)*size : int(g+1)*size]
		binary.LittleEndian.PutUint32(desc[0x00:], uint32(gl.BlockBitmap))
		binary.LittleEndian.PutUint32(desc[0x04:], uint32(gl.InodeBitmap))
		binary.LittleEndian.PutUint32(desc[0x08:], uint32(gl.InodeTable))
		binary.LittleEndian.PutUint16(desc[0x0C:], uint16(free))
		binary.LittleEndian.PutUint16(desc[0x0E:], uint16(freeInodes))
		if b.opts.Is64Bit {
			binary.LittleEndian.PutUint32(desc[0x20:], uint32(gl.BlockBitmap>>32))
			binary.LittleEndian.PutUint32(desc[0x24:], uint32(gl.InodeBitmap>>32))
			binary.LittleEndian.PutUint32(desc[0x28:], uint32(gl.InodeTable>>32))
		}
	}
	return gdt, totalFree
}

func (b *Ext4Builder) superblock(g uint32, free uint64) ([]byte, error) {
	sb := ext4SuperblockRecord{
		InodesCount:       b.InodeCount(),
		BlocksCountLo:     uint32(b.TotalBlocks()),
		FreeBlocksCountLo: uint32(free),
		FreeInodesCount:   b.InodeCount() - (b.nextInode - 1),
		FirstDataBlock:    uint32(b.firstDataBlock()),
		BlocksPerGroup:    b.opts.BlocksPerGroup,
		ClustersPerGroup:  b.opts.BlocksPerGroup,
		InodesPerGroup:    b.opts.InodesPerGroup,
		MTime:             uint32(fixtureTime.Unix()),
		WTime:             uint32(fixtureTime.Unix()),
		MaxMntCount:       0xFFFF,
		Magic:             types.Ext4Magic,
		State:             1,
		Errors:            1,
		RevLevel:          1,
		FirstIno:          11,
		InodeSize:         b.opts.InodeSize,
		BlockGroupNr:      uint16(g),
		FeatureIncompat:   types.Ext4FeatureIncompatFiletype | types.Ext4FeatureIncompatExtents,
		FeatureROCompat:   types.Ext4FeatureRoCompatSparseSuper | types.Ext4FeatureRoCompatLargeFile,
		ReservedGDTBlocks: b.opts.ReservedGDTBlocks,
		MkfsTime:          uint32(fixtureTime.Unix()),
	}
	for lg := b.opts.BlockSize >> 11; lg > 0; lg >>= 1 {
		sb.LogBlockSize++
	}
	sb.LogClusterSize = sb.LogBlockSize
	if b.opts.ReservedGDTBlocks > 0 {
		sb.FeatureCompat |= types.Ext4FeatureCompatResizeInode
	}
	if b.opts.Is64Bit {
		sb.FeatureIncompat |= types.Ext4FeatureIncompat64Bit
		sb.DescSize = types.Ext4GroupDescSize64
	}
	if b.opts.MetadataCsum {
		sb.FeatureROCompat |= types.Ext4FeatureRoCompatMetadataCsum
	}
	id := uuid.MustParse("0f1e2d3c-4b5a-4978-8796-a5b4c3d2e1f0")
	copy(sb.UUID[:], id[:])
	copy(sb.VolumeName[:], b.opts.Label)

	raw, err := restruct.Pack(binary.LittleEndian, &sb)
	if err != nil {
		return nil, fmt.Errorf("failed to pack ext4 superblock: %w", err)
	}
	return raw, nil
}

func (b *Ext4Builder) writeInode(img []byte, node *ext4Node) error {
	buf := img[b.InodeOffset(node.inode) : b.InodeOffset(node.inode)+int64(b.opts.InodeSize)]
	size := uint64(len(node.data))
	mode, links := types.Ext4ModeRegular|0o644, uint16(1)
	if node.dir {
		mode, links = types.Ext4ModeDirectory|0o755, 2
		size = uint64(b.opts.BlockSize)
	}
	now := uint32(fixtureTime.Unix())
	binary.LittleEndian.PutUint16(buf[0x00:], mode)
	binary.LittleEndian.PutUint32(buf[0x04:], uint32(size))
	binary.LittleEndian.PutUint32(buf[0x08:], now)
	binary.LittleEndian.PutUint32(buf[0x0C:], now)
	binary.LittleEndian.PutUint32(buf[0x10:], now)
	binary.LittleEndian.PutUint16(buf[0x1A:], links)
	binary.LittleEndian.PutUint32(buf[0x1C:], uint32(uint64(len(node.blocks))*uint64(b.opts.BlockSize)/512))
	binary.LittleEndian.PutUint32(buf[0x20:], types.Ext4InodeFlagExtents)
	binary.LittleEndian.PutUint32(buf[0x6C:], uint32(size>>32))
	if b.opts.InodeSize > types.Ext4GoodOldInodeSize {
		binary.LittleEndian.PutUint16(buf[0x80:], 32)
	}

	type extent struct {
		logical uint32
		length  uint16
		start   uint64
	}
	var extents []extent
	for i, blk := range node.blocks {
		if n := len(extents); n > 0 && extents[n-1].start+uint64(extents[n-1].length) == blk {
			extents[n-1].length++
			continue
		}
		extents = append(extents, extent{logical: uint32(i), length: 1, start: blk})
	}
	if len(extents) > 4 {
		return fmt.Errorf("%s needs %d extents, the inode holds 4", node.name, len(extents))
	}
	tree := buf[0x28 : 0x28+types.Ext4InodeBlockArraySize]
	binary.LittleEndian.PutUint16(tree[0:], types.Ext4ExtentMagic)
	binary.LittleEndian.PutUint16(tree[2:], uint16(len(extents)))
	binary.LittleEndian.PutUint16(tree[4:], 4)
	for i, e := range extents {
		leaf := tree[types.Ext4ExtentHeaderSize+i*types.Ext4ExtentEntrySize:]
		binary.LittleEndian.PutUint32(leaf[0:], e.logical)
		binary.LittleEndian.PutUint16(leaf[4:], e.length)
		binary.LittleEndian.PutUint16(leaf[6:], uint16(e.start>>32))
		binary.LittleEndian.PutUint32(leaf[8:], uint32(e.start))
	}
	return nil
}

func (b *Ext4Builder) writeDirectory(img []byte, dir *ext4Node) error {
	bs := int(b.opts.BlockSize)
	block := img[b.BlockOffset(dir.blocks[0]):][:bs]
	type dirent struct {
		inode uint32
		name  string
		ft    uint8
	}
	entries := []dirent{{dir.inode, ".", types.Ext4FileTypeDirectory}, {dir.parent.inode, "..", types.Ext4FileTypeDirectory}}
	for _, child := range dir.children {
		ft := types.Ext4FileTypeRegular
		if child.dir {
			ft = types.Ext4FileTypeDirectory
		}
		entries = append(entries, dirent{child.inode, child.name, ft})
	}
	pos := 0
	for i, e := range entries {
		recLen := (types.Ext4DirEntryHeaderSize + len(e.name) + 3) &^ 3
		if i == len(entries)-1 {
			recLen = bs - pos
		}
		if pos+recLen > bs || recLen < types.Ext4DirEntryHeaderSize+len(e.name) {
			return fmt.Errorf("directory %s does not fit one block", dir.name)
		}
		binary.LittleEndian.PutUint32(block[pos:], e.inode)
		binary.LittleEndian.PutUint16(block[pos+4:], uint16(recLen))
		block[pos+6] = uint8(len(e.name))
		block[pos+7] = e.ft
		copy(block[pos+types.Ext4DirEntryHeaderSize:], e.name)
		pos += recLen
	}
	return nil
}
