package hiding

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/parsers/ext4"
	"github.com/dasec/fishy-sub000/internal/types"
)

// ext4Regions is an ext4 technique whose regions are fixed by the layout of
// the volume and need no structural change.
type ext4Regions struct {
	drv    *ext4.Driver
	name   string
	locate func() ([]types.Region, error)
	log    zerolog.Logger
}

var _ Technique = (*ext4Regions)(nil)

func (t *ext4Regions) Name() string {
	return t.name
}

func (t *ext4Regions) Capacity() (uint64, error) {
	regions, err := t.locate()
	if err != nil {
		return 0, err
	}
	return totalLength(regions), nil
}

func (t *ext4Regions) Write(r io.Reader) (*Entry, error) {
	payload, err := readPayload(r)
	if err != nil {
		return nil, err
	}
	regions, err := t.locate()
	if err != nil {
		return nil, err
	}
	if err := checkCapacity(t.name, uint64(len(payload)), totalLength(regions)); err != nil {
		return nil, err
	}
	t.log.Info().Str("technique", t.name).Int("payload", len(payload)).Int("regions", len(regions)).Msg("writing payload")
	used, err := fill(t.drv.Device(), regions, payload, t.log)
	return &Entry{Length: uint64(len(payload)), Regions: used}, err
}

func (t *ext4Regions) Read(e *Entry, w io.Writer) error {
	return readEntry(t.drv.Device(), e, w)
}

func (t *ext4Regions) Clear(e *Entry) error {
	return clearEntry(t.drv.Device(), e)
}

// NewExt4ReservedGDT hides data in the reserved GDT blocks of every group
// that carries a superblock copy.
func NewExt4ReservedGDT(drv *ext4.Driver, log zerolog.Logger) Technique {
	t := &ext4Regions{drv: drv, name: "ext4-reserved-gdt-blocks", log: log}
	t.locate = func() ([]types.Region, error) {
		sb := drv.Superblock()
		bs := uint64(sb.BlockSize())
		var regions []types.Region
		for _, g := range ext4.SuperblockGroups(sb) {
			first, n := ext4.ReservedGDTBlocks(sb, g)
			if n == 0 {
				continue
			}
			regions = append(regions, types.Region{Address: first * bs, Length: n * bs})
		}
		if len(regions) == 0 {
			return nil, fmt.Errorf("%w: volume has no reserved GDT blocks", types.ErrInsufficientSpace)
		}
		return regions, nil
	}
	return t
}

// NewExt4SuperblockSlack hides data behind every superblock copy up to the
// end of its block and behind the last descriptor of every group descriptor
// table copy.
func NewExt4SuperblockSlack(drv *ext4.Driver, log zerolog.Logger) Technique {
	t := &ext4Regions{drv: drv, name: "ext4-superblock-slack", log: log}
	t.locate = func() ([]types.Region, error) {
		return superblockSlack(drv.Superblock()), nil
	}
	return t
}

func superblockSlack(sb *types.Ext4Superblock) []types.Region {
	bs := uint64(sb.BlockSize())
	metaBG := sb.FeatureIncompat&types.Ext4FeatureIncompatMetaBG != 0
	gdtUsed := uint64(sb.GroupCount()) * uint64(sb.GroupDescriptorSize())
	gdtBlocks := ext4.GroupDescriptorBlocks(sb)

	var regions []types.Region
	for _, g := range ext4.SuperblockGroups(sb) {
		off := ext4.SuperblockOffset(sb, g)
		end := off/bs*bs + bs
		if tail := off + types.Ext4SuperblockSize; tail < end {
			regions = append(regions, types.Region{Address: tail, Length: end - tail})
		}
		if metaBG {
			continue
		}
		gdt := (ext4.GroupFirstBlock(sb, g) + 1) * bs
		if gdtUsed < gdtBlocks*bs {
			regions = append(regions, types.Region{Address: gdt + gdtUsed, Length: gdtBlocks*bs - gdtUsed})
		}
	}
	return regions
}

// inodeField hides data in a fixed field of every inode.
func inodeField(drv *ext4.Driver, name string, off, size int64, log zerolog.Logger) Technique {
	t := &ext4Regions{drv: drv, name: name, log: log}
	t.locate = func() ([]types.Region, error) {
		if drv.Superblock().HasMetadataChecksums() {
			return nil, fmt.Errorf("%w: %s would invalidate inode checksums", types.ErrUnsupportedFeature, name)
		}
		inodes := drv.Inodes()
		regions := make([]types.Region, 0, inodes.Count())
		for n := uint32(1); n <= inodes.Count(); n++ {
			base, err := inodes.Offset(n)
			if err != nil {
				return nil, err
			}
			regions = append(regions, types.Region{Address: uint64(base + off), Length: uint64(size)})
		}
		return regions, nil
	}
	return t
}

// NewExt4Osd2 hides data in the two reserved bytes of osd2 in every inode.
func NewExt4Osd2(drv *ext4.Driver, log zerolog.Logger) Technique {
	return inodeField(drv, "ext4-osd2", types.Ext4InodeOsd2ReservedOff, types.Ext4InodeOsd2ReservedSize, log)
}

// NewExt4ObsoFaddr hides data in the obsolete fragment address of every inode.
func NewExt4ObsoFaddr(drv *ext4.Driver, log zerolog.Logger) Technique {
	return inodeField(drv, "ext4-obso-faddr", types.Ext4InodeObsoFaddrOff, types.Ext4InodeObsoFaddrSize, log)
}
