package hiding

import (
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/parsers/apfs"
	"github.com/dasec/fishy-sub000/internal/parsers/objects"
	"github.com/dasec/fishy-sub000/internal/services"
	"github.com/dasec/fishy-sub000/internal/types"
)

// apfsObjects is an APFS technique writing inside checksummed objects. After
// every write or clear the checksum of each touched block is recomputed.
type apfsObjects struct {
	drv    *apfs.Driver
	name   string
	locate func() ([]types.Region, error)
	log    zerolog.Logger
}

var _ Technique = (*apfsObjects)(nil)

func (t *apfsObjects) Name() string {
	return t.name
}

func (t *apfsObjects) Capacity() (uint64, error) {
	regions, err := t.locate()
	if err != nil {
		return 0, err
	}
	return totalLength(regions), nil
}

func (t *apfsObjects) blockSize() uint64 {
	return uint64(t.drv.Container().NxBlockSize)
}

// reseal recomputes the object checksum of every block touched by regions.
func (t *apfsObjects) reseal(regions []types.Region) error {
	bs := t.blockSize()
	seen := make(map[uint64]bool)
	var blocks []uint64
	for _, r := range regions {
		if r.Length == 0 {
			continue
		}
		for b := r.Address / bs; b <= (r.Address+r.Length-1)/bs; b++ {
			if !seen[b] {
				seen[b] = true
				blocks = append(blocks, b)
			}
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	vol := t.drv.Device()
	for _, b := range blocks {
		data, err := services.ReadRegion(vol, b*bs, bs)
		if err != nil {
			return err
		}
		if err := objects.UpdateChecksum(data); err != nil {
			return types.NewUnitError("apfs object", b, err)
		}
		if _, err := services.WriteRegion(vol, b*bs, data[:types.MaxCksumSize]); err != nil {
			return err
		}
		t.log.Debug().Uint64("block", b).Msg("object checksum updated")
	}
	return nil
}

func (t *apfsObjects) Write(r io.Reader) (*Entry, error) {
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
	used, err := fill(t.drv.Device(), regions, payload, t.log)
	entry := &Entry{Length: uint64(len(payload)), Regions: used}
	if sealErr := t.reseal(used); err == nil {
		err = sealErr
	}
	return entry, err
}

func (t *apfsObjects) Read(e *Entry, w io.Writer) error {
	return readEntry(t.drv.Device(), e, w)
}

func (t *apfsObjects) Clear(e *Entry) error {
	if err := clearEntry(t.drv.Device(), e); err != nil {
		return err
	}
	return t.reseal(e.Regions)
}

// NewAPFSSuperblockSlack hides data in block 0 of the container behind the
// container superblock structure.
func NewAPFSSuperblockSlack(drv *apfs.Driver, log zerolog.Logger) Technique {
	t := &apfsObjects{drv: drv, name: "apfs-superblock-slack", log: log}
	t.locate = func() ([]types.Region, error) {
		bs := t.blockSize()
		if bs <= types.NxSuperblockSize {
			return nil, fmt.Errorf("%w: block of %d bytes has no slack", types.ErrInsufficientSpace, bs)
		}
		return []types.Region{{Address: types.NxSuperblockSize, Length: bs - types.NxSuperblockSize}}, nil
	}
	return t
}

// Inode padding field sizes.
const (
	inodePad1Size = 2
	inodePad2Size = 8
)

// NewAPFSInodePadding hides data in the padding fields of inode records.
// pad2 is skipped when the inode stores its uncompressed size there.
func NewAPFSInodePadding(drv *apfs.Driver, log zerolog.Logger) Technique {
	t := &apfsObjects{drv: drv, name: "apfs-inode-padding", log: log}
	t.locate = func() ([]types.Region, error) {
		paddings, err := drv.InodePaddings()
		if err != nil {
			return nil, err
		}
		bs := t.blockSize()
		var regions []types.Region
		for _, p := range paddings {
			base := p.Block * bs
			regions = append(regions, types.Region{Address: base + uint64(p.Pad1Offset), Length: inodePad1Size})
			if p.Pad2 {
				regions = append(regions, types.Region{Address: base + uint64(p.Pad2Offset), Length: inodePad2Size})
			}
		}
		return regions, nil
	}
	return t
}
