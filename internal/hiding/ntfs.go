package hiding

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/parsers/ntfs"
	"github.com/dasec/fishy-sub000/internal/services"
	"github.com/dasec/fishy-sub000/internal/types"
)

// MFTSlackFirstRecord is the lowest record used by NTFSMFTSlack. Records
// 0 to 3 are mirrored in $MFTMirr and a divergence would be reported by chkdsk.
const MFTSlackFirstRecord = 4

// NTFSMFTSlack hides data in the unused tail of MFT records.
type NTFSMFTSlack struct {
	drv   *ntfs.Driver
	start uint64
	log   zerolog.Logger
}

var _ Technique = (*NTFSMFTSlack)(nil)

// NewNTFSMFTSlack returns the MFT slack technique starting at record start.
func NewNTFSMFTSlack(drv *ntfs.Driver, start uint64, log zerolog.Logger) *NTFSMFTSlack {
	return &NTFSMFTSlack{drv: drv, start: max(start, MFTSlackFirstRecord), log: log}
}

// Name returns the module name of the technique.
func (m *NTFSMFTSlack) Name() string {
	return "ntfs-mftslack"
}

// regions collects record slack until need bytes are covered; need 0 collects all.
// Records that are full or do not carry a valid FILE header are skipped.
func (m *NTFSMFTSlack) regions(need uint64) ([]types.Region, error) {
	store := m.drv.Records()
	var (
		regions []types.Region
		total   uint64
	)
	for n := m.start; n < store.RecordCount(); n++ {
		if need != 0 && total >= need {
			break
		}
		slack, err := store.RecordSlack(n)
		if errors.Is(err, types.ErrInsufficientSpace) || errors.Is(err, types.ErrCorruptStructure) {
			m.log.Debug().Uint64("record", n).Err(err).Msg("skipping record")
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, r := range slackRegions(slack) {
			regions = append(regions, r)
			total += r.Length
		}
	}
	return regions, nil
}

// Capacity returns the slack of every usable record from the start record on.
func (m *NTFSMFTSlack) Capacity() (uint64, error) {
	regions, err := m.regions(0)
	if err != nil {
		return 0, err
	}
	return totalLength(regions), nil
}

// Write hides the payload in MFT record slack.
func (m *NTFSMFTSlack) Write(r io.Reader) (*Entry, error) {
	payload, err := readPayload(r)
	if err != nil {
		return nil, err
	}
	regions, err := m.regions(uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	if err := checkCapacity("mft slack", uint64(len(payload)), totalLength(regions)); err != nil {
		return nil, err
	}
	used, err := fill(m.drv.Device(), regions, payload, m.log)
	return &Entry{Length: uint64(len(payload)), Regions: used}, err
}

// Read copies a payload out of MFT record slack.
func (m *NTFSMFTSlack) Read(e *Entry, w io.Writer) error {
	return readEntry(m.drv.Device(), e, w)
}

// Clear zero-fills the record slack used by e.
func (m *NTFSMFTSlack) Clear(e *Entry) error {
	return clearEntry(m.drv.Device(), e)
}

// NTFSAddCluster hides data in free clusters that it marks as allocated in
// $Bitmap without assigning them to any file.
type NTFSAddCluster struct {
	drv *ntfs.Driver
	log zerolog.Logger
}

var _ Technique = (*NTFSAddCluster)(nil)

// NewNTFSAddCluster returns the cluster allocation technique for an NTFS volume.
func NewNTFSAddCluster(drv *ntfs.Driver, log zerolog.Logger) *NTFSAddCluster {
	return &NTFSAddCluster{drv: drv, log: log}
}

// Name returns the module name of the technique.
func (a *NTFSAddCluster) Name() string {
	return "ntfs-addcluster"
}

func (a *NTFSAddCluster) freeCount() (uint64, error) {
	bitmap := a.drv.Bitmap()
	var free uint64
	for c := uint64(0); c < bitmap.UnitCount(); c++ {
		ok, err := bitmap.IsFree(c)
		if err != nil {
			return 0, err
		}
		if ok {
			free++
		}
	}
	return free, nil
}

// Capacity returns the bytes held by all free clusters.
func (a *NTFSAddCluster) Capacity() (uint64, error) {
	free, err := a.freeCount()
	if err != nil {
		return 0, err
	}
	return free * uint64(a.drv.Geometry().ClusterSize), nil
}

// Write allocates clusters in $Bitmap and stores the payload in them.
func (a *NTFSAddCluster) Write(r io.Reader) (*Entry, error) {
	payload, err := readPayload(r)
	if err != nil {
		return nil, err
	}
	capacity, err := a.Capacity()
	if err != nil {
		return nil, err
	}
	if err := checkCapacity("free clusters", uint64(len(payload)), capacity); err != nil {
		return nil, err
	}

	g := a.drv.Geometry()
	cs := uint64(g.ClusterSize)
	bitmap := a.drv.Bitmap()
	hint := bitmap.Hint()
	entry := &Entry{Length: uint64(len(payload))}
	var regions []types.Region
	for n := (uint64(len(payload)) + cs - 1) / cs; n > 0; n-- {
		c, err := bitmap.FindFree(hint)
		if err != nil {
			return entry, fmt.Errorf("failed to allocate cluster: %w", err)
		}
		if err := bitmap.SetAllocated(c, true); err != nil {
			return entry, err
		}
		entry.Clusters = append(entry.Clusters, c)
		regions = append(regions, types.Region{Address: g.UnitOffset(c), Length: cs})
		hint = c + 1
	}
	a.log.Debug().Interface("clusters", entry.Clusters).Msg("allocated clusters in $Bitmap")

	entry.Regions, err = fill(a.drv.Device(), regions, payload, a.log)
	return entry, err
}

// Read copies the payload out of the allocated clusters.
func (a *NTFSAddCluster) Read(e *Entry, w io.Writer) error {
	return readEntry(a.drv.Device(), e, w)
}

// Clear zero-fills the clusters and releases them in $Bitmap.
func (a *NTFSAddCluster) Clear(e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	g := a.drv.Geometry()
	for _, c := range e.Clusters {
		if err := services.ClearRegion(a.drv.Device(), g.UnitOffset(c), uint64(g.ClusterSize)); err != nil {
			return err
		}
		if err := a.drv.Bitmap().SetAllocated(c, false); err != nil {
			return err
		}
	}
	return nil
}
