package ntfs

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// ClusterBitmap is the $Bitmap allocation map: one bit per cluster, set when allocated.
type ClusterBitmap struct {
	vol      interfaces.Volume
	store    *RecordStore
	runs     types.RunList
	size     uint64
	clusters uint64
	data     []byte
	log      zerolog.Logger
}

// NewClusterBitmap loads the $Bitmap stream of the volume.
func NewClusterBitmap(vol interfaces.Volume, store *RecordStore, clusters uint64, log zerolog.Logger) (*ClusterBitmap, error) {
	attr, err := store.FindAttribute(types.MFTRecordBitmap, types.AttrData, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read $Bitmap record: %w", err)
	}
	if attr == nil {
		return nil, types.NewUnitError("bitmap", types.MFTRecordBitmap, fmt.Errorf("%w: no $DATA attribute", types.ErrCorruptStructure))
	}
	if !attr.NonResident {
		return nil, types.NewUnitError("bitmap", types.MFTRecordBitmap, fmt.Errorf("%w: resident $Bitmap", types.ErrUnsupportedFeature))
	}
	b := &ClusterBitmap{
		vol:      vol,
		store:    store,
		runs:     attr.Runs,
		size:     attr.RealSize,
		clusters: min(clusters, attr.RealSize*8),
		log:      log,
	}
	if err := b.reload(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *ClusterBitmap) reload() error {
	data, err := b.store.ReadStream(b.runs, 0, b.size)
	if err != nil {
		return fmt.Errorf("failed to read $Bitmap: %w", err)
	}
	b.data = data
	return nil
}

// UnitCount returns the number of clusters the bitmap covers.
func (b *ClusterBitmap) UnitCount() uint64 {
	return b.clusters
}

// IsFree reports whether cluster c is unallocated.
func (b *ClusterBitmap) IsFree(c uint64) (bool, error) {
	if c >= b.clusters {
		return false, types.NewUnitError("bitmap", c, fmt.Errorf("%w: cluster beyond %d", types.ErrInvalidAllocationValue, b.clusters))
	}
	return b.data[c/8]&(1<<(c%8)) == 0, nil
}

// Hint returns the first cluster after the last run of the $MFT.
func (b *ClusterBitmap) Hint() uint64 {
	var hint uint64
	for _, r := range b.store.MFTRuns() {
		if !r.Sparse {
			hint = r.StartCluster + r.ClusterCount
		}
	}
	if hint >= b.clusters {
		return 0
	}
	return hint
}

// FindFree scans for a free cluster starting at hint itself and wrapping once.
func (b *ClusterBitmap) FindFree(hint uint64) (uint64, error) {
	if b.clusters == 0 {
		return 0, types.ErrNoFreeUnit
	}
	if hint >= b.clusters {
		hint = 0
	}
	for i := uint64(0); i < b.clusters; i++ {
		c := (hint + i) % b.clusters
		if b.data[c/8]&(1<<(c%8)) == 0 {
			return c, nil
		}
	}
	return 0, types.ErrNoFreeUnit
}

// SetAllocated sets or clears the bit of cluster c on disk and reloads the bitmap.
func (b *ClusterBitmap) SetAllocated(c uint64, allocated bool) error {
	if c >= b.clusters {
		return types.NewUnitError("bitmap", c, fmt.Errorf("%w: cluster beyond %d", types.ErrInvalidAllocationValue, b.clusters))
	}
	regions, err := MapStream(b.runs, c/8, 1)
	if err != nil {
		return types.NewUnitError("bitmap", c, err)
	}
	value := b.data[c/8]
	if allocated {
		value |= 1 << (c % 8)
	} else {
		value &^= 1 << (c % 8)
	}
	if _, err := b.vol.WriteAt([]byte{value}, int64(regions[0].Address)); err != nil {
		return fmt.Errorf("failed to update $Bitmap for cluster %d: %w", c, err)
	}
	b.log.Debug().Uint64("cluster", c).Bool("allocated", allocated).Msg("updated $Bitmap")
	return b.reload()
}
