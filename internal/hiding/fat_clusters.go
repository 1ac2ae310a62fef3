package hiding

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/parsers/fat"
	"github.com/dasec/fishy-sub000/internal/services"
	"github.com/dasec/fishy-sub000/internal/types"
)

// fatClusters holds what the FAT cluster techniques share: counting and
// claiming free clusters and mapping clusters to regions.
type fatClusters struct {
	drv *fat.Driver
	log zerolog.Logger
}

func (f fatClusters) clusterSize() uint64 {
	return uint64(f.drv.Geometry().ClusterSize)
}

func (f fatClusters) freeCount() (uint64, error) {
	entries, err := f.drv.Table().Entries()
	if err != nil {
		return 0, err
	}
	var free uint64
	for _, e := range entries[2:] {
		if e.Kind == types.AllocFree {
			free++
		}
	}
	return free, nil
}

func (f fatClusters) needed(payload uint64) uint64 {
	cs := f.clusterSize()
	return (payload + cs - 1) / cs
}

// claim allocates n free clusters. mark writes the table entry of each claimed
// cluster before the next one is searched for, so the reloaded table never
// offers it again. When mark fails the cluster is set free again; if that
// fails too it is returned with the others so Clear can release it.
func (f fatClusters) claim(n uint64, mark func(c uint64) error) ([]uint64, error) {
	table := f.drv.Table()
	hint := table.Hint()
	clusters := make([]uint64, 0, n)
	for uint64(len(clusters)) < n {
		c, err := table.FindFree(hint)
		if err != nil {
			return clusters, err
		}
		if err := mark(c); err != nil {
			if freeErr := table.Write(c, types.FreeEntry); freeErr != nil {
				return append(clusters, c), errors.Join(err, fmt.Errorf("failed to release cluster %d: %w", c, freeErr))
			}
			return clusters, err
		}
		clusters = append(clusters, c)
		hint = c
	}
	return clusters, nil
}

func (f fatClusters) regions(clusters []uint64) []types.Region {
	g := f.drv.Geometry()
	out := make([]types.Region, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, types.Region{Address: g.UnitOffset(c), Length: uint64(g.ClusterSize)})
	}
	return out
}

// release zero-fills clusters and marks them free again.
func (f fatClusters) release(clusters []uint64) error {
	if err := services.ClearRegions(f.drv.Device(), f.regions(clusters)); err != nil {
		return err
	}
	for _, c := range clusters {
		if err := f.drv.Table().Write(c, types.FreeEntry); err != nil {
			return fmt.Errorf("failed to free cluster %d: %w", c, err)
		}
	}
	return nil
}

// FATBadCluster hides data in free clusters that it marks as bad.
type FATBadCluster struct {
	fatClusters
}

var _ Technique = (*FATBadCluster)(nil)

// NewFATBadCluster returns the bad cluster technique for a FAT volume.
func NewFATBadCluster(drv *fat.Driver, log zerolog.Logger) *FATBadCluster {
	return &FATBadCluster{fatClusters{drv: drv, log: log}}
}

// Name returns the module name of the technique.
func (b *FATBadCluster) Name() string {
	return "fat-badcluster"
}

// Capacity returns the bytes held by all free clusters.
func (b *FATBadCluster) Capacity() (uint64, error) {
	free, err := b.freeCount()
	if err != nil {
		return 0, err
	}
	return free * b.clusterSize(), nil
}

// Write allocates clusters, marks them bad and stores the payload in them.
func (b *FATBadCluster) Write(r io.Reader) (*Entry, error) {
	payload, err := readPayload(r)
	if err != nil {
		return nil, err
	}
	capacity, err := b.Capacity()
	if err != nil {
		return nil, err
	}
	if err := checkCapacity("free clusters", uint64(len(payload)), capacity); err != nil {
		return nil, err
	}

	clusters, err := b.claim(b.needed(uint64(len(payload))), func(c uint64) error {
		return b.drv.Table().Write(c, types.BadEntry)
	})
	entry := &Entry{Length: uint64(len(payload)), Clusters: clusters}
	if err != nil {
		return entry, fmt.Errorf("failed to allocate bad clusters: %w", err)
	}
	b.log.Debug().Interface("clusters", clusters).Msg("marked clusters bad")

	used, err := fill(b.drv.Device(), b.regions(clusters), payload, b.log)
	entry.Regions = used
	return entry, err
}

// Read copies the payload out of the bad clusters.
func (b *FATBadCluster) Read(e *Entry, w io.Writer) error {
	return readEntry(b.drv.Device(), e, w)
}

// Clear zero-fills the clusters and marks them free.
func (b *FATBadCluster) Clear(e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	for _, c := range e.Clusters {
		entry, err := b.drv.Table().Resolve(c)
		if err != nil {
			return err
		}
		if entry.Kind != types.AllocBad {
			return types.NewUnitError("fat entry", c, fmt.Errorf("%w: expected a bad cluster, found %s", types.ErrChainIntegrity, entry))
		}
	}
	return b.release(e.Clusters)
}

// FATAddCluster hides data in free clusters appended to the chain of an
// existing file. The directory entry keeps its size, so the extra clusters
// are never read as file content.
type FATAddCluster struct {
	fatClusters
	path string
}

var _ Technique = (*FATAddCluster)(nil)

// NewFATAddCluster returns the additional cluster technique extending the file at path.
func NewFATAddCluster(drv *fat.Driver, path string, log zerolog.Logger) *FATAddCluster {
	return &FATAddCluster{fatClusters: fatClusters{drv: drv, log: log}, path: path}
}

// Name returns the module name of the technique.
func (a *FATAddCluster) Name() string {
	return "fat-addcluster"
}

// Capacity returns the bytes held by all free clusters.
func (a *FATAddCluster) Capacity() (uint64, error) {
	free, err := a.freeCount()
	if err != nil {
		return 0, err
	}
	return free * a.clusterSize(), nil
}

func (a *FATAddCluster) lastCluster() (uint64, error) {
	rec, err := a.drv.ResolveFile(a.path)
	if err != nil {
		return 0, err
	}
	if rec.IsDirectory {
		return 0, fmt.Errorf("cannot extend directory %s", a.path)
	}
	if rec.StartUnit == 0 {
		return 0, fmt.Errorf("%w: %s has no clusters to extend", types.ErrInsufficientSpace, a.path)
	}
	chain, err := a.drv.FollowChain(rec.StartUnit)
	if err != nil {
		return 0, err
	}
	last, _ := chain.Last()
	return last, nil
}

// Write links free clusters behind the file's last cluster and stores the payload in them.
func (a *FATAddCluster) Write(r io.Reader) (*Entry, error) {
	payload, err := readPayload(r)
	if err != nil {
		return nil, err
	}
	last, err := a.lastCluster()
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
	if len(payload) == 0 {
		return &Entry{File: a.path, LastCluster: last}, nil
	}

	table := a.drv.Table()
	prev := last
	clusters, err := a.claim(a.needed(uint64(len(payload))), func(c uint64) error {
		if err := table.Write(c, types.EndEntry); err != nil {
			return err
		}
		if err := table.Write(prev, types.NextEntry(c)); err != nil {
			return err
		}
		prev = c
		return nil
	})
	entry := &Entry{Length: uint64(len(payload)), Clusters: clusters, File: a.path, LastCluster: last}
	if err != nil {
		return entry, fmt.Errorf("failed to extend chain of %s: %w", a.path, err)
	}
	a.log.Debug().Str("file", a.path).Uint64("last", last).Interface("clusters", clusters).Msg("extended cluster chain")

	used, err := fill(a.drv.Device(), a.regions(clusters), payload, a.log)
	entry.Regions = used
	return entry, err
}

// Read copies the payload out of the appended clusters.
func (a *FATAddCluster) Read(e *Entry, w io.Writer) error {
	return readEntry(a.drv.Device(), e, w)
}

// Clear cuts the chain back to its original end, then zero-fills and frees
// the appended clusters.
func (a *FATAddCluster) Clear(e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if len(e.Clusters) == 0 {
		return nil
	}
	table := a.drv.Table()
	entry, err := table.Resolve(e.LastCluster)
	if err != nil {
		return err
	}
	if entry.Kind != types.AllocNext || entry.Next != e.Clusters[0] {
		return types.NewUnitError("fat chain", e.LastCluster,
			fmt.Errorf("%w: cluster does not link to appended cluster %d", types.ErrChainIntegrity, e.Clusters[0]))
	}
	if err := table.Write(e.LastCluster, types.EndEntry); err != nil {
		return err
	}
	return a.release(e.Clusters)
}
