package hiding

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/device"
	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/parsers/fat"
	"github.com/dasec/fishy-sub000/internal/types"
)

func openFATDriver(t *testing.T, b *fixtures.FATBuilder) (*fat.Driver, *device.Stream) {
	t.Helper()
	vol := mountImage(t, b)
	drv, err := fat.NewDriver(vol, zerolog.Nop())
	require.NoError(t, err)
	return drv, vol
}

func TestFATAddCluster(t *testing.T) {
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT16})
	require.NoError(t, b.AddFile("/A.TXT", fixtures.Pattern(100, 1)))
	require.NoError(t, b.AddFile("/B.TXT", fixtures.Pattern(3000, 2)))
	drv, vol := openFATDriver(t, b)

	tech := NewFATAddCluster(drv, "/A.TXT", zerolog.Nop())
	assert.Equal(t, "fat-addcluster", tech.Name())

	payload := fixtures.Pattern(5000, 42)
	entry, err := tech.Write(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6, 7}, entry.Clusters)
	assert.Equal(t, uint64(2), entry.LastCluster)
	assert.Equal(t, "/A.TXT", entry.File)

	chain, err := drv.FollowChain(2)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationChain{2, 5, 6, 7}, chain)

	// Both FAT copies carry the extended chain.
	for i := 0; i < 2; i++ {
		raw, err := vol.Read(b.FATOffset(i)+2*2, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte{5, 0}, raw, "FAT copy %d", i)
	}

	// The directory entry keeps its size, so slack math is unchanged.
	rec, err := drv.ResolveFile("/A.TXT")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), rec.Size)

	var out bytes.Buffer
	require.NoError(t, tech.Read(entry, &out))
	assert.Equal(t, payload, out.Bytes())

	require.NoError(t, tech.Clear(entry))
	chain, err = drv.FollowChain(2)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationChain{2}, chain)
	for _, c := range entry.Clusters {
		e, err := drv.Table().Resolve(c)
		require.NoError(t, err)
		assert.Equal(t, types.FreeEntry, e)
	}
	data, err := vol.Read(b.ClusterOffset(5), 3*2048)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 3*2048), data)

	// A second clear finds the chain already cut.
	assert.ErrorIs(t, tech.Clear(entry), types.ErrChainIntegrity)
}

func TestFATAddClusterErrors(t *testing.T) {
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT12})
	require.NoError(t, b.AddFile("/EMPTY.TXT", nil))
	require.NoError(t, b.AddDir("/DIR"))
	require.NoError(t, b.AddFile("/DATA.BIN", fixtures.Pattern(10, 1)))
	drv, _ := openFATDriver(t, b)

	tests := []struct {
		name    string
		path    string
		payload int
		wantErr error
	}{
		{name: "empty file", path: "/EMPTY.TXT", payload: 1, wantErr: types.ErrInsufficientSpace},
		{name: "directory", path: "/DIR", payload: 1},
		{name: "missing", path: "/NOPE.BIN", payload: 1, wantErr: types.ErrPathComponentNotFound},
		{name: "too large", path: "/DATA.BIN", payload: 16 * 1024 * 1024, wantErr: types.ErrInsufficientSpace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFATAddCluster(drv, tt.path, zerolog.Nop()).Write(bytes.NewReader(make([]byte, tt.payload)))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	rec, err := drv.ResolveFile("/DATA.BIN")
	require.NoError(t, err)
	chain, err := drv.FollowChain(rec.StartUnit)
	require.NoError(t, err)
	assert.Len(t, chain, 1, "failed writes leave the chain alone")
}

func TestFATBadCluster(t *testing.T) {
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT32, NextFree: 12})
	require.NoError(t, b.AddFile("/FILE.BIN", fixtures.Pattern(600, 3)))
	drv, vol := openFATDriver(t, b)

	tech := NewFATBadCluster(drv, zerolog.Nop())
	assert.Equal(t, "fat-badcluster", tech.Name())
	before, err := tech.Capacity()
	require.NoError(t, err)

	payload := fixtures.Pattern(700, 9)
	entry, err := tech.Write(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, []uint64{13, 14}, entry.Clusters)
	for _, c := range entry.Clusters {
		e, err := drv.Table().Resolve(c)
		require.NoError(t, err)
		assert.Equal(t, types.BadEntry, e)
	}
	after, err := tech.Capacity()
	require.NoError(t, err)
	assert.Equal(t, before-2*512, after)

	var out bytes.Buffer
	require.NoError(t, tech.Read(entry, &out))
	assert.Equal(t, payload, out.Bytes())

	require.NoError(t, tech.Clear(entry))
	for _, c := range entry.Clusters {
		e, err := drv.Table().Resolve(c)
		require.NoError(t, err)
		assert.Equal(t, types.FreeEntry, e)
	}
	data, err := vol.Read(b.ClusterOffset(13), 2*512)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1024), data)

	// Clusters that are no longer bad are not touched again.
	assert.ErrorIs(t, tech.Clear(entry), types.ErrChainIntegrity)
}

func TestFATBadClusterInsufficientSpace(t *testing.T) {
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT12})
	drv, _ := openFATDriver(t, b)
	tech := NewFATBadCluster(drv, zerolog.Nop())

	capacity, err := tech.Capacity()
	require.NoError(t, err)
	_, err = tech.Write(bytes.NewReader(make([]byte, capacity+1)))
	assert.ErrorIs(t, err, types.ErrInsufficientSpace)

	entries, err := drv.Table().Entries()
	require.NoError(t, err)
	for id, e := range entries[2:] {
		assert.NotEqual(t, types.AllocBad, e.Kind, "cluster %d", id+2)
	}
}

func TestFATClaimReleasesUnlinkedCluster(t *testing.T) {
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT16})
	require.NoError(t, b.AddFile("/A.TXT", fixtures.Pattern(100, 1)))
	drv, _ := openFATDriver(t, b)
	clusters := fatClusters{drv: drv, log: zerolog.Nop()}

	table := drv.Table()
	calls := 0
	claimed, err := clusters.claim(3, func(c uint64) error {
		if err := table.Write(c, types.EndEntry); err != nil {
			return err
		}
		calls++
		if calls == 2 {
			return errors.New("link failed")
		}
		return nil
	})
	assert.ErrorContains(t, err, "link failed")
	require.Len(t, claimed, 1)

	entries, err := table.Entries()
	require.NoError(t, err)
	assert.Equal(t, types.AllocEnd, entries[claimed[0]].Kind)
	var ends int
	for _, e := range entries[2:] {
		if e.Kind == types.AllocEnd {
			ends++
		}
	}
	// /A.TXT and the one cluster kept by claim; the failed one is free again.
	assert.Equal(t, 2, ends)
}
