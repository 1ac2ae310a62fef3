package ntfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/types"
)

// createTestRunListData holds a run at 0x5634, a run 16 clusters before it
// and a sparse run.
func createTestRunListData() []byte {
	return []byte{
		0x21, 0x18, 0x34, 0x56,
		0x11, 0x08, 0xF0,
		0x01, 0x04,
		0x00,
	}
}

func TestDecodeDataRuns(t *testing.T) {
	runs, err := DecodeDataRuns(createTestRunListData(), 0, 4096)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.Equal(t, types.Run{StartCluster: 0x5634, ClusterCount: 0x18, ByteOffset: 0x5634 * 4096, ByteLength: 0x18 * 4096}, runs[0])
	assert.Equal(t, types.Run{StartCluster: 0x5624, ClusterCount: 8, ByteOffset: 0x5624 * 4096, ByteLength: 8 * 4096}, runs[1])
	assert.True(t, runs[2].Sparse)
	assert.Equal(t, uint64(4*4096), runs[2].ByteLength)

	assert.Equal(t, uint64(0x18+8+4)*4096, runs.TotalLength())
	assert.Len(t, runs.Clusters(), 0x18+8)
}

func TestEncodeDataRunsMatchesDecoder(t *testing.T) {
	data := createTestRunListData()
	runs, err := DecodeDataRuns(data, 0, 4096)
	require.NoError(t, err)
	assert.Equal(t, data, EncodeDataRuns(runs))
}

func TestDecodeDataRunsErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"zero length width", []byte{0x10, 0x01, 0x00}, types.ErrCorruptStructure},
		{"truncated run", []byte{0x21, 0x18}, types.ErrTruncatedRegion},
		{"negative cluster", []byte{0x11, 0x01, 0xFF, 0x00}, types.ErrCorruptStructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDataRuns(tt.data, 0, 4096)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMapStream(t *testing.T) {
	runs := types.RunList{
		{StartCluster: 1, ClusterCount: 2, ByteOffset: 0x1000, ByteLength: 0x2000},
		{StartCluster: 8, ClusterCount: 1, ByteOffset: 0x8000, ByteLength: 0x1000},
		{ClusterCount: 1, ByteLength: 0x1000, Sparse: true},
	}

	regions, err := MapStream(runs, 0x1800, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, []types.Region{{Address: 0x2800, Length: 0x800}, {Address: 0x8000, Length: 0x800}}, regions)

	_, err = MapStream(runs, 0x2800, 0x1000)
	assert.ErrorIs(t, err, types.ErrUnsupportedFeature)

	_, err = MapStream(runs[:2], 0x2800, 0x1000)
	assert.ErrorIs(t, err, types.ErrTruncatedRegion)
}

func TestClusterAt(t *testing.T) {
	runs := types.RunList{
		{StartCluster: 100, ClusterCount: 2},
		{ClusterCount: 3, Sparse: true},
		{StartCluster: 60, ClusterCount: 1},
	}

	c, sparse, err := clusterAt(runs, 1)
	require.NoError(t, err)
	assert.False(t, sparse)
	assert.Equal(t, uint64(101), c)

	_, sparse, err = clusterAt(runs, 3)
	require.NoError(t, err)
	assert.True(t, sparse)

	c, _, err = clusterAt(runs, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), c)

	_, _, err = clusterAt(runs, 6)
	assert.ErrorIs(t, err, types.ErrChainIntegrity)
}
