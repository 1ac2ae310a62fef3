package services

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/types"
)

type imageBuilder interface {
	Build() ([]byte, error)
}

func buildImage(t *testing.T, b imageBuilder) []byte {
	t.Helper()
	img, err := b.Build()
	require.NoError(t, err)
	return img
}

func TestDetect(t *testing.T) {
	exfat := buildImage(t, fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT12}))
	copy(exfat[3:11], "EXFAT   ")

	tests := []struct {
		name    string
		image   []byte
		want    types.FilesystemType
		wantErr error
	}{
		{name: "fat12", image: buildImage(t, fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT12})), want: types.FilesystemFAT12},
		{name: "fat16", image: buildImage(t, fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT16})), want: types.FilesystemFAT16},
		{name: "fat32", image: buildImage(t, fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT32})), want: types.FilesystemFAT32},
		{name: "ntfs", image: buildImage(t, fixtures.NewNTFSBuilder(fixtures.NTFSOptions{})), want: types.FilesystemNTFS},
		{name: "ext4", image: buildImage(t, fixtures.NewExt4Builder(fixtures.Ext4Options{})), want: types.FilesystemExt4},
		{name: "ext4 1k blocks", image: buildImage(t, fixtures.NewExt4Builder(fixtures.Ext4Options{BlockSize: 1024})), want: types.FilesystemExt4},
		{name: "apfs", image: buildImage(t, fixtures.NewAPFSBuilder(fixtures.APFSOptions{})), want: types.FilesystemAPFS},
		{name: "exfat", image: exfat, wantErr: types.ErrUnsupportedFilesystem},
		{name: "zeros", image: make([]byte, 8192), wantErr: types.ErrUnrecognizedFilesystem},
		{name: "short", image: make([]byte, 100), wantErr: types.ErrTruncatedRegion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol, _, err := fixtures.Mount(tt.image)
			require.NoError(t, err)
			got, err := Detect(vol)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, types.FilesystemUnknown, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenDriver(t *testing.T) {
	tests := []struct {
		name        string
		builder     imageBuilder
		want        types.FilesystemType
		clusterSize uint32
	}{
		{name: "fat16", builder: fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT16}), want: types.FilesystemFAT16, clusterSize: 2048},
		{name: "ntfs", builder: fixtures.NewNTFSBuilder(fixtures.NTFSOptions{}), want: types.FilesystemNTFS, clusterSize: fixtures.NTFSClusterSize},
		{name: "ext4", builder: fixtures.NewExt4Builder(fixtures.Ext4Options{}), want: types.FilesystemExt4, clusterSize: 4096},
		{name: "apfs", builder: fixtures.NewAPFSBuilder(fixtures.APFSOptions{}), want: types.FilesystemAPFS, clusterSize: 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol, _, err := fixtures.Mount(buildImage(t, tt.builder))
			require.NoError(t, err)

			drv, err := OpenDriver(vol, zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, tt.want, drv.Type())

			geom, err := ResolveGeometry(vol)
			require.NoError(t, err)
			assert.Equal(t, tt.want, geom.FSType)
			assert.Equal(t, tt.clusterSize, geom.ClusterSize)
			assert.Equal(t, drv.Geometry(), geom)
		})
	}
}

func TestOpenDriverUnrecognized(t *testing.T) {
	vol, _, err := fixtures.Mount(make([]byte, 8192))
	require.NoError(t, err)

	_, err = OpenDriver(vol, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrUnrecognizedFilesystem)

	_, err = NewVolumeService(vol, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrUnrecognizedFilesystem)
}
