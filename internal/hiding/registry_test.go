package hiding

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/types"
)

func TestNewTechnique(t *testing.T) {
	fatImage := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT16})
	require.NoError(t, fatImage.AddFile("/A.TXT", fixtures.Pattern(100, 1)))
	ntfsImage := fixtures.NewNTFSBuilder(fixtures.NTFSOptions{})
	ext4Image := fixtures.NewExt4Builder(fixtures.Ext4Options{})
	apfsImage := fixtures.NewAPFSBuilder(fixtures.APFSOptions{})

	tests := []struct {
		image   imageBuilder
		command string
		opts    Options
		want    string
		wantErr error
	}{
		{image: fatImage, command: CmdFileSlack, want: "fat16-fileslack"},
		{image: fatImage, command: CmdAddCluster, opts: Options{Files: []string{"/A.TXT"}}, want: "fat-addcluster"},
		{image: fatImage, command: CmdBadCluster, want: "fat-badcluster"},
		{image: fatImage, command: CmdMFTSlack, wantErr: types.ErrUnsupportedFilesystem},
		{image: ntfsImage, command: CmdFileSlack, want: "ntfs-fileslack"},
		{image: ntfsImage, command: CmdAddCluster, want: "ntfs-addcluster"},
		{image: ntfsImage, command: CmdMFTSlack, want: "ntfs-mftslack"},
		{image: ntfsImage, command: CmdBadCluster, wantErr: types.ErrUnsupportedFilesystem},
		{image: ext4Image, command: CmdReservedGDTBlocks, want: "ext4-reserved-gdt-blocks"},
		{image: ext4Image, command: CmdSuperblockSlack, want: "ext4-superblock-slack"},
		{image: ext4Image, command: CmdOsd2, want: "ext4-osd2"},
		{image: ext4Image, command: CmdObsoFaddr, want: "ext4-obso-faddr"},
		{image: ext4Image, command: CmdInodePadding, wantErr: types.ErrUnsupportedFilesystem},
		{image: apfsImage, command: CmdSuperblockSlack, want: "apfs-superblock-slack"},
		{image: apfsImage, command: CmdInodePadding, want: "apfs-inode-padding"},
		{image: apfsImage, command: CmdFileSlack, want: "apfs-fileslack"},
	}

	for _, tt := range tests {
		svc := openTestService(t, tt.image)
		t.Run(svc.Type().String()+"/"+tt.command, func(t *testing.T) {
			tech, err := New(tt.command, svc, tt.opts, zerolog.Nop())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tech.Name())
		})
	}
}

func TestNewTechniqueErrors(t *testing.T) {
	svc := openTestService(t, fixtures.NewFATBuilder(fixtures.FATOptions{}))

	_, err := New("steganography", svc, Options{}, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown hiding technique")

	_, err = New(CmdAddCluster, svc, Options{}, zerolog.Nop())
	assert.ErrorContains(t, err, "exactly one file")
}

func TestCommands(t *testing.T) {
	assert.Equal(t, []string{
		CmdAddCluster, CmdBadCluster, CmdFileSlack, CmdInodePadding, CmdMFTSlack,
		CmdObsoFaddr, CmdOsd2, CmdReservedGDTBlocks, CmdSuperblockSlack,
	}, Commands())
	assert.Equal(t, []types.FilesystemType{types.FilesystemExt4, types.FilesystemAPFS}, Supported(CmdSuperblockSlack))
}
