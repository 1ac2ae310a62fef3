package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/metadata"
	"github.com/dasec/fishy-sub000/internal/types"
)

const testDevice = "/disk.img"

type imageBuilder interface {
	Build() ([]byte, error)
}

func createTestFS(t *testing.T, b imageBuilder) afero.Fs {
	t.Helper()
	img, err := b.Build()
	require.NoError(t, err)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testDevice, img, 0o644))
	return fs
}

func createFATImage(t *testing.T) afero.Fs {
	t.Helper()
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT16, Label: "FISHY"})
	require.NoError(t, b.AddFile("/A.TXT", fixtures.Pattern(100, 1)))
	require.NoError(t, b.AddDir("/DIR"))
	require.NoError(t, b.AddFile("/DIR/B.TXT", fixtures.Pattern(3000, 2)))
	return createTestFS(t, b)
}

// runFishy executes one command line and returns what it printed on stdout.
func runFishy(t *testing.T, fs afero.Fs, stdin []byte, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd(fs)
	root.SetArgs(args)
	root.SetIn(bytes.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.Execute()
	return stdout.String(), err
}

func TestInfoCommand(t *testing.T) {
	fs := createFATImage(t)

	out, err := runFishy(t, fs, nil, "-d", testDevice, "--output", "json", "info")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "fat16", info["filesystem"])
	assert.Equal(t, float64(2048), info["cluster_size"])

	out, err = runFishy(t, fs, nil, "-d", testDevice, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Filesystem:")
	assert.Contains(t, out, "fat16")

	_, err = runFishy(t, fs, nil, "-d", testDevice, "--output", "xml", "info")
	assert.ErrorContains(t, err, "unsupported output format")

	_, err = runFishy(t, fs, nil, "info")
	assert.ErrorContains(t, err, "device path cannot be empty")
}

func TestFATToolsCommand(t *testing.T) {
	fs := createFATImage(t)

	out, err := runFishy(t, fs, nil, "-d", testDevice, "fattools", "--list", "/DIR")
	require.NoError(t, err)
	assert.Contains(t, out, "B.TXT")
	assert.NotContains(t, out, "A.TXT")

	out, err = runFishy(t, fs, nil, "-d", testDevice, "--output", "yaml", "fattools", "--info")
	require.NoError(t, err)
	assert.Contains(t, out, "filesystem: fat16")
	assert.Contains(t, out, "fat_count: 2")

	out, err = runFishy(t, fs, nil, "-d", testDevice, "fattools", "--fat")
	require.NoError(t, err)
	assert.Contains(t, out, "CLUSTER")

	_, err = runFishy(t, fs, nil, "-d", testDevice, "fattools", "--fat", "--info")
	assert.Error(t, err)

	ntfs := createTestFS(t, fixtures.NewNTFSBuilder(fixtures.NTFSOptions{}))
	_, err = runFishy(t, ntfs, nil, "-d", testDevice, "fattools", "--info")
	assert.ErrorContains(t, err, "needs a FAT volume")
}

func TestFileSlackCommand(t *testing.T) {
	fs := createFATImage(t)
	payload := []byte("hidden in the slack of two files")
	require.NoError(t, afero.WriteFile(fs, "/secret.txt", payload, 0o644))

	_, err := runFishy(t, fs, nil, "-d", testDevice, "fileslack", "-m", "/meta.json", "-f", "/A.TXT", "-f", "/DIR", "-w", "/secret.txt")
	require.NoError(t, err)

	m, err := metadata.Read(fs, "/meta.json", "fat16-fileslack")
	require.NoError(t, err)
	files := m.List()
	require.Len(t, files, 1)
	assert.Equal(t, "secret.txt", files[0].Filename)

	out, err := runFishy(t, fs, nil, "-d", testDevice, "fileslack", "-m", "/meta.json", "-r")
	require.NoError(t, err)
	assert.Equal(t, string(payload), out)

	_, err = runFishy(t, fs, nil, "-d", testDevice, "fileslack", "-m", "/meta.json", "-r", "-o", "/out.bin")
	require.NoError(t, err)
	data, err := afero.ReadFile(fs, "/out.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = runFishy(t, fs, nil, "-d", testDevice, "fileslack", "-m", "/meta.json", "-c")
	require.NoError(t, err)
	out, err = runFishy(t, fs, nil, "-d", testDevice, "fileslack", "-m", "/meta.json", "-r")
	require.NoError(t, err)
	assert.Equal(t, string(make([]byte, len(payload))), out)
}

func TestBadClusterCommandFromStdin(t *testing.T) {
	fs := createFATImage(t)
	payload := fixtures.Pattern(5000, 3)

	_, err := runFishy(t, fs, payload, "-d", testDevice, "badcluster", "-m", "/bad.json", "-w")
	require.NoError(t, err)

	out, err := runFishy(t, fs, nil, "-d", testDevice, "--output", "yaml", "metadata", "-m", "/bad.json")
	require.NoError(t, err)
	assert.Contains(t, out, "module: fat-badcluster")
	assert.Contains(t, out, "filename: stdin")

	out, err = runFishy(t, fs, nil, "-d", testDevice, "badcluster", "-m", "/bad.json", "-r")
	require.NoError(t, err)
	assert.Equal(t, string(payload), out)

	_, err = runFishy(t, fs, nil, "-d", testDevice, "badcluster", "-m", "/bad.json", "-c")
	require.NoError(t, err)
	_, err = runFishy(t, fs, nil, "-d", testDevice, "badcluster", "-m", "/bad.json", "-c")
	assert.ErrorIs(t, err, types.ErrChainIntegrity)
}

func TestAddClusterCommandUsesRecordedFile(t *testing.T) {
	fs := createFATImage(t)
	payload := fixtures.Pattern(3000, 4)

	_, err := runFishy(t, fs, payload, "-d", testDevice, "addcluster", "-m", "/add.json", "-f", "/A.TXT", "-w")
	require.NoError(t, err)

	out, err := runFishy(t, fs, nil, "-d", testDevice, "addcluster", "-m", "/add.json", "-r")
	require.NoError(t, err)
	assert.Equal(t, string(payload), out)

	_, err = runFishy(t, fs, nil, "-d", testDevice, "addcluster", "-m", "/add.json", "-c")
	require.NoError(t, err)
}

func TestTechniqueCommandErrors(t *testing.T) {
	fs := createFATImage(t)
	_, err := runFishy(t, fs, []byte("x"), "-d", testDevice, "badcluster", "-m", "/bad.json", "-w")
	require.NoError(t, err)

	tests := []struct {
		name    string
		args    []string
		wantErr error
		msg     string
	}{
		{name: "no mode", args: []string{"badcluster", "-m", "/bad.json"}, msg: "at least one of the flags"},
		{name: "two modes", args: []string{"badcluster", "-m", "/bad.json", "-r", "-c"}, msg: "none of the others can be"},
		{name: "no metadata", args: []string{"badcluster", "-r"}, msg: "no metadata file given"},
		{name: "wrong module", args: []string{"fileslack", "-m", "/bad.json", "-r"}, wantErr: metadata.ErrModuleMismatch},
		{name: "wrong filesystem", args: []string{"mftslack", "-m", "/mft.json", "-w"}, wantErr: types.ErrUnsupportedFilesystem},
		{name: "payload with read", args: []string{"badcluster", "-m", "/bad.json", "-r", "/secret.txt"}, msg: "only accepted with --write"},
		{name: "missing payload", args: []string{"badcluster", "-m", "/other.json", "-w", "/nope.txt"}, msg: "failed to open payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runFishy(t, fs, []byte("x"), append([]string{"-d", testDevice}, tt.args...)...)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.msg != "" {
				assert.ErrorContains(t, err, tt.msg)
			}
		})
	}
}

func TestConfigFileSettings(t *testing.T) {
	b := fixtures.NewNTFSBuilder(fixtures.NTFSOptions{})
	require.NoError(t, b.AddFile("/big.bin", fixtures.Pattern(10000, 2)))
	fs := createTestFS(t, b)
	require.NoError(t, afero.WriteFile(fs, "/etc/fishy.yaml", []byte("metadata_path: /mft.json\nntfs:\n  mft_slack_start_record: 20\n"), 0o644))

	payload := fixtures.Pattern(600, 8)
	_, err := runFishy(t, fs, payload, "--config", "/etc/fishy.yaml", "-d", testDevice, "mftslack", "-w")
	require.NoError(t, err)

	out, err := runFishy(t, fs, nil, "--config", "/etc/fishy.yaml", "-d", testDevice, "--output", "json", "metadata")
	require.NoError(t, err)
	var view struct {
		Module string `json:"module"`
		Files  []struct {
			Entry struct {
				Regions []types.Region `json:"regions"`
			} `json:"entry"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "ntfs-mftslack", view.Module)
	require.Len(t, view.Files, 1)
	for _, r := range view.Files[0].Entry.Regions {
		assert.GreaterOrEqual(t, r.Address, uint64(b.RecordOffset(20)))
	}

	out, err = runFishy(t, fs, nil, "--config", "/etc/fishy.yaml", "-d", testDevice, "mftslack", "-r")
	require.NoError(t, err)
	assert.Equal(t, string(payload), out)
}
