// Package metadata stores what a hiding operation wrote so it can be read
// back or cleared later. The store is a JSON document kept next to, never
// inside, the volume.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Version is the document format written by this package.
const Version = 2

var (
	// ErrModuleMismatch means the document was written by another technique.
	ErrModuleMismatch = errors.New("metadata module mismatch")

	// ErrFileNotFound means no hidden file with the requested id exists.
	ErrFileNotFound = errors.New("hidden file not found")
)

// File is one hidden file recorded in the document.
type File struct {
	ID       string          `json:"-"`
	Filename string          `json:"filename"`
	Sequence int             `json:"sequence"`
	Metadata json.RawMessage `json:"metadata"`
}

// Metadata is the sidecar document of one technique.
type Metadata struct {
	Version int              `json:"version"`
	Module  string           `json:"module"`
	Files   map[string]*File `json:"files"`
}

// New returns an empty document for module.
func New(module string) *Metadata {
	return &Metadata{Version: Version, Module: module, Files: make(map[string]*File)}
}

// AddFile records a hidden file and returns its id. v is stored as JSON.
func (m *Metadata) AddFile(filename string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata of %s: %w", filename, err)
	}
	id := uuid.NewString()
	m.Files[id] = &File{ID: id, Filename: filename, Sequence: len(m.Files), Metadata: raw}
	return id, nil
}

// GetFile decodes the metadata of the hidden file id into v.
func (m *Metadata) GetFile(id string, v any) (*File, error) {
	f, ok := m.Files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	if v != nil {
		if err := json.Unmarshal(f.Metadata, v); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", id, err)
		}
	}
	return f, nil
}

// List returns the hidden files in the order they were added.
func (m *Metadata) List() []*File {
	files := make([]*File, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Sequence < files[j].Sequence })
	return files
}

// Encode writes the document as indented JSON.
func (m *Metadata) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return nil
}

// Decode reads a document. A non-empty module must match the recorded one.
func Decode(r io.Reader, module string) (*Metadata, error) {
	var m Metadata
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("unsupported metadata version %d", m.Version)
	}
	if module != "" && m.Module != module {
		return nil, fmt.Errorf("%w: document was written by %q, not %q", ErrModuleMismatch, m.Module, module)
	}
	if m.Files == nil {
		m.Files = make(map[string]*File)
	}
	for id, f := range m.Files {
		if f == nil {
			return nil, fmt.Errorf("failed to decode metadata: empty entry %s", id)
		}
		f.ID = id
	}
	return &m, nil
}

// Write stores the document at path on fs.
func (m *Metadata) Write(fs afero.Fs, path string) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metadata file %s: %w", path, err)
	}
	if err := m.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read loads the document at path on fs.
func Read(fs afero.Fs, path, module string) (*Metadata, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f, module)
}
