package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-restruct/restruct"
	"golang.org/x/text/encoding/charmap"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// DirectoryIndex resolves paths on a FAT volume.
type DirectoryIndex struct {
	vol   interfaces.VolumeReader
	bs    *BootSector
	geom  types.VolumeGeometry
	table *AllocationTable
}

// Entry is a decoded directory slot together with its raw short entry.
type Entry struct {
	types.DirectoryRecord
	Raw types.FATDirEntry
}

// dirSegment is a contiguous piece of a directory: the fixed root region or one cluster.
type dirSegment struct {
	offset int64
	data   []byte
}

// NewDirectoryIndex builds a directory index over the given table.
func NewDirectoryIndex(vol interfaces.VolumeReader, bs *BootSector, table *AllocationTable) *DirectoryIndex {
	return &DirectoryIndex{vol: vol, bs: bs, geom: bs.Geometry(), table: table}
}

// RootRecord returns a synthetic record for the root directory.
func (d *DirectoryIndex) RootRecord() *types.DirectoryRecord {
	rec := &types.DirectoryRecord{Name: "/", IsDirectory: true, Attributes: uint32(types.FATAttrDirectory)}
	if d.bs.Type() == types.FilesystemFAT32 {
		rec.StartUnit = d.geom.RootDirectoryLocation
	}
	return rec
}

func (d *DirectoryIndex) segments(dir *types.DirectoryRecord) ([]dirSegment, error) {
	// StartUnit 0 is the fixed FAT12/16 root region, also used by ".." entries pointing at it.
	if dir.StartUnit == 0 && d.bs.Type() != types.FilesystemFAT32 {
		offset := int64(d.geom.RootDirectoryLocation)
		data, err := d.vol.Read(offset, int(d.bs.RootEntryCount())*types.FATDirEntrySize)
		if err != nil {
			return nil, fmt.Errorf("failed to read root directory: %w", err)
		}
		return []dirSegment{{offset: offset, data: data}}, nil
	}
	start := dir.StartUnit
	if start == 0 {
		start = d.geom.RootDirectoryLocation
	}
	chain, err := d.table.Follow(start)
	if err != nil {
		return nil, fmt.Errorf("failed to follow directory chain: %w", err)
	}
	segs := make([]dirSegment, 0, len(chain))
	for _, cluster := range chain {
		offset := int64(d.geom.UnitOffset(cluster))
		data, err := d.vol.Read(offset, int(d.geom.ClusterSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read directory cluster %d: %w", cluster, err)
		}
		segs = append(segs, dirSegment{offset: offset, data: data})
	}
	return segs, nil
}

// ReadDirectory decodes every slot of dir, including deleted entries, "." and "..".
func (d *DirectoryIndex) ReadDirectory(dir *types.DirectoryRecord) ([]Entry, error) {
	segs, err := d.segments(dir)
	if err != nil {
		return nil, err
	}
	return parseEntries(segs)
}

func parseEntries(segs []dirSegment) ([]Entry, error) {
	var (
		entries   []Entry
		fragments []types.FATLongNameEntry
	)
	for _, seg := range segs {
		for pos := 0; pos+types.FATDirEntrySize <= len(seg.data); pos += types.FATDirEntrySize {
			slot := seg.data[pos : pos+types.FATDirEntrySize]
			offset := seg.offset + int64(pos)
			switch {
			case slot[0] == types.FATEntryEnd:
				return entries, nil
			case slot[11]&types.FATAttrLongNameMask == types.FATAttrLongName:
				var lfn types.FATLongNameEntry
				if err := restruct.Unpack(slot, binary.LittleEndian, &lfn); err != nil {
					return nil, types.NewStructureError("fat lfn entry", offset, fmt.Errorf("failed to unpack: %w", err))
				}
				if slot[0] == types.FATEntryDeleted {
					fragments = nil
					continue
				}
				fragments = appendFragment(fragments, lfn)
				continue
			}

			var raw types.FATDirEntry
			if err := restruct.Unpack(slot, binary.LittleEndian, &raw); err != nil {
				return nil, types.NewStructureError("fat dir entry", offset, fmt.Errorf("failed to unpack: %w", err))
			}
			entry := Entry{Raw: raw}
			entry.ShortName = decodeShortName(raw.Name)
			entry.Name = entry.ShortName
			entry.IsDeleted = raw.Name[0] == types.FATEntryDeleted
			entry.IsDirectory = raw.Attribute&types.FATAttrDirectory != 0
			entry.StartUnit = uint64(raw.FirstCluster())
			entry.Size = uint64(raw.FileSize)
			entry.Attributes = uint32(raw.Attribute)
			entry.EntryOffset = offset
			entry.ModTime = binstruct.CombineFATDateTime(raw.WriteDate, raw.WriteTime)
			if name, ok := assembleLongName(fragments, raw.Name); ok && !entry.IsDeleted {
				entry.Name = name
			}
			fragments = nil
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// appendFragment accepts an LFN fragment if it continues the current sequence.
// A fragment with the last-entry flag starts a new sequence; anything else
// out of order discards the collected fragments.
func appendFragment(fragments []types.FATLongNameEntry, lfn types.FATLongNameEntry) []types.FATLongNameEntry {
	if lfn.Sequence&types.FATLastLongEntry != 0 {
		return []types.FATLongNameEntry{lfn}
	}
	if len(fragments) == 0 {
		return nil
	}
	prev := fragments[len(fragments)-1]
	if lfn.Sequence&0x1F != prev.Sequence&0x1F-1 || lfn.Checksum != prev.Checksum {
		return nil
	}
	return append(fragments, lfn)
}

// assembleLongName builds the long name from fragments collected in physical
// order (last fragment first) and verifies them against the short name.
func assembleLongName(fragments []types.FATLongNameEntry, shortName [11]byte) (string, bool) {
	if len(fragments) == 0 {
		return "", false
	}
	if fragments[len(fragments)-1].Sequence&0x1F != 1 {
		return "", false
	}
	sum := ShortNameChecksum(shortName)
	name := ""
	for _, frag := range fragments {
		if frag.Checksum != sum {
			return "", false
		}
		name = fragmentText(frag) + name
	}
	return name, true
}

func fragmentText(frag types.FATLongNameEntry) string {
	units := frag.Units()
	raw := make([]byte, 0, len(units)*2)
	for _, u := range units {
		if u == 0x0000 || u == 0xFFFF {
			break
		}
		raw = binary.LittleEndian.AppendUint16(raw, u)
	}
	text, err := binstruct.DecodeUTF16(raw)
	if err != nil {
		return ""
	}
	return text
}

// ShortNameChecksum computes the LFN checksum of an 8.3 name.
func ShortNameChecksum(name [11]byte) uint8 {
	var sum uint8
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

var cp437 = charmap.CodePage437.NewDecoder()

// decodeShortName turns an 8.3 name into "NAME.EXT" using code page 437.
func decodeShortName(name [11]byte) string {
	raw := name
	if raw[0] == types.FATEntryKanji {
		raw[0] = types.FATEntryDeleted
	}
	base := decodeCP437(bytes.TrimRight(raw[:8], " "))
	ext := decodeCP437(bytes.TrimRight(raw[8:], " "))
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func decodeCP437(raw []byte) string {
	out, err := cp437.Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// visible reports whether an entry is a live file or directory a path can name.
func (e Entry) visible() bool {
	if e.IsDeleted {
		return false
	}
	if e.Raw.Attribute&types.FATAttrVolumeID != 0 {
		return false
	}
	return e.ShortName != "." && e.ShortName != ".."
}

// matches compares a path component case-insensitively against both names.
func (e Entry) matches(component string) bool {
	return strings.EqualFold(e.Name, component) || strings.EqualFold(e.ShortName, component)
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

// Resolve walks path from the root directory.
func (d *DirectoryIndex) Resolve(path string) (*types.DirectoryRecord, error) {
	current := d.RootRecord()
	parts := splitPath(path)
	for i, part := range parts {
		if !current.IsDirectory {
			return nil, fmt.Errorf("%w: %s", types.ErrNotADirectory, strings.Join(parts[:i], "/"))
		}
		entries, err := d.ReadDirectory(current)
		if err != nil {
			return nil, err
		}
		var next *types.DirectoryRecord
		for _, e := range entries {
			if e.visible() && e.matches(part) {
				rec := e.DirectoryRecord
				next = &rec
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s", types.ErrPathComponentNotFound, strings.Join(parts[:i+1], "/"))
		}
		current = next
	}
	return current, nil
}

// List returns the live entries of the directory at path.
func (d *DirectoryIndex) List(path string) ([]types.DirectoryRecord, error) {
	dir, err := d.Resolve(path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDirectory {
		return nil, fmt.Errorf("%w: %s", types.ErrNotADirectory, path)
	}
	entries, err := d.ReadDirectory(dir)
	if err != nil {
		return nil, err
	}
	records := make([]types.DirectoryRecord, 0, len(entries))
	for _, e := range entries {
		if e.visible() {
			records = append(records, e.DirectoryRecord)
		}
	}
	return records, nil
}
