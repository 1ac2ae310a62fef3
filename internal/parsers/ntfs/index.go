package ntfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// indexName is the name of the filename index of a directory.
const indexName = "$I30"

// maxIndexDepth bounds the recursion into INDX subnodes.
const maxIndexDepth = 32

// fileNameFlagDirectory is the "has index" bit of $FILE_NAME flags.
const fileNameFlagDirectory uint32 = 0x10000000

// filetimeEpochDelta is the number of 100ns ticks between 1601 and 1970.
const filetimeEpochDelta = 116444736000000000

func filetime(v uint64) time.Time {
	if v < filetimeEpochDelta {
		return time.Time{}
	}
	ticks := int64(v - filetimeEpochDelta)
	return time.Unix(ticks/10_000_000, (ticks%10_000_000)*100).UTC()
}

// ParseFileName decodes a $FILE_NAME value or index key.
func ParseFileName(value []byte) (*types.NTFSFileName, time.Time, error) {
	rec, err := binstruct.Decode(value, 0, fileNameTable)
	if err != nil {
		return nil, time.Time{}, err
	}
	fn := &types.NTFSFileName{
		ParentReference: rec.Uint("parent"),
		AllocatedSize:   rec.Uint("allocated_size"),
		RealSize:        rec.Uint("real_size"),
		Flags:           uint32(rec.Uint("flags")),
		Namespace:       uint8(rec.Uint("namespace")),
	}
	end := types.FileNameNameOffset + 2*int(rec.Uint("name_length"))
	if end > len(value) {
		return nil, time.Time{}, types.NewStructureError("file name", types.FileNameNameOffset, types.ErrTruncatedRegion)
	}
	name, err := binstruct.DecodeUTF16(value[types.FileNameNameOffset:end])
	if err != nil {
		return nil, time.Time{}, err
	}
	fn.Name = name
	return fn, filetime(rec.Uint("modified")), nil
}

// IndexEntry is a decoded filename index entry.
type IndexEntry struct {
	types.NTFSIndexEntry
	ModTime time.Time
}

// Record returns the MFT record number the entry references.
func (e IndexEntry) Record() uint64 {
	return e.FileReference & types.MFTReferenceMask
}

// DirectoryRecord converts a named entry into a directory record.
func (e IndexEntry) DirectoryRecord() types.DirectoryRecord {
	return types.DirectoryRecord{
		Name:        e.FileName.Name,
		IsDirectory: e.FileName.Flags&fileNameFlagDirectory != 0,
		StartUnit:   e.Record(),
		Size:        e.FileName.RealSize,
		Attributes:  e.FileName.Flags,
		EntryOffset: -1,
		ModTime:     e.ModTime,
	}
}

// indexWalker traverses one directory's B+ tree in key order.
type indexWalker struct {
	store     *RecordStore
	alloc     *Attribute
	blockSize uint32
	visited   map[uint64]bool
	out       []IndexEntry
}

// ReadIndex returns every named entry of the $I30 index of a directory record, in key order.
func (s *RecordStore) ReadIndex(rec *Record) ([]IndexEntry, error) {
	root := rec.FindAttribute(types.AttrIndexRoot, indexName)
	if root == nil || root.NonResident {
		return nil, types.NewUnitError("index root", rec.Number, fmt.Errorf("%w: record has no resident $INDEX_ROOT", types.ErrNotADirectory))
	}
	if len(root.Value) < types.IndexRootHeaderSize+types.IndexNodeHeaderSize {
		return nil, types.NewUnitError("index root", rec.Number, types.ErrTruncatedRegion)
	}
	w := &indexWalker{
		store:     s,
		alloc:     rec.FindAttribute(types.AttrIndexAllocation, indexName),
		blockSize: binary.LittleEndian.Uint32(root.Value[8:12]),
		visited:   make(map[uint64]bool),
	}
	if err := w.walkNode(root.Value, types.IndexRootHeaderSize, 0); err != nil {
		return nil, types.NewUnitError("index", rec.Number, err)
	}
	return w.out, nil
}

// walkNode visits the entries of the node whose header starts at buf[hdrOff].
func (w *indexWalker) walkNode(buf []byte, hdrOff, depth int) error {
	if depth > maxIndexDepth {
		return fmt.Errorf("%w: index deeper than %d levels", types.ErrCorruptStructure, maxIndexDepth)
	}
	hdr, err := binstruct.Decode(buf, hdrOff, indexNodeHeaderTable)
	if err != nil {
		return err
	}
	pos := hdrOff + int(hdr.Uint("entries_offset"))
	end := min(hdrOff+int(hdr.Uint("index_length")), len(buf))
	for pos+types.IndexEntryHeaderSize <= end {
		raw, err := binstruct.Decode(buf, pos, indexEntryTable)
		if err != nil {
			return err
		}
		entry := IndexEntry{}
		entry.FileReference = raw.Uint("file_reference")
		entry.Length = uint16(raw.Uint("length"))
		entry.KeyLength = uint16(raw.Uint("key_length"))
		entry.Flags = uint32(raw.Uint("flags"))
		if entry.Length < types.IndexEntryHeaderSize || pos+int(entry.Length) > end {
			return types.NewStructureError("index entry", int64(pos), fmt.Errorf("%w: entry length %d", types.ErrCorruptStructure, entry.Length))
		}

		if entry.HasSubNode() {
			entry.SubNodeVCN = binary.LittleEndian.Uint64(buf[pos+int(entry.Length)-8:])
			if err := w.walkBlock(entry.SubNodeVCN, depth+1); err != nil {
				return err
			}
		}
		if entry.IsLast() {
			return nil
		}
		if entry.KeyLength > 0 {
			keyEnd := pos + types.IndexEntryHeaderSize + int(entry.KeyLength)
			if keyEnd > pos+int(entry.Length) {
				return types.NewStructureError("index entry key", int64(pos), types.ErrTruncatedRegion)
			}
			fn, mod, err := ParseFileName(buf[pos+types.IndexEntryHeaderSize : keyEnd])
			if err != nil {
				return err
			}
			entry.FileName = fn
			entry.ModTime = mod
			w.out = append(w.out, entry)
		}
		pos += int(entry.Length)
	}
	return nil
}

// walkBlock reads the INDX block at vcn and walks its node.
func (w *indexWalker) walkBlock(vcn uint64, depth int) error {
	if w.alloc == nil || !w.alloc.NonResident {
		return fmt.Errorf("%w: subnode without $INDEX_ALLOCATION", types.ErrCorruptStructure)
	}
	if w.visited[vcn] {
		return fmt.Errorf("%w: index block %d visited twice", types.ErrCorruptStructure, vcn)
	}
	w.visited[vcn] = true

	cs := uint64(w.store.boot.ClusterSize)
	off := vcn * uint64(types.NTFSFixupStride)
	if uint64(w.blockSize) >= cs {
		off = vcn * cs
	}
	block, err := w.store.ReadStream(w.alloc.Runs, off, uint64(w.blockSize))
	if err != nil {
		return err
	}
	hdr, err := binstruct.Decode(block, 0, indexRecordHeaderTable)
	if err != nil {
		return err
	}
	if !bytes.Equal(hdr.Bytes("signature"), indxSignature) {
		return types.NewStructureError("index record", int64(off), fmt.Errorf("%w: bad signature %q", types.ErrCorruptStructure, hdr.Bytes("signature")))
	}
	if err := ApplyFixups(block, int(hdr.Uint("usa_offset")), int(hdr.Uint("usa_count"))); err != nil {
		return types.NewStructureError("index record", int64(off), err)
	}
	return w.walkNode(block, types.IndexRecordNodeHeaderOff, depth)
}

// visibleEntries drops DOS aliases, the self entry, system records and
// duplicate references.
func visibleEntries(dir uint64, entries []IndexEntry) []IndexEntry {
	seen := make(map[uint64]bool, len(entries))
	out := make([]IndexEntry, 0, len(entries))
	for _, e := range entries {
		ref := e.Record()
		if e.FileName.Namespace == types.FileNameNamespaceDOS || ref == dir || ref < types.MFTFirstUser || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, e)
	}
	return out
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
