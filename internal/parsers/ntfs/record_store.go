package ntfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

var (
	fileSignature = []byte("FILE")
	indxSignature = []byte("INDX")
)

// Attribute is a decoded attribute of an MFT record.
type Attribute struct {
	types.NTFSAttributeHeader
	// Value is a copy of the resident value.
	Value []byte
	// Runs is the decoded run list of a non-resident attribute.
	Runs types.RunList
}

// Size returns the logical size of the attribute value.
func (a *Attribute) Size() uint64 {
	if a.NonResident {
		return a.RealSize
	}
	return uint64(a.ValueLength)
}

// Record is an MFT record with its fixups applied.
type Record struct {
	Number     uint64
	Header     types.MFTRecordHeader
	Data       []byte
	Attributes []Attribute
	// Location lists the physical pieces holding the record, in record order.
	Location []types.Region
}

// FindAttribute returns the first attribute of type t named name, or nil when absent.
func (r *Record) FindAttribute(t types.NTFSAttributeType, name string) *Attribute {
	for i := range r.Attributes {
		if r.Attributes[i].Type == t && r.Attributes[i].Name == name {
			return &r.Attributes[i]
		}
	}
	return nil
}

// PhysicalOffset maps a byte offset inside the record to its volume address.
func (r *Record) PhysicalOffset(off uint64) (uint64, error) {
	for _, piece := range r.Location {
		if off < piece.Length {
			return piece.Address + off, nil
		}
		off -= piece.Length
	}
	return 0, types.NewUnitError("mft record", r.Number, fmt.Errorf("%w: offset beyond record", types.ErrTruncatedRegion))
}

// RecordStore reads MFT records. The $MFT run list is decoded from record 0
// once and cached for the life of the store.
type RecordStore struct {
	vol        interfaces.VolumeReader
	boot       *types.NTFSBootSector
	recordSize uint32
	mftRuns    types.RunList
	log        zerolog.Logger
}

// NewRecordStore bootstraps the store from the $MFT record at the boot sector's MFT cluster.
func NewRecordStore(vol interfaces.VolumeReader, boot *types.NTFSBootSector, log zerolog.Logger) (*RecordStore, error) {
	s := &RecordStore{vol: vol, boot: boot, recordSize: boot.RecordSize, log: log}

	start := boot.MFTCluster * uint64(boot.ClusterSize)
	location := []types.Region{{Address: start, Length: uint64(s.recordSize)}}
	mft, err := s.decodeRecord(types.MFTRecordMFT, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read $MFT record: %w", err)
	}
	data := mft.FindAttribute(types.AttrData, "")
	if data == nil || !data.NonResident {
		return nil, types.NewUnitError("mft record", types.MFTRecordMFT, fmt.Errorf("%w: $MFT has no non-resident $DATA", types.ErrCorruptStructure))
	}
	s.mftRuns = data.Runs
	log.Debug().Int("runs", len(s.mftRuns)).Uint32("record_size", s.recordSize).Msg("cached $MFT run list")
	return s, nil
}

// RecordSize returns the MFT record size in bytes.
func (s *RecordStore) RecordSize() uint32 {
	return s.recordSize
}

// MFTRuns returns the cached $MFT run list.
func (s *RecordStore) MFTRuns() types.RunList {
	return s.mftRuns
}

// RecordCount returns the number of records the $MFT data can hold.
func (s *RecordStore) RecordCount() uint64 {
	return s.mftRuns.TotalLength() / uint64(s.recordSize)
}

// Locate returns the physical pieces of record n.
func (s *RecordStore) Locate(n uint64) ([]types.Region, error) {
	regions, err := MapStream(s.mftRuns, n*uint64(s.recordSize), uint64(s.recordSize))
	if err != nil {
		return nil, types.NewUnitError("mft record", n, err)
	}
	return regions, nil
}

// Record reads record n, validates its signature and applies fixups.
func (s *RecordStore) Record(n uint64) (*Record, error) {
	location, err := s.Locate(n)
	if err != nil {
		return nil, err
	}
	return s.decodeRecord(n, location)
}

func (s *RecordStore) readPieces(location []types.Region) ([]byte, error) {
	buf := make([]byte, 0, s.recordSize)
	for _, piece := range location {
		chunk, err := s.vol.Read(int64(piece.Address), int(piece.Length))
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

func (s *RecordStore) decodeRecord(n uint64, location []types.Region) (*Record, error) {
	buf, err := s.readPieces(location)
	if err != nil {
		return nil, types.NewUnitError("mft record", n, err)
	}
	hdr, err := binstruct.Decode(buf, 0, recordHeaderTable)
	if err != nil {
		return nil, types.NewUnitError("mft record", n, err)
	}
	if !bytes.Equal(hdr.Bytes("signature"), fileSignature) {
		return nil, types.NewUnitError("mft record", n, fmt.Errorf("%w: bad signature %q", types.ErrCorruptStructure, hdr.Bytes("signature")))
	}
	if err := ApplyFixups(buf, int(hdr.Uint("usa_offset")), int(hdr.Uint("usa_count"))); err != nil {
		return nil, types.NewUnitError("mft record", n, err)
	}

	rec := &Record{Number: n, Data: buf, Location: location}
	copy(rec.Header.Signature[:], hdr.Bytes("signature"))
	rec.Header.UpdateSequenceOffset = uint16(hdr.Uint("usa_offset"))
	rec.Header.UpdateSequenceCount = uint16(hdr.Uint("usa_count"))
	rec.Header.LogFileSequence = hdr.Uint("lsn")
	rec.Header.SequenceNumber = uint16(hdr.Uint("sequence"))
	rec.Header.HardLinkCount = uint16(hdr.Uint("link_count"))
	rec.Header.FirstAttributeOffset = uint16(hdr.Uint("attrs_offset"))
	rec.Header.Flags = uint16(hdr.Uint("flags"))
	rec.Header.BytesInUse = uint32(hdr.Uint("bytes_in_use"))
	rec.Header.BytesAllocated = uint32(hdr.Uint("bytes_allocated"))
	rec.Header.BaseRecord = hdr.Uint("base_record")
	rec.Header.NextAttributeID = uint16(hdr.Uint("next_attr_id"))
	if rec.Header.BytesAllocated > uint32(len(buf)) || rec.Header.BytesInUse > rec.Header.BytesAllocated {
		return nil, types.NewUnitError("mft record", n, fmt.Errorf("%w: %d bytes in use of %d allocated", types.ErrCorruptStructure, rec.Header.BytesInUse, rec.Header.BytesAllocated))
	}

	attrs, err := parseAttributes(buf, int(rec.Header.FirstAttributeOffset), int(rec.Header.BytesInUse), s.boot.ClusterSize)
	if err != nil {
		return nil, types.NewUnitError("mft record", n, err)
	}
	rec.Attributes = attrs
	return rec, nil
}

// ApplyFixups validates and restores the last two bytes of every 512-byte
// stride of a multi-sector structure from its update sequence array.
func ApplyFixups(buf []byte, usaOffset, usaCount int) error {
	if usaCount == 0 {
		return nil
	}
	if usaOffset+2*usaCount > len(buf) || (usaCount-1)*types.NTFSFixupStride > len(buf) {
		return fmt.Errorf("%w: update sequence array of %d entries", types.ErrTruncatedRegion, usaCount)
	}
	usn := buf[usaOffset : usaOffset+2]
	for i := 1; i < usaCount; i++ {
		pos := i*types.NTFSFixupStride - 2
		if !bytes.Equal(buf[pos:pos+2], usn) {
			return fmt.Errorf("%w: fixup mismatch in stride %d", types.ErrCorruptStructure, i-1)
		}
		copy(buf[pos:pos+2], buf[usaOffset+2*i:usaOffset+2*i+2])
	}
	return nil
}

// parseAttributes walks the attribute list until the end marker, a zero
// length or an offset that cannot hold another header.
func parseAttributes(buf []byte, first, limit int, clusterSize uint32) ([]Attribute, error) {
	var attrs []Attribute
	if limit > len(buf) {
		limit = len(buf)
	}
	pos := first
	for pos+8 <= limit {
		if types.NTFSAttributeType(binary.LittleEndian.Uint32(buf[pos:])) == types.AttrEnd {
			break
		}
		hdr, err := binstruct.Decode(buf, pos, attributeHeaderTable)
		if err != nil {
			break
		}
		length := int(hdr.Uint("length"))
		if length == 0 || pos+length > limit {
			break
		}

		attr := Attribute{}
		attr.Type = types.NTFSAttributeType(hdr.Uint("type"))
		attr.Length = uint32(length)
		attr.NonResident = hdr.Uint("non_resident") != 0
		attr.NameLength = uint8(hdr.Uint("name_length"))
		attr.NameOffset = uint16(hdr.Uint("name_offset"))
		attr.Flags = uint16(hdr.Uint("flags"))
		attr.ID = uint16(hdr.Uint("id"))
		attr.Offset = pos

		if attr.NameLength > 0 {
			start := pos + int(attr.NameOffset)
			end := start + 2*int(attr.NameLength)
			if end > pos+length {
				return nil, types.NewStructureError("attribute name", int64(start), types.ErrTruncatedRegion)
			}
			name, err := binstruct.DecodeUTF16(buf[start:end])
			if err != nil {
				return nil, types.NewStructureError("attribute name", int64(start), err)
			}
			attr.Name = name
		}

		if attr.NonResident {
			tail, err := binstruct.Decode(buf, pos, nonResidentTailTable)
			if err != nil {
				return nil, err
			}
			attr.StartVCN = tail.Uint("start_vcn")
			attr.LastVCN = tail.Uint("last_vcn")
			attr.RunListOffset = uint16(tail.Uint("runlist_offset"))
			attr.AllocatedSize = tail.Uint("allocated_size")
			attr.RealSize = tail.Uint("real_size")
			attr.InitializedSize = tail.Uint("initialized_size")
			runs, err := DecodeDataRuns(buf[:pos+length], pos+int(attr.RunListOffset), clusterSize)
			if err != nil {
				return nil, err
			}
			attr.Runs = runs
		} else {
			tail, err := binstruct.Decode(buf, pos, residentTailTable)
			if err != nil {
				return nil, err
			}
			attr.ValueLength = uint32(tail.Uint("value_length"))
			attr.ValueOffset = uint16(tail.Uint("value_offset"))
			start := pos + int(attr.ValueOffset)
			end := start + int(attr.ValueLength)
			if end > pos+length {
				return nil, types.NewStructureError("resident value", int64(start), types.ErrTruncatedRegion)
			}
			attr.Value = append([]byte(nil), buf[start:end]...)
		}
		attrs = append(attrs, attr)
		pos += length
	}
	return attrs, nil
}

// ReadStream reads a logical range of a non-resident stream. Sparse runs read as zeros.
func (s *RecordStore) ReadStream(runs types.RunList, off, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)
	end := off + length
	var logical uint64
	for _, r := range runs {
		runEnd := logical + r.ByteLength
		if runEnd > off && logical < end {
			from := max(off, logical)
			to := min(end, runEnd)
			if r.Sparse {
				out = append(out, make([]byte, to-from)...)
			} else {
				chunk, err := s.vol.Read(int64(r.ByteOffset+(from-logical)), int(to-from))
				if err != nil {
					return nil, err
				}
				out = append(out, chunk...)
			}
		}
		logical = runEnd
		if logical >= end {
			break
		}
	}
	if uint64(len(out)) != length {
		return nil, types.NewStructureError("stream", int64(off), fmt.Errorf("%w: stream of %d bytes cannot hold %d bytes at 0x%x", types.ErrTruncatedRegion, logical, length, off))
	}
	return out, nil
}

// FindAttribute reads record n and returns its attribute of type t named name, or nil.
func (s *RecordStore) FindAttribute(n uint64, t types.NTFSAttributeType, name string) (*Attribute, error) {
	rec, err := s.Record(n)
	if err != nil {
		return nil, err
	}
	return rec.FindAttribute(t, name), nil
}

// RecordSlack returns the unused tail of record n between bytes-in-use and
// the allocated size. The last two bytes of every 512-byte stride hold
// fixup values and are never part of a region.
func (s *RecordStore) RecordSlack(n uint64) ([]types.SlackRegion, error) {
	rec, err := s.Record(n)
	if err != nil {
		return nil, err
	}
	return recordSlack(rec)
}

func recordSlack(rec *Record) ([]types.SlackRegion, error) {
	const stride = types.NTFSFixupStride
	used := uint64(rec.Header.BytesInUse)
	alloc := uint64(rec.Header.BytesAllocated)
	if used >= alloc {
		return nil, fmt.Errorf("%w: record %d is full", types.ErrInsufficientSpace, rec.Number)
	}

	var regions []types.SlackRegion
	pos := used
	for pos < alloc {
		zone := (pos/stride+1)*stride - 2
		if pos >= zone {
			pos = zone + 2
			continue
		}
		end := min(zone, alloc)
		segments, err := mapRecordRange(rec.Location, pos, end-pos)
		if err != nil {
			return nil, types.NewUnitError("mft record", rec.Number, err)
		}
		for _, seg := range segments {
			regions = append(regions, types.SlackRegion{
				Address: seg.Address,
				Length:  seg.Length,
				Owner:   types.UnitRef{Kind: types.UnitMFTRecord, ID: rec.Number},
			})
		}
		pos = zone + 2
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: record %d has no writable slack", types.ErrInsufficientSpace, rec.Number)
	}
	return regions, nil
}

// mapRecordRange maps a byte range of a record onto its physical pieces.
func mapRecordRange(location []types.Region, off, length uint64) ([]types.Region, error) {
	var runs types.RunList
	for _, piece := range location {
		runs = append(runs, types.Run{ByteOffset: piece.Address, ByteLength: piece.Length})
	}
	return MapStream(runs, off, length)
}
