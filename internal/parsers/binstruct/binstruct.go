// Package binstruct decodes fixed-layout on-disk structures described by field tables.
//
// A FieldTable lists named fields by offset, size and format. Decode reads every
// field from a buffer at a base offset and returns a Record keyed by field name.
// Numeric fields are always little-endian, matching every format this module reads.
package binstruct

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/dasec/fishy-sub000/internal/types"
)

// Format selects how a field's bytes are interpreted.
type Format int

const (
	// FormatUint is a little-endian unsigned integer of 1 to 8 bytes.
	FormatUint Format = iota
	// FormatInt is a little-endian two's complement integer of 1 to 8 bytes.
	FormatInt
	// FormatASCII is a byte string with trailing NULs removed.
	FormatASCII
	// FormatUTF16 is UTF-16LE text with trailing NUL code units removed.
	FormatUTF16
	// FormatRaw keeps a copy of the bytes.
	FormatRaw
	// FormatFATDate is a 16-bit FAT date stamp.
	FormatFATDate
	// FormatFATTime is a 16-bit FAT time stamp.
	FormatFATTime
	// FormatUnixTime is a 32-bit count of seconds since the Unix epoch.
	FormatUnixTime
)

// Field describes one field of a structure.
type Field struct {
	Name   string
	Offset int
	Size   int
	Format Format
}

// End returns the first byte after the field.
func (f Field) End() int {
	return f.Offset + f.Size
}

// FieldTable is a named, ordered list of fields.
type FieldTable struct {
	Name   string
	Fields []Field
}

// Lookup returns the field with the given name.
func (t FieldTable) Lookup(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Size returns the span of the table, i.e. the largest field end.
func (t FieldTable) Size() int {
	size := 0
	for _, f := range t.Fields {
		if f.End() > size {
			size = f.End()
		}
	}
	return size
}

// Value is a decoded field.
type Value struct {
	Format Format
	Uint   uint64
	Int    int64
	Text   string
	Raw    []byte
	Time   time.Time
}

// Record maps field names to decoded values.
type Record map[string]Value

// Has reports whether the record contains name.
func (r Record) Has(name string) bool {
	_, ok := r[name]
	return ok
}

// Uint returns a numeric field; zero if absent.
func (r Record) Uint(name string) uint64 {
	return r[name].Uint
}

// Int returns a signed field; zero if absent.
func (r Record) Int(name string) int64 {
	return r[name].Int
}

// String returns a text field.
func (r Record) String(name string) string {
	return r[name].Text
}

// Bytes returns the raw bytes of a field.
func (r Record) Bytes(name string) []byte {
	return r[name].Raw
}

// Time returns a timestamp field.
func (r Record) Time(name string) time.Time {
	return r[name].Time
}

var utf16Decoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Decode reads every field of table from buf starting at base.
// It either decodes all fields or returns an error and no record.
func Decode(buf []byte, base int, table FieldTable) (Record, error) {
	if base < 0 {
		return nil, types.NewStructureError(table.Name, int64(base), fmt.Errorf("%w: negative base offset", types.ErrTruncatedRegion))
	}
	record := make(Record, len(table.Fields))
	for _, f := range table.Fields {
		start := base + f.Offset
		end := start + f.Size
		if f.Size < 0 || end > len(buf) {
			return nil, types.NewStructureError(table.Name+"."+f.Name, int64(start),
				fmt.Errorf("%w: need %d bytes, buffer holds %d", types.ErrTruncatedRegion, end, len(buf)))
		}
		value, err := decodeField(buf[start:end], f)
		if err != nil {
			return nil, types.NewStructureError(table.Name+"."+f.Name, int64(start), err)
		}
		record[f.Name] = value
	}
	return record, nil
}

func decodeField(raw []byte, f Field) (Value, error) {
	v := Value{Format: f.Format}
	switch f.Format {
	case FormatUint:
		if len(raw) > 8 {
			return v, fmt.Errorf("numeric field of %d bytes", len(raw))
		}
		v.Uint = Uint(raw)
	case FormatInt:
		if len(raw) > 8 || len(raw) == 0 {
			return v, fmt.Errorf("numeric field of %d bytes", len(raw))
		}
		v.Int = Int(raw)
		v.Uint = uint64(v.Int)
	case FormatASCII:
		v.Text = strings.TrimRight(string(raw), "\x00")
	case FormatUTF16:
		text, err := DecodeUTF16(raw)
		if err != nil {
			return v, err
		}
		v.Text = text
	case FormatRaw:
		v.Raw = append([]byte(nil), raw...)
	case FormatFATDate:
		if len(raw) != 2 {
			return v, fmt.Errorf("FAT date field of %d bytes", len(raw))
		}
		v.Uint = Uint(raw)
		v.Time = ParseFATDate(uint16(v.Uint))
	case FormatFATTime:
		if len(raw) != 2 {
			return v, fmt.Errorf("FAT time field of %d bytes", len(raw))
		}
		v.Uint = Uint(raw)
		v.Time = ParseFATTime(uint16(v.Uint))
	case FormatUnixTime:
		if len(raw) != 4 {
			return v, fmt.Errorf("unix time field of %d bytes", len(raw))
		}
		v.Uint = Uint(raw)
		v.Time = time.Unix(int64(v.Uint), 0).UTC()
	default:
		return v, fmt.Errorf("unknown format %d", f.Format)
	}
	return v, nil
}

// Uint decodes a little-endian unsigned integer of up to 8 bytes.
func Uint(raw []byte) uint64 {
	var v uint64
	for i := len(raw) - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v
}

// Int decodes a little-endian signed integer of 1 to 8 bytes, sign-extending from the top byte.
func Int(raw []byte) int64 {
	if len(raw) == 0 {
		return 0
	}
	v := Uint(raw)
	shift := uint(64 - 8*len(raw))
	return int64(v<<shift) >> shift
}

// PutUint encodes v little-endian into raw, truncating to len(raw) bytes.
func PutUint(raw []byte, v uint64) {
	for i := range raw {
		raw[i] = byte(v)
		v >>= 8
	}
}

// DecodeUTF16 decodes UTF-16LE bytes, stopping at the first NUL code unit.
func DecodeUTF16(raw []byte) (string, error) {
	if len(raw)%2 != 0 {
		raw = raw[:len(raw)-1]
	}
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] == 0 && raw[i+1] == 0 {
			raw = raw[:i]
			break
		}
	}
	out, err := utf16Decoding.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode UTF-16 text: %w", err)
	}
	return string(out), nil
}

// EncodeUTF16 encodes text as UTF-16LE without a byte order mark.
func EncodeUTF16(text string) ([]byte, error) {
	out, err := utf16Decoding.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to encode UTF-16 text: %w", err)
	}
	return out, nil
}

// Encode writes an unsigned value into the named field of table inside buf.
func Encode(buf []byte, base int, table FieldTable, name string, v uint64) error {
	f, ok := table.Lookup(name)
	if !ok {
		return fmt.Errorf("%s has no field %q", table.Name, name)
	}
	if f.Format != FormatUint && f.Format != FormatInt && f.Format != FormatRaw {
		return fmt.Errorf("%s.%s is not numeric", table.Name, name)
	}
	start := base + f.Offset
	if start < 0 || start+f.Size > len(buf) {
		return types.NewStructureError(table.Name+"."+name, int64(start), types.ErrTruncatedRegion)
	}
	PutUint(buf[start:start+f.Size], v)
	return nil
}
