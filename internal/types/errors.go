package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by every filesystem reader. Callers distinguish them with errors.Is.
var (
	// ErrUnrecognizedFilesystem means no supported signature matched.
	ErrUnrecognizedFilesystem = errors.New("unrecognized filesystem")

	// ErrUnsupportedFilesystem means a known signature of a variant this tool does not handle (e.g. exFAT).
	ErrUnsupportedFilesystem = errors.New("unsupported filesystem variant")

	// ErrTruncatedRegion means a buffer or stream is shorter than a required field.
	ErrTruncatedRegion = errors.New("truncated region")

	// ErrCorruptStructure means a structure failed a magic, signature or fixup check.
	ErrCorruptStructure = errors.New("corrupt structure")

	ErrPathComponentNotFound = errors.New("path component not found")
	ErrNotADirectory         = errors.New("not a directory")

	// ErrChainIntegrity means an allocation chain contains a free, bad or reserved unit.
	ErrChainIntegrity = errors.New("allocation chain integrity error")

	ErrNoFreeUnit        = errors.New("no free allocation unit")
	ErrInsufficientSpace = errors.New("insufficient space")

	// ErrInvalidAllocationValue means a caller tried to write an out-of-range table value.
	ErrInvalidAllocationValue = errors.New("invalid allocation value")

	// ErrUnsupportedFeature marks structure variants the readers deliberately do not decode.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// StructureError decorates a failure with the structure being decoded and its location.
type StructureError struct {
	Structure string
	Offset    int64
	Unit      uint64
	HasUnit   bool
	Err       error
}

// NewStructureError builds a StructureError located at a byte offset.
func NewStructureError(structure string, offset int64, err error) *StructureError {
	return &StructureError{Structure: structure, Offset: offset, Err: err}
}

// NewUnitError builds a StructureError located at an allocation unit.
func NewUnitError(structure string, unit uint64, err error) *StructureError {
	return &StructureError{Structure: structure, Unit: unit, HasUnit: true, Err: err}
}

func (e *StructureError) Error() string {
	var b strings.Builder
	b.WriteString(e.Structure)
	if e.HasUnit {
		fmt.Fprintf(&b, " (unit %d)", e.Unit)
	} else {
		fmt.Fprintf(&b, " (offset 0x%x)", e.Offset)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StructureError) Unwrap() error {
	return e.Err
}
