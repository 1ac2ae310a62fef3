package btrees

import (
	"fmt"
	"strings"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// BTreeValidator checks the structural invariants of a B-tree node before
// its entries are decoded.
type BTreeValidator struct{}

// NewBTreeValidator creates a new B-tree validator.
func NewBTreeValidator() *BTreeValidator {
	return &BTreeValidator{}
}

// ValidationResult contains the result of validation.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// ValidateNode runs every check against node.
func (btv *BTreeValidator) ValidateNode(node interfaces.BTreeNodeReader) *ValidationResult {
	result := &ValidationResult{}
	btv.checkTableOfContents(node, result)
	btv.checkFreeSpace(node, result)
	btv.checkNodeConsistency(node, result)
	btv.checkFooterIfRoot(node, result)
	return result
}

func entrySize(node interfaces.BTreeNodeReader) int {
	if node.HasFixedKVSize() {
		return types.KvoffSize
	}
	return types.KvlocSize
}

// checkTableOfContents validates the table location and that it can hold every key.
func (btv *BTreeValidator) checkTableOfContents(node interfaces.BTreeNodeReader, result *ValidationResult) {
	toc := node.TableSpace()
	available := len(node.Data())
	if node.IsRoot() {
		available -= types.BtreeInfoSize
	}
	if int(toc.Off)+int(toc.Len) > available {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"table of contents out of bounds: offset=%d size=%d available=%d", toc.Off, toc.Len, available))
		return
	}
	need := int(node.KeyCount()) * entrySize(node)
	if need > int(toc.Len) {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"table of contents of %d bytes cannot hold %d entries", toc.Len, node.KeyCount()))
	} else if need < int(toc.Len) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"table of contents has room for %d more entries", (int(toc.Len)-need)/entrySize(node)))
	}
}

// checkFreeSpace validates that the shared free space lies between keys and values.
func (btv *BTreeValidator) checkFreeSpace(node interfaces.BTreeNodeReader, result *ValidationResult) {
	free := node.FreeSpace()
	toc := node.TableSpace()
	if free.Len == 0 {
		return
	}
	if int(free.Off) < int(toc.Off)+int(toc.Len) || int(free.Off)+int(free.Len) > len(node.Data()) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"free space out of bounds: offset=%d size=%d", free.Off, free.Len))
	}
}

// checkNodeConsistency checks the level against the leaf flag.
func (btv *BTreeValidator) checkNodeConsistency(node interfaces.BTreeNodeReader, result *ValidationResult) {
	if node.IsLeaf() && node.Level() != 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("leaf node has non-zero level: %d", node.Level()))
	}
	if !node.IsLeaf() && node.Level() == 0 {
		result.Errors = append(result.Errors, "internal node has level 0")
	}
	if node.IsRoot() && node.IsLeaf() && node.KeyCount() == 0 {
		result.Warnings = append(result.Warnings, "empty root-leaf node")
	}
}

// checkFooterIfRoot checks that a root node has room for its btree_info_t trailer.
func (btv *BTreeValidator) checkFooterIfRoot(node interfaces.BTreeNodeReader, result *ValidationResult) {
	if node.IsRoot() && len(node.Data()) < types.BtreeInfoSize {
		result.Errors = append(result.Errors, "root node too small to contain its info trailer")
	}
}

// IsValid reports whether no errors were found.
func (vr *ValidationResult) IsValid() bool {
	return len(vr.Errors) == 0
}

// Err returns the errors as one ErrCorruptStructure, or nil.
func (vr *ValidationResult) Err() error {
	if vr.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %s", types.ErrCorruptStructure, strings.Join(vr.Errors, "; "))
}
