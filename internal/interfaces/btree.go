package interfaces

import (
	"github.com/dasec/fishy-sub000/internal/types"
)

// BTreeNodeReader provides methods for reading information from a B-tree node.
type BTreeNodeReader interface {
	// Header returns the node's object header.
	Header() types.ObjPhysT

	// Flags returns the B-tree node's flags.
	Flags() uint16

	// Level returns the number of child levels below this node.
	Level() uint16

	// KeyCount returns the number of keys stored in this node.
	KeyCount() uint32

	// TableSpace returns the location of the table of contents.
	TableSpace() types.NlocT

	// FreeSpace returns the location of the shared free space for keys and values.
	FreeSpace() types.NlocT

	// Data returns the node's storage area.
	Data() []byte

	// Raw returns the whole node including its header.
	Raw() []byte

	// IsRoot checks if the node is a root node.
	IsRoot() bool

	// IsLeaf checks if the node is a leaf node.
	IsLeaf() bool

	// HasFixedKVSize checks if the node has keys and values of fixed size.
	HasFixedKVSize() bool
}
