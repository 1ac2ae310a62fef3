package apfs

import (
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/btrees"
	"github.com/dasec/fishy-sub000/internal/types"
)

// LeafRecord is a decoded fs-tree leaf entry together with the physical
// block of the node holding it.
type LeafRecord struct {
	btrees.Entry
	Block uint64
}

// FSTree reads the file-system tree of a volume. Its nodes are virtual
// objects resolved through the volume object map.
type FSTree struct {
	omap *ObjectMap
	root types.OidT
	kind btrees.TreeKind
}

// NewFSTree returns a reader for the tree rooted at the virtual object root.
func NewFSTree(omap *ObjectMap, root types.OidT, kind btrees.TreeKind) *FSTree {
	return &FSTree{omap: omap, root: root, kind: kind}
}

type treeNode struct {
	paddr   uint64
	node    interfaces.BTreeNodeReader
	entries []btrees.Entry
}

func (t *FSTree) load(oid types.OidT) (*treeNode, error) {
	paddr, data, err := t.omap.Resolve(oid)
	if err != nil {
		return nil, fmt.Errorf("failed to locate fs-tree node %d: %w", oid, err)
	}
	node, err := parseNode(paddr, data)
	if err != nil {
		return nil, err
	}
	entries, err := btrees.DecodeEntries(node, t.kind)
	if err != nil {
		return nil, types.NewUnitError("apfs fs-tree node", paddr, err)
	}
	return &treeNode{paddr: paddr, node: node, entries: entries}, nil
}

// descend visits every node of the subtree below oid that may hold records
// selected by children, calling leaf for each leaf node.
func (t *FSTree) descend(oid types.OidT, level int, children func(*btrees.BinarySearcher) []btrees.Entry, leaf func(*treeNode) error) error {
	n, err := t.load(oid)
	if err != nil {
		return err
	}
	if level >= 0 && int(n.node.Level()) != level {
		return types.NewUnitError("apfs fs-tree node", n.paddr,
			fmt.Errorf("%w: level %d below a level %d node", types.ErrCorruptStructure, n.node.Level(), level+1))
	}
	if n.node.IsLeaf() {
		return leaf(n)
	}
	if n.node.Level() >= maxTreeDepth {
		return types.NewUnitError("apfs fs-tree node", n.paddr,
			fmt.Errorf("%w: tree deeper than %d levels", types.ErrCorruptStructure, maxTreeDepth))
	}
	for _, e := range children(btrees.NewBinarySearcher(n.entries)) {
		child, _ := e.Child()
		if err := t.descend(child, int(n.node.Level())-1, children, leaf); err != nil {
			return err
		}
	}
	return nil
}

// Records returns the records of object oid, optionally restricted to one
// kind, in key order.
func (t *FSTree) Records(oid uint64, kind types.JObjType) ([]LeafRecord, error) {
	var out []LeafRecord
	err := t.descend(t.root, -1,
		func(s *btrees.BinarySearcher) []btrees.Entry { return s.ChildrenFor(oid) },
		func(n *treeNode) error {
			for _, e := range btrees.NewBinarySearcher(n.entries).RecordsFor(oid, kind) {
				out = append(out, LeafRecord{Entry: e, Block: n.paddr})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Walk calls fn for every leaf record of the tree in key order.
func (t *FSTree) Walk(fn func(LeafRecord) error) error {
	return t.descend(t.root, -1,
		func(s *btrees.BinarySearcher) []btrees.Entry { return s.All() },
		func(n *treeNode) error {
			for _, e := range n.entries {
				if err := fn(LeafRecord{Entry: e, Block: n.paddr}); err != nil {
					return err
				}
			}
			return nil
		})
}
