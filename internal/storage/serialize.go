package storage

import (
	"github.com/alexjbarnes/roomsync/internal/value"
)

// SerializedNode is the wire and snapshot form of one node. Value holds
// the entries of a map node and the payload of a record node.
type SerializedNode struct {
	ID     string      `json:"id"`
	Kind   NodeKind    `json:"kind"`
	Parent string      `json:"parent,omitempty"`
	Key    string      `json:"key,omitempty"`
	Seq    int64       `json:"seq,omitempty"`
	Value  value.Value `json:"value"`
}

// Serialize returns every node in preorder, root first.
func (t *Tree) Serialize() []SerializedNode {
	out := make([]SerializedNode, 0, len(t.nodes))

	t.walk(t.nodes[RootID], func(n *node) {
		out = append(out, SerializedNode{
			ID:     n.id,
			Kind:   n.kind,
			Parent: n.parent,
			Key:    n.key,
			Seq:    n.seq,
			Value:  n.payload(),
		})
	})

	return out
}

// FromSerialized rebuilds a tree and checks that it is rooted at a map
// named "root", acyclic, and that every other node has exactly one valid
// slot in its parent. An empty input yields an empty tree.
func FromSerialized(nodes []SerializedNode) (*Tree, error) {
	if len(nodes) == 0 {
		return NewTree(), nil
	}

	byID := make(map[string]SerializedNode, len(nodes))
	byParent := make(map[string][]SerializedNode)

	for _, sn := range nodes {
		if sn.ID == "" {
			return nil, invalidf("snapshot: node without id")
		}

		if _, dup := byID[sn.ID]; dup {
			return nil, invalidf("snapshot: duplicate node %s", sn.ID)
		}

		if !sn.Kind.valid() {
			return nil, invalidf("snapshot: node %s has unknown kind %q", sn.ID, sn.Kind)
		}

		byID[sn.ID] = sn

		if sn.ID != RootID {
			byParent[sn.Parent] = append(byParent[sn.Parent], sn)
		}
	}

	root, ok := byID[RootID]
	if !ok || root.Kind != KindMap || root.Parent != "" {
		return nil, invalidf("snapshot: missing root map")
	}

	t := &Tree{nodes: make(map[string]*node, len(nodes))}

	var build func(sn SerializedNode) (*node, error)

	build = func(sn SerializedNode) (*node, error) {
		n := newNode(sn.ID, sn.Kind, sn.Parent, sn.Key, sn.Seq)

		switch sn.Kind {
		case KindMap:
			if !sn.Value.IsNull() && !sn.Value.IsObject() {
				return nil, invalidf("snapshot: map %s has non-object entries", sn.ID)
			}

			if sn.Value.IsObject() {
				n.entries = sn.Value.Fields()
			}
		case KindRecord:
			n.data = sn.Value
		}

		t.nodes[n.id] = n

		for _, csn := range byParent[sn.ID] {
			c, err := build(csn)
			if err != nil {
				return nil, err
			}

			switch n.kind {
			case KindList:
				if !validPosition(c.key) {
					return nil, invalidf("snapshot: item %s has invalid position %q", c.id, c.key)
				}

				n.insertItem(c)
			case KindMap:
				if c.key == "" {
					return nil, invalidf("snapshot: child %s has no key", c.id)
				}

				if _, taken := n.children[c.key]; taken {
					return nil, invalidf("snapshot: map %s has two children at %q", n.id, c.key)
				}

				if _, taken := n.entries[c.key]; taken {
					return nil, invalidf("snapshot: map %s key %q is both entry and child", n.id, c.key)
				}

				n.children[c.key] = c
			default:
				return nil, invalidf("snapshot: record %s has children", n.id)
			}
		}

		return n, nil
	}

	if _, err := build(root); err != nil {
		return nil, err
	}

	// Nodes never reached from the root are orphans or sit on a cycle.
	if len(t.nodes) != len(byID) {
		for id := range byID {
			if !t.Has(id) {
				return nil, invalidf("snapshot: node %s is not reachable from the root", id)
			}
		}
	}

	return t, nil
}
