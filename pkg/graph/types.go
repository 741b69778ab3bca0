package graph

import (
	"slices"
	"sort"
)

// NodeID identifies a node. IDs are assigned once and never reused.
type NodeID int64

// RelID identifies a relationship. IDs are assigned once and never reused.
type RelID int64

// Properties is the mutable property bag carried by nodes and relationships.
// Values are always normalized scalars (see Normalize).
type Properties map[string]any

// Clone returns a shallow copy; values are immutable scalars so this is enough.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the property names in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Node represents a vertex in the property graph.
type Node struct {
	ID         NodeID     `json:"id"`
	Labels     []string   `json:"labels"`
	Properties Properties `json:"properties"`
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	return slices.Contains(n.Labels, label)
}

// HasLabels reports whether the node carries every given label.
func (n *Node) HasLabels(labels []string) bool {
	for _, l := range labels {
		if !n.HasLabel(l) {
			return false
		}
	}
	return true
}

func (n *Node) clone() *Node {
	return &Node{
		ID:         n.ID,
		Labels:     slices.Clone(n.Labels),
		Properties: n.Properties.Clone(),
	}
}

// Relationship represents a directed, typed connection between two nodes.
type Relationship struct {
	ID         RelID      `json:"id"`
	Type       string     `json:"type"`
	Start      NodeID     `json:"start"`
	End        NodeID     `json:"end"`
	Properties Properties `json:"properties"`
}

// Other returns the endpoint opposite to id.
func (r *Relationship) Other(id NodeID) NodeID {
	if r.Start == id {
		return r.End
	}
	return r.Start
}

func (r *Relationship) clone() *Relationship {
	c := *r
	c.Properties = r.Properties.Clone()
	return &c
}

// Reader is the read surface shared by transactions. Pattern matching and
// expression evaluation only depend on this interface.
type Reader interface {
	Node(id NodeID) (*Node, error)
	Relationship(id RelID) (*Relationship, error)
	NodeIDs() []NodeID
	NodesByLabel(label string) []NodeID
	Outgoing(id NodeID) []RelID
	Incoming(id NodeID) []RelID
}

// Writer is the mutation surface of a read-write transaction.
type Writer interface {
	Reader
	CreateNode(labels []string, props map[string]any) (NodeID, error)
	CreateRelationship(relType string, start, end NodeID, props map[string]any) (RelID, error)
	SetProperty(id NodeID, key string, value any) error
	SetRelationshipProperty(id RelID, key string, value any) error
	AddLabels(id NodeID, labels ...string) (int, error)
}

// Stats summarizes a committed snapshot.
type Stats struct {
	Version       uint64         `json:"version"`
	Nodes         int            `json:"nodes"`
	Relationships int            `json:"relationships"`
	Labels        map[string]int `json:"labels"`
	Types         map[string]int `json:"types"`
}
