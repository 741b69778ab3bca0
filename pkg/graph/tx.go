package graph

import (
	"fmt"
	"slices"
	"time"
)

// Tx is a transaction over a Store. Reads observe the snapshot taken at
// Begin plus the transaction's own writes. A Tx is not safe for concurrent
// use; every method fails with ErrNoActiveTransaction once the transaction
// has been committed or rolled back.
//
// Nodes and relationships returned by a Tx are shared with the store and
// must be treated as read-only.
type Tx struct {
	id       uint64
	store    *Store
	base     *snapshot
	writable bool
	closed   bool
	started  time.Time

	// copy-on-write overlay
	nodes        map[NodeID]*Node
	rels         map[RelID]*Relationship
	createdNodes []NodeID
	createdRels  []RelID
	outAdded     map[NodeID][]RelID
	inAdded      map[NodeID][]RelID
	labelAdded   map[string][]NodeID
}

// ID returns the transaction id, unique per store.
func (tx *Tx) ID() uint64 {
	return tx.id
}

// Writable reports whether the transaction may mutate the graph.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Active reports whether the transaction can still be used.
func (tx *Tx) Active() bool {
	return !tx.closed
}

// Dirty reports whether the transaction has pending writes.
func (tx *Tx) Dirty() bool {
	return len(tx.nodes) > 0 || len(tx.rels) > 0
}

// Commit publishes the transaction's writes atomically. A transaction
// without writes always commits. A conflicting transaction is rolled back
// and ErrWriteConflict is returned.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrNoActiveTransaction
	}
	tx.closed = true

	ev := TxEvent{
		TxID:         tx.id,
		Writable:     tx.writable,
		CreatedNodes: len(tx.createdNodes),
		CreatedRels:  len(tx.createdRels),
	}

	if !tx.Dirty() {
		// nothing to install; report what is committed now
		ev.Version = tx.store.Version()
	} else {
		version, err := tx.store.install(tx)
		if err != nil {
			tx.release()
			ev.Outcome = TxConflict
			ev.Duration = time.Since(tx.started)
			tx.store.logger.Warn("transaction_conflict", "tx_id", tx.id, "error", err)
			tx.store.notify(ev)
			return err
		}
		ev.Version = version
	}

	tx.release()
	ev.Outcome = TxCommitted
	ev.Duration = time.Since(tx.started)
	tx.store.logger.Debug("transaction_committed", "tx_id", tx.id, "version", ev.Version,
		"created_nodes", ev.CreatedNodes, "created_rels", ev.CreatedRels)
	tx.store.notify(ev)
	return nil
}

// Rollback discards the transaction's writes. Rolling back a closed
// transaction is a no-op so it can always be deferred.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	tx.closed = true
	dirty := tx.Dirty()
	tx.release()

	tx.store.notify(TxEvent{
		TxID:     tx.id,
		Outcome:  TxRolledBack,
		Writable: tx.writable,
		Version:  tx.base.version,
		Duration: time.Since(tx.started),
	})
	if dirty {
		tx.store.logger.Debug("transaction_rolled_back", "tx_id", tx.id)
	}
}

func (tx *Tx) release() {
	tx.nodes = nil
	tx.rels = nil
	tx.outAdded = nil
	tx.inAdded = nil
	tx.labelAdded = nil
	tx.createdNodes = nil
	tx.createdRels = nil
}

func (tx *Tx) checkRead() error {
	if tx.closed {
		return ErrNoActiveTransaction
	}
	return nil
}

func (tx *Tx) checkWrite() error {
	if tx.closed {
		return ErrNoActiveTransaction
	}
	if !tx.writable {
		return ErrReadOnly
	}
	if tx.nodes == nil {
		tx.nodes = make(map[NodeID]*Node)
		tx.rels = make(map[RelID]*Relationship)
		tx.outAdded = make(map[NodeID][]RelID)
		tx.inAdded = make(map[NodeID][]RelID)
		tx.labelAdded = make(map[string][]NodeID)
	}
	return nil
}

// Node returns the node with the given id.
func (tx *Tx) Node(id NodeID) (*Node, error) {
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	if n, ok := tx.nodes[id]; ok {
		return n, nil
	}
	if n, ok := tx.base.nodes[id]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
}

// Relationship returns the relationship with the given id.
func (tx *Tx) Relationship(id RelID) (*Relationship, error) {
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	if r, ok := tx.rels[id]; ok {
		return r, nil
	}
	if r, ok := tx.base.rels[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrRelationshipNotFound, id)
}

// Properties returns a copy of the property bag of a node.
func (tx *Tx) Properties(id NodeID) (Properties, error) {
	n, err := tx.Node(id)
	if err != nil {
		return nil, err
	}
	return n.Properties.Clone(), nil
}

// NodeIDs lists all node ids in ascending order.
func (tx *Tx) NodeIDs() []NodeID {
	if tx.closed {
		return nil
	}
	if len(tx.createdNodes) == 0 {
		return tx.base.nodeOrder
	}
	return mergeOrdered(tx.base.nodeOrder, tx.createdNodes)
}

// RelationshipIDs lists all relationship ids in ascending order.
func (tx *Tx) RelationshipIDs() []RelID {
	if tx.closed {
		return nil
	}
	if len(tx.createdRels) == 0 {
		return tx.base.relOrder
	}
	return mergeOrdered(tx.base.relOrder, tx.createdRels)
}

// NodesByLabel lists the ids of nodes carrying label in ascending order.
func (tx *Tx) NodesByLabel(label string) []NodeID {
	if tx.closed {
		return nil
	}
	added := tx.labelAdded[label]
	if len(added) == 0 {
		return tx.base.byLabel[label]
	}
	return mergeOrdered(tx.base.byLabel[label], added)
}

// Outgoing lists relationships starting at id.
func (tx *Tx) Outgoing(id NodeID) []RelID {
	if tx.closed {
		return nil
	}
	return joinRels(tx.base.out[id], tx.outAdded[id])
}

// Incoming lists relationships ending at id.
func (tx *Tx) Incoming(id NodeID) []RelID {
	if tx.closed {
		return nil
	}
	return joinRels(tx.base.in[id], tx.inAdded[id])
}

func joinRels(base, added []RelID) []RelID {
	if len(added) == 0 {
		return base
	}
	out := make([]RelID, 0, len(base)+len(added))
	return append(append(out, base...), added...)
}

// CreateNode creates a node with the given labels and properties.
func (tx *Tx) CreateNode(labels []string, props map[string]any) (NodeID, error) {
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}
	normalized, err := NormalizeMap(props)
	if err != nil {
		return 0, err
	}

	id := NodeID(tx.store.nextNode.Add(1))
	n := &Node{ID: id, Properties: normalized}
	for _, l := range labels {
		if l != "" && !slices.Contains(n.Labels, l) {
			n.Labels = append(n.Labels, l)
			tx.labelAdded[l] = append(tx.labelAdded[l], id)
		}
	}
	tx.nodes[id] = n
	tx.createdNodes = append(tx.createdNodes, id)
	return id, nil
}

// CreateRelationship creates a relationship of relType from start to end.
func (tx *Tx) CreateRelationship(relType string, start, end NodeID, props map[string]any) (RelID, error) {
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}
	if relType == "" {
		return 0, fmt.Errorf("%w: empty relationship type", ErrInvalidValue)
	}
	if _, err := tx.Node(start); err != nil {
		return 0, err
	}
	if _, err := tx.Node(end); err != nil {
		return 0, err
	}
	normalized, err := NormalizeMap(props)
	if err != nil {
		return 0, err
	}

	id := RelID(tx.store.nextRel.Add(1))
	tx.rels[id] = &Relationship{ID: id, Type: relType, Start: start, End: end, Properties: normalized}
	tx.createdRels = append(tx.createdRels, id)
	tx.outAdded[start] = append(tx.outAdded[start], id)
	tx.inAdded[end] = append(tx.inAdded[end], id)
	return id, nil
}

// mutableNode returns the overlay copy of a node, copying it on first write.
func (tx *Tx) mutableNode(id NodeID) (*Node, error) {
	if n, ok := tx.nodes[id]; ok {
		return n, nil
	}
	n, ok := tx.base.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	c := n.clone()
	tx.nodes[id] = c
	return c, nil
}

func (tx *Tx) mutableRelationship(id RelID) (*Relationship, error) {
	if r, ok := tx.rels[id]; ok {
		return r, nil
	}
	r, ok := tx.base.rels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRelationshipNotFound, id)
	}
	c := r.clone()
	tx.rels[id] = c
	return c, nil
}

// SetProperty sets a node property. A nil value removes the property.
func (tx *Tx) SetProperty(id NodeID, key string, value any) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	v, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("property %q: %w", key, err)
	}
	n, err := tx.mutableNode(id)
	if err != nil {
		return err
	}
	setProp(n.Properties, key, v)
	return nil
}

// SetRelationshipProperty sets a relationship property. A nil value removes it.
func (tx *Tx) SetRelationshipProperty(id RelID, key string, value any) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	v, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("property %q: %w", key, err)
	}
	r, err := tx.mutableRelationship(id)
	if err != nil {
		return err
	}
	setProp(r.Properties, key, v)
	return nil
}

func setProp(p Properties, key string, v any) {
	if v == nil {
		delete(p, key)
		return
	}
	p[key] = v
}

// AddLabels adds labels to a node and returns how many were new.
func (tx *Tx) AddLabels(id NodeID, labels ...string) (int, error) {
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}
	current, err := tx.Node(id)
	if err != nil {
		return 0, err
	}
	var missing []string
	for _, l := range labels {
		if l != "" && !current.HasLabel(l) && !slices.Contains(missing, l) {
			missing = append(missing, l)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	n, err := tx.mutableNode(id)
	if err != nil {
		return 0, err
	}
	for _, l := range missing {
		n.Labels = append(n.Labels, l)
		tx.labelAdded[l] = append(tx.labelAdded[l], id)
	}
	return len(missing), nil
}

var (
	_ Reader = (*Tx)(nil)
	_ Writer = (*Tx)(nil)
)
