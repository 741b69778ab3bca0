package graph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// snapshot is an immutable committed view of the graph. Nothing reachable
// from a snapshot is modified after it has been installed.
type snapshot struct {
	version   uint64
	nodes     map[NodeID]*Node
	rels      map[RelID]*Relationship
	out       map[NodeID][]RelID
	in        map[NodeID][]RelID
	byLabel   map[string][]NodeID
	nodeOrder []NodeID
	relOrder  []RelID
}

func emptySnapshot() *snapshot {
	return &snapshot{
		nodes:   make(map[NodeID]*Node),
		rels:    make(map[RelID]*Relationship),
		out:     make(map[NodeID][]RelID),
		in:      make(map[NodeID][]RelID),
		byLabel: make(map[string][]NodeID),
	}
}

// TxOutcome describes how a transaction ended.
type TxOutcome string

const (
	TxCommitted  TxOutcome = "committed"
	TxRolledBack TxOutcome = "rolled_back"
	TxConflict   TxOutcome = "conflict"
)

// TxEvent is passed to observers when a transaction ends.
type TxEvent struct {
	TxID         uint64
	Outcome      TxOutcome
	Writable     bool
	CreatedNodes int
	CreatedRels  int
	Version      uint64
	Duration     time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for transaction diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithObserver registers a callback invoked after every transaction ends.
func WithObserver(fn func(TxEvent)) Option {
	return func(s *Store) {
		s.observers = append(s.observers, fn)
	}
}

// Store is an in-memory property graph with snapshot-isolated transactions.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	current *snapshot

	nextNode atomic.Int64
	nextRel  atomic.Int64
	nextTx   atomic.Uint64

	logger    *slog.Logger
	obsMu     sync.RWMutex
	observers []func(TxEvent)
}

// NewStore creates an empty graph store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		current: emptySnapshot(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TxMode selects whether a transaction may write.
type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
)

// Begin opens a transaction over the current committed snapshot.
func (s *Store) Begin(mode TxMode) *Tx {
	s.mu.RLock()
	base := s.current
	s.mu.RUnlock()

	return &Tx{
		id:       s.nextTx.Add(1),
		store:    s,
		base:     base,
		writable: mode == ReadWrite,
		started:  time.Now(),
	}
}

// Update runs fn in a read-write transaction. The transaction is committed
// if fn returns nil and rolled back otherwise, including when fn panics.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx := s.Begin(ReadWrite)
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx := s.Begin(ReadOnly)
	defer tx.Rollback()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(tx)
}

// Version returns the version of the committed snapshot.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.version
}

// Stats summarizes the committed snapshot.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	snap := s.current
	s.mu.RUnlock()

	st := Stats{
		Version:       snap.version,
		Nodes:         len(snap.nodes),
		Relationships: len(snap.rels),
		Labels:        make(map[string]int, len(snap.byLabel)),
		Types:         make(map[string]int),
	}
	for label, ids := range snap.byLabel {
		st.Labels[label] = len(ids)
	}
	for _, r := range snap.rels {
		st.Types[r.Type]++
	}
	return st
}

// install validates and publishes the changes of tx.
func (s *Store) install(tx *Tx) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.version != tx.base.version {
		return 0, fmt.Errorf("%w (began at v%d, now v%d)", ErrWriteConflict, tx.base.version, s.current.version)
	}

	base := s.current
	next := &snapshot{
		version:   base.version + 1,
		nodes:     cloneMap(base.nodes, len(tx.nodes)),
		rels:      cloneMap(base.rels, len(tx.rels)),
		out:       cloneMap(base.out, len(tx.outAdded)),
		in:        cloneMap(base.in, len(tx.inAdded)),
		byLabel:   cloneMap(base.byLabel, len(tx.labelAdded)),
		nodeOrder: mergeOrdered(base.nodeOrder, tx.createdNodes),
		relOrder:  mergeOrdered(base.relOrder, tx.createdRels),
	}
	for id, n := range tx.nodes {
		next.nodes[id] = n
	}
	for id, r := range tx.rels {
		next.rels[id] = r
	}
	for id, added := range tx.outAdded {
		next.out[id] = append(slices.Clone(base.out[id]), added...)
	}
	for id, added := range tx.inAdded {
		next.in[id] = append(slices.Clone(base.in[id]), added...)
	}
	for label, added := range tx.labelAdded {
		next.byLabel[label] = mergeOrdered(base.byLabel[label], added)
	}

	s.current = next
	return next.version, nil
}

// Observe registers fn to be called after every transaction ends, like
// WithObserver does at construction.
func (s *Store) Observe(fn func(TxEvent)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) notify(ev TxEvent) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func cloneMap[K comparable, V any](m map[K]V, extra int) map[K]V {
	out := make(map[K]V, len(m)+extra)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeOrdered returns the sorted union of an ascending base slice and added ids.
func mergeOrdered[T ~int64](base, added []T) []T {
	if len(added) == 0 {
		return base
	}
	out := make([]T, 0, len(base)+len(added))
	out = append(out, base...)
	out = append(out, added...)
	if len(base) > 0 && slices.IsSorted(added) && added[0] > base[len(base)-1] {
		return out
	}
	slices.Sort(out)
	return slices.Compact(out)
}
