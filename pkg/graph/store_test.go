package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateAndCommit(t *testing.T) {
	s := NewStore()
	tx := s.Begin(ReadWrite)

	artifact, err := tx.CreateNode([]string{"Artifact", "Java"}, map[string]any{"fqn": "artifact"})
	require.NoError(t, err)
	pkg, err := tx.CreateNode([]string{"Package"}, map[string]any{"fqn": "svc.pkg", "depth": 2})
	require.NoError(t, err)
	rel, err := tx.CreateRelationship("CONTAINS", artifact, pkg, nil)
	require.NoError(t, err)

	// read-your-writes before commit
	n, err := tx.Node(pkg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.Properties["depth"])
	assert.Equal(t, []RelID{rel}, tx.Outgoing(artifact))
	assert.Equal(t, []RelID{rel}, tx.Incoming(pkg))

	require.NoError(t, tx.Commit())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Version)
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 1, stats.Relationships)
	assert.Equal(t, 1, stats.Labels["Artifact"])
	assert.Equal(t, 1, stats.Types["CONTAINS"])
}

func TestStore_UseAfterCommit(t *testing.T) {
	s := NewStore()
	tx := s.Begin(ReadWrite)
	require.NoError(t, tx.Commit())

	_, err := tx.CreateNode([]string{"Type"}, nil)
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	assert.ErrorIs(t, tx.SetProperty(1, "x", 1), ErrNoActiveTransaction)
	_, err = tx.Node(1)
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	assert.ErrorIs(t, tx.Commit(), ErrNoActiveTransaction)
	assert.False(t, tx.Active())

	// rollback of a closed transaction is a no-op
	tx.Rollback()
}

func TestStore_ReadOnly(t *testing.T) {
	s := NewStore()
	tx := s.Begin(ReadOnly)
	defer tx.Rollback()

	_, err := tx.CreateNode([]string{"Type"}, nil)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	s := NewStore()
	tx := s.Begin(ReadWrite)
	_, err := tx.CreateNode([]string{"Type"}, map[string]any{"fqn": "a.B"})
	require.NoError(t, err)
	tx.Rollback()

	assert.Equal(t, 0, s.Stats().Nodes)
	assert.Equal(t, uint64(0), s.Version())
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := NewStore()
	var id NodeID
	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		var err error
		id, err = tx.CreateNode([]string{"Package"}, map[string]any{"fqn": "a"})
		return err
	}))

	writer := s.Begin(ReadWrite)
	reader := s.Begin(ReadOnly)
	defer reader.Rollback()

	require.NoError(t, writer.SetProperty(id, "prop", "value"))
	_, err := writer.AddLabels(id, "Internal")
	require.NoError(t, err)

	// uncommitted writes are invisible to other transactions
	n, err := reader.Node(id)
	require.NoError(t, err)
	assert.NotContains(t, n.Properties, "prop")
	assert.Empty(t, reader.NodesByLabel("Internal"))

	require.NoError(t, writer.Commit())

	// the reader keeps its begin-time snapshot
	n, err = reader.Node(id)
	require.NoError(t, err)
	assert.NotContains(t, n.Properties, "prop")

	after := s.Begin(ReadOnly)
	defer after.Rollback()
	n, err = after.Node(id)
	require.NoError(t, err)
	assert.Equal(t, "value", n.Properties["prop"])
	assert.Equal(t, []NodeID{id}, after.NodesByLabel("Internal"))
}

func TestStore_WriteConflict(t *testing.T) {
	s := NewStore()
	first := s.Begin(ReadWrite)
	second := s.Begin(ReadWrite)

	_, err := first.CreateNode([]string{"Bundle"}, nil)
	require.NoError(t, err)
	_, err = second.CreateNode([]string{"Bundle"}, nil)
	require.NoError(t, err)

	require.NoError(t, first.Commit())
	err = second.Commit()
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.Equal(t, 1, s.Stats().Nodes)
}

func TestStore_CleanCommitReportsCurrentVersion(t *testing.T) {
	var events []TxEvent
	s := NewStore()
	s.Observe(func(ev TxEvent) { events = append(events, ev) })

	idle := s.Begin(ReadWrite)
	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.CreateNode([]string{"Bundle"}, nil)
		return err
	}))
	require.NoError(t, idle.Commit())

	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Version)
	// the idle transaction began at version 0 but must not report it
	assert.Equal(t, TxCommitted, events[1].Outcome)
	assert.Equal(t, uint64(1), events[1].Version)
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx *Tx) error {
		if _, err := tx.CreateNode([]string{"Type"}, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Stats().Nodes)
}

func TestStore_UpdateRollsBackOnPanic(t *testing.T) {
	var events []TxEvent
	s := NewStore(WithObserver(func(ev TxEvent) { events = append(events, ev) }))

	assert.Panics(t, func() {
		_ = s.Update(context.Background(), func(tx *Tx) error {
			_, _ = tx.CreateNode([]string{"Type"}, nil)
			panic("scanner exploded")
		})
	})
	assert.Equal(t, 0, s.Stats().Nodes)
	require.Len(t, events, 1)
	assert.Equal(t, TxRolledBack, events[0].Outcome)
}

func TestStore_LabelsAreAdditive(t *testing.T) {
	s := NewStore()
	tx := s.Begin(ReadWrite)
	id, err := tx.CreateNode([]string{"File", "Directory", "Package", "File"}, nil)
	require.NoError(t, err)

	added, err := tx.AddLabels(id, "Package", "Java", "Java")
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	n, err := tx.Node(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"File", "Directory", "Package", "Java"}, n.Labels)
	require.NoError(t, tx.Commit())
}

func TestStore_SetPropertyNilRemoves(t *testing.T) {
	s := NewStore()
	tx := s.Begin(ReadWrite)
	defer tx.Rollback()

	id, err := tx.CreateNode(nil, map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	require.NoError(t, tx.SetProperty(id, "a", nil))

	props, err := tx.Properties(id)
	require.NoError(t, err)
	assert.Equal(t, Properties{"b": "x"}, props)
}

func TestStore_InvalidValues(t *testing.T) {
	s := NewStore()
	tx := s.Begin(ReadWrite)
	defer tx.Rollback()

	_, err := tx.CreateNode(nil, map[string]any{"bad": struct{}{}})
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = tx.CreateRelationship("USES", 41, 42, nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestEqualAndCompare(t *testing.T) {
	assert.True(t, Equal(int64(1), float64(1)))
	assert.False(t, Equal("1", int64(1)))
	assert.True(t, Equal(true, true))

	c, ok := Compare("a", "b")
	assert.True(t, ok)
	assert.Equal(t, -1, c)

	_, ok = Compare("a", int64(1))
	assert.False(t, ok)

	// integers beyond float64 precision compare exactly
	big := int64(1 << 53)
	assert.False(t, Equal(big, big+1))
	assert.True(t, Equal(big+1, big+1))
	c, ok = Compare(big+1, big)
	assert.True(t, ok)
	assert.Equal(t, 1, c)
	c, ok = Compare(int64(2), 2.5)
	assert.True(t, ok)
	assert.Equal(t, -1, c)
}
