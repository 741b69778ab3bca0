package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphlord/pkg/store"
	"github.com/rmax-ai/graphlord/pkg/store/storetest"
)

func newStore(t *testing.T, maxRuns int) (*ResultStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewResultStore(client, "test", maxRuns)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestResultStore(t *testing.T) {
	storetest.RunSinkTests(t, func(t *testing.T) store.Sink {
		s, _ := newStore(t, 0)
		return s
	})
}

func TestResultStore_EvictsOldestRuns(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t, 2)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 4 {
		require.NoError(t, s.SaveRun(ctx, storetest.NewRun(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := s.LatestRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)
	assert.False(t, mr.Exists("test:run:r0"))

	_, err = s.GetRun(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestResultStore_PruneRuns(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, 0)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveRun(ctx, storetest.NewRun("old", base)))
	require.NoError(t, s.SaveRun(ctx, storetest.NewRun("new", base.Add(time.Hour))))

	n, err := s.PruneRuns(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := s.LatestRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].ID)

	// the latest results survive pruning
	latest, err := s.LatestResults(ctx)
	require.NoError(t, err)
	assert.Len(t, latest, 2)
}

func TestResultStore_ServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := NewResultStore(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "", 0)
	defer s.Close()
	mr.Close()

	err = s.SaveRun(context.Background(), storetest.NewRun("x", time.Now()))
	var ioErr *store.IOError
	assert.ErrorAs(t, err, &ioErr)
}
