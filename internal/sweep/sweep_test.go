package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobgate/internal/logger"
)

type fakeStore struct {
	requeueCalls atomic.Int32
	olderThan    time.Duration
	requeueErr   error
}

func (f *fakeStore) RequeueStuck(_ context.Context, olderThan time.Duration) ([]string, error) {
	f.requeueCalls.Add(1)
	f.olderThan = olderThan
	if f.requeueErr != nil {
		return nil, f.requeueErr
	}
	return []string{"j1"}, nil
}

func (f *fakeStore) MarkStaleAgents(context.Context) ([]string, error) {
	return []string{"a1"}, nil
}

func TestRunOnceDefaultsStuckAfter(t *testing.T) {
	store := &fakeStore{}
	res, err := Sweeper{Store: store}.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, store.olderThan)
	assert.Equal(t, []string{"j1"}, res.Requeued)
	assert.Equal(t, []string{"a1"}, res.Stale)
}

func TestRunOnceStillMarksStaleOnRequeueError(t *testing.T) {
	store := &fakeStore{requeueErr: errors.New("locked")}
	res, err := Sweeper{Store: store, StuckAfter: time.Minute}.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Empty(t, res.Requeued)
	assert.Equal(t, []string{"a1"}, res.Stale)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	store := &fakeStore{requeueErr: errors.New("locked")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Sweeper{Store: store, Interval: 5 * time.Millisecond, Logger: logger.Discard()}.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return store.requeueCalls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop")
	}
}
