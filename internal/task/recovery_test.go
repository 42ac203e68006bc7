package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceRecover(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	publisher := &recordingPublisher{}
	service := NewService(store, publisher, 3)

	for _, id := range []string{"waiting", "flaky", "stuck", "busy", "done"} {
		seedTask(t, store, id, 3)
	}
	for _, id := range []string{"flaky", "stuck", "busy"} {
		_, err := store.Claim(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkFailed(ctx, "flaky", CodeTaskProcessing, "rpc down", nil, false))
	require.NoError(t, store.MarkSucceeded(ctx, "done", nil))

	store.mu.Lock()
	store.tasks["stuck"].UpdatedAt = time.Now().Add(-time.Hour).Unix()
	store.mu.Unlock()

	report, err := service.Recover(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, report.Interrupted)
	assert.ElementsMatch(t, []string{"waiting", "flaky"}, report.Requeued)
	assert.ElementsMatch(t, []string{"waiting", "flaky"}, publisher.published())

	stuck, err := store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stuck.Status)
	assert.Equal(t, string(CodeTaskInterrupted), stuck.ErrorCode)

	busy, err := store.Get(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, busy.Status)
}

func TestServiceRecoverRequiresProducer(t *testing.T) {
	service := NewService(NewMemoryStore(), nil, 3)
	_, err := service.Recover(context.Background(), time.Minute)
	require.Error(t, err)
}
