package hoppercore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryConflictSucceedsAfterTransientConflicts(t *testing.T) {
	attempts := 0
	err := RetryConflict(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return ConflictingUpdate("taskstore.Create", "task-1")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryConflictStopsOnNonConflictError(t *testing.T) {
	attempts := 0
	sentinel := NotFound("taskstore.Get", "task", "missing")
	err := RetryConflict(context.Background(), func() error {
		attempts++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetryConflictExhaustsBound(t *testing.T) {
	attempts := 0
	err := RetryConflict(context.Background(), func() error {
		attempts++
		return ConflictingUpdate("taskstore.Create", "task-1")
	})
	assert.Error(t, err)
	assert.True(t, IsConflictingUpdate(err))
	assert.Equal(t, MaxConflictRetries, attempts)
}
