package finalizer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupOrder(t *testing.T) {
	t.Parallel()
	var order []int
	f := NewFinalizer()
	f.AddFn(func() { order = append(order, 1) })
	f.AddErrFn(func() error { order = append(order, 2); return nil })
	f.AddShutdown(func(context.Context) error { order = append(order, 3); return nil })

	require.NoError(t, f.Cleanup(nil))
	assert.Equal(t, []int{3, 2, 1}, order)

	// Resources are released once.
	require.NoError(t, f.Cleanup(nil))
	assert.Len(t, order, 3)
}

func TestCleanupErrors(t *testing.T) {
	t.Parallel()
	f := NewFinalizer()
	closeErr := errors.New("close failed")
	f.AddErrFn(func() error { return closeErr })

	cause := errors.New("boom")
	err := f.Cleanupf("starting: %w", cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, closeErr)

	assert.NoError(t, NewFinalizer().Cleanupf("x: %w", nil))
}
