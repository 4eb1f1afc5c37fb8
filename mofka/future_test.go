package mofka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/mofka-go/errext"
)

func TestFutureValue(t *testing.T) {
	t.Parallel()

	future, promise := NewFuture[int]()
	assert.False(t, future.Completed())

	go promise.SetValue(42)
	value, err := future.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.True(t, future.Completed())

	// later completions are ignored
	promise.SetValue(7)
	promise.SetError(errors.New("late"))
	value, err = future.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestFutureError(t *testing.T) {
	t.Parallel()

	future, promise := NewFuture[int]()
	promise.SetError(errext.Errorf(errext.StoreError, "disk on fire"))
	_, err := future.Wait()
	assert.Equal(t, errext.StoreError, errext.KindOf(err))
}

func TestFutureOnWaitHook(t *testing.T) {
	t.Parallel()

	future, promise := NewFuture[int]()
	future.setOnWait(func() { promise.SetValue(1) })

	// the hook must fire before Wait blocks, and only once
	value, err := future.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, value)
	_, err = future.Wait()
	require.NoError(t, err)
}

func TestFutureWaitContext(t *testing.T) {
	t.Parallel()

	future, _ := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := future.WaitContext(ctx)
	assert.Equal(t, errext.Cancelled, errext.KindOf(err))
}

func TestInvalidFuture(t *testing.T) {
	t.Parallel()

	var future Future[int]
	_, err := future.Wait()
	assert.Equal(t, errext.Cancelled, errext.KindOf(err))
	assert.False(t, future.Completed())
}
