package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureWaitIsIdempotent(t *testing.T) {
	f := newFuture()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.fulfill(25)
	}()

	v1, err1 := f.Wait()
	v2, err2 := f.Wait()
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, 25.0, v1)
	require.Equal(t, v1, v2)
}

func TestFutureFailure(t *testing.T) {
	boom := errors.New("boom")
	f := Failed(boom)

	select {
	case <-f.Done():
	default:
		t.Fatal("failed future should be done")
	}
	_, err := f.Wait()
	require.ErrorIs(t, err, boom)
	_, err = f.Wait()
	require.ErrorIs(t, err, boom)
}

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture()
	f.fulfill(1)

	require.Panics(t, func() { f.fulfill(2) })
	require.Panics(t, func() { f.fail(errors.New("late")) })

	v, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 1.0, v, "first outcome must stick")
}

func TestFuturePendingUntilResolved(t *testing.T) {
	f := newFuture()
	select {
	case <-f.Done():
		t.Fatal("pending future reported done")
	case <-time.After(10 * time.Millisecond):
	}
	f.fail(errors.New("x"))
	<-f.Done()
}

func TestNewFutureResolvesOnce(t *testing.T) {
	f, resolve := NewFuture()
	select {
	case <-f.Done():
		t.Fatal("resolved before resolve was called")
	default:
	}

	resolve(16, nil)
	v, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 16.0, v)
	require.Panics(t, func() { resolve(0, errors.New("late")) })
}
