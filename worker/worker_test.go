package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHaltStopsGoroutine(t *testing.T) {
	var w Worker
	done := make(chan struct{})
	w.Go(func() {
		defer close(done)
		<-w.HaltCh()
	})

	select {
	case <-done:
		t.Fatal("goroutine exited before Halt")
	case <-time.After(20 * time.Millisecond):
	}

	w.Halt()
	w.Wait()

	select {
	case <-done:
	default:
		t.Fatal("goroutine did not observe Halt")
	}
}

func TestHaltIsIdempotent(t *testing.T) {
	var w Worker
	require.NotPanics(t, func() {
		w.Halt()
		w.Halt()
		w.Halt()
	})
}

func TestWaitWithNoGoroutines(t *testing.T) {
	var w Worker
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked with no started goroutines")
	}
}
