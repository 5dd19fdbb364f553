package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestActionQueue(t *testing.T) {
	t.Run("runs units in admission order without overlap", func(t *testing.T) {
		q := New(logr.Discard())
		defer func() {
			q.Close()
			<-q.Done()
		}()

		var lock sync.Mutex
		order := []int{}
		running := 0
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			i := i
			wg.Add(1)
			require.NoError(t, q.Add(func() error {
				defer wg.Done()
				lock.Lock()
				running++
				assert.Equal(t, 1, running)
				lock.Unlock()

				time.Sleep(time.Millisecond)

				lock.Lock()
				running--
				order = append(order, i)
				lock.Unlock()
				return nil
			}, "unit"))
		}
		wg.Wait()
		for i := range order {
			require.Equal(t, i, order[i])
		}
	})

	t.Run("failures do not halt the queue", func(t *testing.T) {
		q := New(logr.Discard())
		ran := make(chan string, 3)
		require.NoError(t, q.Add(func() error {
			ran <- "first"
			return errors.New("boom")
		}, "fails"))
		require.NoError(t, q.Add(func() error {
			ran <- "second"
			panic("kaboom")
		}, "panics"))
		require.NoError(t, q.Add(func() error {
			ran <- "third"
			return nil
		}, "ok"))
		q.Close()
		<-q.Done()
		close(ran)

		got := []string{}
		for s := range ran {
			got = append(got, s)
		}
		require.Equal(t, []string{"first", "second", "third"}, got)
	})

	t.Run("close drains admitted units and refuses new ones", func(t *testing.T) {
		release := make(chan struct{})
		q := New(logr.Discard())
		count := 0
		require.NoError(t, q.Add(func() error {
			<-release
			count++
			return nil
		}, "blocked"))
		require.NoError(t, q.Add(func() error {
			count++
			return nil
		}, "queued"))
		q.Close()

		err := q.Add(func() error { return nil }, "late")
		require.True(t, errors.Is(err, ErrQueueClosed))

		close(release)
		<-q.Done()
		require.Equal(t, 2, count)
	})

	t.Run("callbacks observe labels and remaining work", func(t *testing.T) {
		var lock sync.Mutex
		dequeued := []string{}
		remaining := []int{}
		block := make(chan struct{})
		q := New(logr.Discard(),
			WithDequeueFunc(func(label string) {
				lock.Lock()
				dequeued = append(dequeued, label)
				lock.Unlock()
			}),
			WithCompleteFunc(func(n int, label string) {
				lock.Lock()
				remaining = append(remaining, n)
				lock.Unlock()
			}),
		)
		require.NoError(t, q.Add(func() error { <-block; return nil }, "a"))
		require.NoError(t, q.Add(func() error { return nil }, "b"))
		require.Equal(t, 2, q.Pending())
		close(block)
		q.Close()
		<-q.Done()

		require.Equal(t, []string{"a", "b"}, dequeued)
		require.Equal(t, []int{1, 0}, remaining)
		require.Equal(t, 0, q.Pending())
	})
}
