package coalesce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescer_JoinsInFlightRecord(t *testing.T) {
	c := New(time.Second, 10, nil)

	var calls int32
	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	errs := make([]error, 5)

	release := make(chan struct{})
	first := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _ := c.Do(context.Background(), "same-key", func(ctx context.Context) (interface{}, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					close(first)
				}
				<-release
				return "result", nil
			})
			results[i] = v
			errs[i] = err
		}(i)
	}

	<-first
	time.Sleep(20 * time.Millisecond) // let the other 4 goroutines queue up behind the in-flight record
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls, "only one underlying call should execute")
	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, "result", results[i])
	}
}

func TestCoalescer_DifferentKeysDoNotJoin(t *testing.T) {
	c := New(time.Second, 10, nil)
	var calls int32
	for i := 0; i < 3; i++ {
		_, err, joined := c.Do(context.Background(), i, func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		})
		require.NoError(t, err)
		assert.False(t, joined)
	}
	assert.EqualValues(t, 3, calls)
}

func TestCoalescer_ExpiresAfterWindow(t *testing.T) {
	c := New(10*time.Millisecond, 10, nil)
	_, _, _ = c.Do(context.Background(), "k", func(ctx context.Context) (interface{}, error) { return "a", nil })
	time.Sleep(20 * time.Millisecond)

	var calls int32
	_, _, joined := c.Do(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "b", nil
	})
	assert.False(t, joined)
	assert.EqualValues(t, 1, calls)
}

func TestCoalescer_MaxCoalescedCapsJoining(t *testing.T) {
	c := New(time.Second, 2, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = c.Do(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "v", nil
		})
	}()
	<-started

	// second caller joins (count becomes 2, at the max)
	done2 := make(chan bool, 1)
	go func() {
		_, _, joined := c.Do(context.Background(), "k", func(ctx context.Context) (interface{}, error) { return "v2", nil })
		done2 <- joined
	}()
	time.Sleep(10 * time.Millisecond)

	// third caller exceeds maxCoalesced(2) and must start its own call
	var thirdCalled int32
	done3 := make(chan bool, 1)
	go func() {
		_, _, joined := c.Do(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&thirdCalled, 1)
			return "v3", nil
		})
		done3 <- joined
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&thirdCalled) == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	assert.True(t, <-done2)
	assert.False(t, <-done3)
}

func TestOptimizer_CompressesWithoutChangingSemantics(t *testing.T) {
	opt := NewOptimizer(nil, 0.9)
	r := opt.Optimize("Please note that   I would like you to review this.\n\n\n\nIt has two errors!!!")
	assert.False(t, r.Aborted)
	assert.NotContains(t, r.Prompt, "Please note that")
	assert.Contains(t, r.Prompt, "2 errors")
	assert.NotContains(t, r.Prompt, "!!!")
}

func TestOptimizer_AbortsOnOverCompression(t *testing.T) {
	opt := NewOptimizer(countingTokenCounter{}, 0.1)
	r := opt.Optimize("please note that it is important to note that in order to proceed")
	assert.True(t, r.Aborted)
	assert.Equal(t, "please note that it is important to note that in order to proceed", r.Prompt)
}

func TestOptimizer_EmptyPromptIsNoop(t *testing.T) {
	opt := NewOptimizer(nil, 0.5)
	r := opt.Optimize("")
	assert.Equal(t, "", r.Prompt)
	assert.False(t, r.Aborted)
}

// countingTokenCounter counts whitespace-separated words, giving a more
// pronounced (and deterministic) reduction signal than the len/4 estimator
// for the abort-threshold test above.
type countingTokenCounter struct{}

func (countingTokenCounter) Count(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
