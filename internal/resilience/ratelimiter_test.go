package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryStore_AdmitsWithinBudget(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := s.Admit(ctx, "k", 3, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed, "attempt %d should be admitted", i)
	}

	allowed, err := s.Admit(ctx, "k", 3, time.Minute)
	assert.NoError(t, err)
	assert.False(t, allowed)
}

func TestInMemoryStore_WindowExpires(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	allowed, _ := s.Admit(ctx, "k", 1, 10*time.Millisecond)
	assert.True(t, allowed)

	allowed, _ = s.Admit(ctx, "k", 1, 10*time.Millisecond)
	assert.False(t, allowed)

	time.Sleep(20 * time.Millisecond)
	allowed, _ = s.Admit(ctx, "k", 1, 10*time.Millisecond)
	assert.True(t, allowed)
}

func TestRateLimiter_SchedulesWhenAdmitted(t *testing.T) {
	rl := NewRateLimiter(nil, 10, time.Second, nil)
	ran := false
	err := rl.Schedule(context.Background(), "provider", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestRateLimiter_BlocksUntilContextDone(t *testing.T) {
	rl := NewRateLimiter(nil, 1, time.Hour, nil)
	ctx := context.Background()
	_ = rl.Schedule(ctx, "k", func(ctx context.Context) error { return nil })

	deadlineCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Schedule(deadlineCtx, "k", func(ctx context.Context) error {
		t.Fatal("fn should not run; budget exhausted")
		return nil
	})
	assert.Error(t, err)
}
