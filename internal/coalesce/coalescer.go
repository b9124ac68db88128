package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/internal/corelog"
)

// Fn is the underlying call a Coalescer deduplicates.
type Fn func(ctx context.Context) (interface{}, error)

// record is one in-flight CoalescedRequest plus the channel every waiter
// blocks on until the underlying call resolves.
type record struct {
	count     int
	startedAt time.Time
	done      chan struct{}
	outcome   Outcome
}

// Coalescer lets concurrent callers sharing an identical canonicalized
// request join a single in-flight call. The in-flight map is guarded by a
// single mutex; individual futures (done channels) are resolved outside
// the lock.
type Coalescer struct {
	logger corelog.Logger

	mu       sync.Mutex
	inFlight map[string]*record

	window       time.Duration
	maxCoalesced int
}

// New builds a Coalescer. window and maxCoalesced bound how long and how
// many callers may join one in-flight record before a fresh call starts.
func New(window time.Duration, maxCoalesced int, logger corelog.Logger) *Coalescer {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if cal, ok := logger.(corelog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/coalesce")
	}
	if maxCoalesced <= 0 {
		maxCoalesced = 1
	}
	return &Coalescer{logger: logger, inFlight: make(map[string]*record), window: window, maxCoalesced: maxCoalesced}
}

// Do runs fn unless an in-flight record with the same canonical key
// already exists, is younger than the window, and hasn't yet absorbed
// maxCoalesced callers, in which case it waits for that record's
// outcome instead. joined reports whether this call shared someone
// else's in-flight result.
func (c *Coalescer) Do(ctx context.Context, key interface{}, fn Fn) (value interface{}, err error, joined bool) {
	hash := HashKey(key)

	c.mu.Lock()
	if rec, ok := c.inFlight[hash]; ok && time.Since(rec.startedAt) < c.window && rec.count < c.maxCoalesced {
		rec.count++
		c.mu.Unlock()
		select {
		case <-rec.done:
			return rec.outcome.Value, rec.outcome.Err, true
		case <-ctx.Done():
			return nil, ctx.Err(), true
		}
	}

	rec := &record{count: 1, startedAt: time.Now(), done: make(chan struct{})}
	c.inFlight[hash] = rec
	c.mu.Unlock()

	value, err = fn(ctx)

	c.mu.Lock()
	if c.inFlight[hash] == rec {
		delete(c.inFlight, hash)
	}
	c.mu.Unlock()

	rec.outcome = Outcome{Value: value, Err: err}
	close(rec.done)
	return value, err, false
}

// InFlightCount reports the number of distinct in-flight records, for
// diagnostics/tests.
func (c *Coalescer) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// HashKey canonicalizes key via JSON encoding (stable for maps with string
// keys, since encoding/json sorts them) and returns its SHA-256 hex
// digest, a stable hash over the canonicalized representation.
func HashKey(key interface{}) string {
	// A bare string key skips the JSON round-trip entirely.
	if s, ok := key.(string); ok {
		return hashString(s)
	}
	b, err := json.Marshal(key)
	if err != nil {
		return hashString(err.Error())
	}
	return hashString(string(b))
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
