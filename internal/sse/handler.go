package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/internal/corelog"
)

// frame is one outbound unit: either a real event or a keep-alive marker.
// PlanEvent itself isn't comparable (it embeds slices/maps), so the kind
// is tagged explicitly rather than sentinel-valued.
type frame struct {
	keepAlive bool
	event     PlanEvent
}

// Handler serves the per-plan SSE subscribe endpoint.
type Handler struct {
	log           corelog.Logger
	events        *EventLog
	perIP         *quotaSet
	perSubject    *quotaSet
	keepAlive     time.Duration
	subscriberBuf int
	outboundBuf   int
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	PerIPQuota      int
	PerSubjectQuota int
	KeepAlive       time.Duration
}

// NewHandler builds a Handler over an existing EventLog.
func NewHandler(events *EventLog, cfg HandlerConfig, logger corelog.Logger) *Handler {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if cal, ok := logger.(corelog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/sse")
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &Handler{
		log:           logger,
		events:        events,
		perIP:         newQuotaSet(cfg.PerIPQuota),
		perSubject:    newQuotaSet(cfg.PerSubjectQuota),
		keepAlive:     keepAlive,
		subscriberBuf: 64,
		outboundBuf:   8,
	}
}

// ServeHTTP implements the subscribe contract: quota check, history
// replay, then a live stream with queued (never dropped/duplicated)
// keep-alives.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("planId")
	if planID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "planId is required")
		return
	}

	ip := clientIP(r)
	subject := subjectOf(r)

	if !h.perIP.acquire(ip) {
		writeJSONError(w, http.StatusTooManyRequests, "too_many_requests", "per-IP subscriber quota exceeded")
		return
	}
	if !h.perSubject.acquire(subject) {
		h.perIP.release(ip)
		writeJSONError(w, http.StatusTooManyRequests, "too_many_requests", "per-subject subscriber quota exceeded")
		return
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		h.perIP.release(ip)
		h.perSubject.release(subject)
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, history, unsubscribe := h.events.subscribeWithHistory(planID, h.subscriberBuf)
	defer unsubscribe()

	for _, evt := range history {
		if err := writeEventFrame(w, flusher, evt); err != nil {
			h.log.Warn("sse: history replay write failed, releasing quotas", map[string]interface{}{
				"plan_id": planID, "error": err.Error(),
			})
			release()
			return
		}
	}

	h.streamLive(r.Context(), w, flusher, sub)
}

// streamLive merges the subscriber's live-event channel with a keep-alive
// ticker into a single ordered outbound queue, writing frames one at a
// time. A keep-alive that cannot be enqueued (outbound full) is not lost:
// it is recorded as pending and flushed as soon as the writer drains a
// slot, ahead of any event that had to wait behind it.
func (h *Handler) streamLive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub *subscriber) {
	outbound := make(chan frame, h.outboundBuf)
	writeErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	var mu sync.Mutex
	pendingKeepAlive := false

	go func() {
		for {
			select {
			case f, ok := <-outbound:
				if !ok {
					return
				}
				if err := writeFrame(w, flusher, f); err != nil {
					select {
					case writeErr <- err:
					default:
					}
					return
				}
				mu.Lock()
				flush := pendingKeepAlive
				pendingKeepAlive = false
				mu.Unlock()
				if flush {
					if err := writeKeepAlive(w, flusher); err != nil {
						select {
						case writeErr <- err:
						default:
						}
						return
					}
				}
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-writeErr:
			h.log.Debug("sse: client write failed, disconnecting", map[string]interface{}{"error": err.Error()})
			return
		case <-ticker.C:
			select {
			case outbound <- frame{keepAlive: true}:
			default:
				mu.Lock()
				pendingKeepAlive = true
				mu.Unlock()
			}
		case evt, ok := <-sub.ch:
			if !ok {
				return
			}
			select {
			case outbound <- frame{event: evt}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, f frame) error {
	if f.keepAlive {
		return writeKeepAlive(w, flusher)
	}
	return writeEventFrame(w, flusher, f.event)
}

func writeEventFrame(w http.ResponseWriter, flusher http.Flusher, evt PlanEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: plan.step\ndata: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeKeepAlive(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

func subjectOf(r *http.Request) string {
	if s := r.Header.Get("X-Subject"); s != "" {
		return s
	}
	return r.URL.Query().Get("subject")
}
