// Package bus implements the distributed message bus: agent
// registration, handler dispatch, send/broadcast/request, and
// correlation-id-based request tracking across LocalBus (single-process)
// and DistributedBus (pub/sub-backed, multi-replica) implementations.
package bus

import (
	"context"
	"time"
)

// MessageType is one of the five message kinds on the wire.
type MessageType string

const (
	TypeRequest   MessageType = "REQUEST"
	TypeResponse  MessageType = "RESPONSE"
	TypeError     MessageType = "ERROR"
	TypeBroadcast MessageType = "BROADCAST"
	TypeNotify    MessageType = "NOTIFY"
)

// Priority is a message's delivery priority. Advisory only: neither bus
// implementation reorders delivery by priority today.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Message is one envelope on the bus. Recipient is a single agent id,
// a list of agent ids, or empty for Broadcast.
type Message struct {
	ID            string                 `json:"id"`
	Type          MessageType            `json:"type"`
	From          string                 `json:"from"`
	To            []string               `json:"to,omitempty"`
	Payload       interface{}            `json:"payload"`
	Priority      Priority               `json:"priority,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	TTLMs         int                    `json:"ttl,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// envelope is the wire format a DistributedBus publishes to a channel:
// the message plus the instance id that issued it.
type envelope struct {
	Message        Message `json:"message"`
	SourceInstance string  `json:"sourceInstance"`
}

// Metrics is returned by GetMetrics. A DistributedBus always reports
// per-agent queue sizes as 0; only LocalBus tracks them.
type Metrics struct {
	Sent       int64
	Delivered  int64
	Failed     int64
	Expired    int64
	QueueSizes map[string]int
}

// Handler processes one inbound message addressed to an agent for a given
// message type and returns a value used as the Response payload for
// Request messages (ignored for Notify/Broadcast).
type Handler func(ctx context.Context, msg Message) (interface{}, error)
