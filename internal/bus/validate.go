package bus

import (
	"fmt"

	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// PayloadKind identifies which well-formed payload variant a MessageType
// carries on the wire. Every known MessageType maps to exactly one
// PayloadKind; validateEnvelope dispatches on it exhaustively rather than
// accepting whatever shape happens to decode.
type PayloadKind string

const (
	// PayloadKindAny covers Request/Response/Broadcast/Notify, whose
	// payload is opaque application data the agent handlers own; the bus
	// itself only requires that it round-trip through JSON.
	PayloadKindAny PayloadKind = "any"
	// PayloadKindError is an Error message's payload: a sanitized error
	// string (see sanitizeError in bus.go), never a structured value.
	PayloadKindError PayloadKind = "error"
)

// payloadKindFor reports the PayloadKind a MessageType's payload must be,
// and false if t isn't one of the five known message kinds.
func payloadKindFor(t MessageType) (PayloadKind, bool) {
	switch t {
	case TypeRequest, TypeResponse, TypeBroadcast, TypeNotify:
		return PayloadKindAny, true
	case TypeError:
		return PayloadKindError, true
	default:
		return "", false
	}
}

// validateEnvelope is the process-boundary validator: every
// envelope arriving off the wire passes through here before a handler ever
// sees it. A malformed envelope (unknown type, missing required fields, a
// payload that doesn't match its type's variant) is rejected with
// ErrBoundaryValidationFailed so the caller can log and drop it rather than
// dispatch on data the rest of the bus doesn't expect.
func validateEnvelope(e envelope) error {
	msg := e.Message

	kind, ok := payloadKindFor(msg.Type)
	if !ok {
		return orcherrors.New("bus.validate", orcherrors.KindValidation,
			fmt.Errorf("%w: unknown message type %q", orcherrors.ErrBoundaryValidationFailed, msg.Type))
	}
	if msg.ID == "" {
		return orcherrors.New("bus.validate", orcherrors.KindValidation,
			fmt.Errorf("%w: missing id", orcherrors.ErrBoundaryValidationFailed))
	}
	if msg.From == "" {
		return orcherrors.New("bus.validate", orcherrors.KindValidation,
			fmt.Errorf("%w: missing from", orcherrors.ErrBoundaryValidationFailed))
	}

	switch kind {
	case PayloadKindError:
		if msg.Payload == nil {
			return orcherrors.New("bus.validate", orcherrors.KindValidation,
				fmt.Errorf("%w: error message missing payload", orcherrors.ErrBoundaryValidationFailed))
		}
		if _, ok := msg.Payload.(string); !ok {
			return orcherrors.New("bus.validate", orcherrors.KindValidation,
				fmt.Errorf("%w: error payload must be a string, got %T", orcherrors.ErrBoundaryValidationFailed, msg.Payload))
		}
	case PayloadKindAny:
		if msg.Type == TypeRequest && msg.CorrelationID == "" {
			return orcherrors.New("bus.validate", orcherrors.KindValidation,
				fmt.Errorf("%w: request missing correlationId", orcherrors.ErrBoundaryValidationFailed))
		}
	}
	return nil
}
