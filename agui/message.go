package agui

import (
	"encoding/json"
	"fmt"
	"time"
)

// wire protocol version stamped on every outbound envelope
const ProtocolVersion = "1.0.0"

type Endpoint string

const (
	EndpointAgent Endpoint = "agent"
	EndpointUi    Endpoint = "ui"
)

func (self Endpoint) Valid() bool {
	switch self {
	case EndpointAgent, EndpointUi:
		return true
	default:
		return false
	}
}

func (self Endpoint) Opposite() Endpoint {
	switch self {
	case EndpointAgent:
		return EndpointUi
	case EndpointUi:
		return EndpointAgent
	default:
		return ""
	}
}

type MessageType string

const (
	// agent -> ui
	MessageTypeStatus        MessageType = "status"
	MessageTypeProgress      MessageType = "progress"
	MessageTypeResult        MessageType = "result"
	MessageTypeError         MessageType = "error"
	MessageTypeRequest       MessageType = "request"
	MessageTypeNotification  MessageType = "notification"
	MessageTypeStateUpdate   MessageType = "state.update"
	MessageTypeStateSnapshot MessageType = "state.snapshot"

	// ui -> agent
	MessageTypeCommand          MessageType = "command"
	MessageTypeResponse         MessageType = "response"
	MessageTypeCancel           MessageType = "cancel"
	MessageTypeContext          MessageType = "context"
	MessageTypeStateSyncRequest MessageType = "state.sync_request"
)

// Envelope is the versioned wrapper around every gateway message.
// `Payload` is kept raw so that unknown message types pass through
// decode untouched and can be forwarded to subscribers verbatim.
type Envelope struct {
	Version       string          `json:"version"`
	MessageId     Id              `json:"messageId"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        Endpoint        `json:"source"`
	Target        Endpoint        `json:"target"`
	CorrelationId *Id             `json:"correlationId,omitempty"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope stamps version, message id, timestamp and the ui->agent
// direction. Callers never supply these fields.
func NewEnvelope(messageType MessageType, payload any, correlationId *Id) (*Envelope, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload (%s): %w", messageType, err)
		}
	}
	return &Envelope{
		Version:       ProtocolVersion,
		MessageId:     NewId(),
		Timestamp:     time.Now().UTC(),
		Source:        EndpointUi,
		Target:        EndpointAgent,
		CorrelationId: correlationId,
		Type:          messageType,
		Payload:       payloadBytes,
	}, nil
}

func EncodeMessage(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeMessage(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := ValidateEnvelope(envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}

// ValidateEnvelope checks the envelope invariants. An unknown `Type` is
// not an error here so that forward-compatible receivers can pass
// unrecognized messages through to subscribers.
func ValidateEnvelope(envelope *Envelope) error {
	if envelope.Version == "" {
		return fmt.Errorf("envelope missing version")
	}
	if envelope.MessageId.IsZero() {
		return fmt.Errorf("envelope missing messageId")
	}
	if !envelope.Source.Valid() {
		return fmt.Errorf("envelope has invalid source %q", envelope.Source)
	}
	if !envelope.Target.Valid() {
		return fmt.Errorf("envelope has invalid target %q", envelope.Target)
	}
	if envelope.Source == envelope.Target {
		return fmt.Errorf("envelope source and target must be opposite, both are %q", envelope.Source)
	}
	if envelope.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	return nil
}

type StateUpdatePayload struct {
	Sequence int64     `json:"sequence"`
	Patch    []PatchOp `json:"patch"`
	Checksum string    `json:"checksum"`
}

type StateSnapshotPayload struct {
	Sequence int64     `json:"sequence"`
	State    StateTree `json:"state"`
	Checksum string    `json:"checksum"`
}

type StateSyncRequestPayload struct {
	LastSequence *int64 `json:"last_sequence"`
}

type CommandPayload struct {
	Name   string `json:"name"`
	Params any    `json:"params,omitempty"`
}
