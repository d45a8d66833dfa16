package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType names a gate request or event.
type MessageType string

const (
	TypeAuth          MessageType = "AUTH"
	TypePing          MessageType = "PING"
	TypeLogOutreach   MessageType = "LOG_OUTREACH"
	TypeUpdateTarget  MessageType = "UPDATE_TARGET"
	TypeSwitchAccount MessageType = "SWITCH_ACCOUNT"
	TypePreflight     MessageType = "PREFLIGHT"
	TypeGetTarget     MessageType = "GET_TARGET"
	TypeSyncStatus    MessageType = "SYNC_STATUS"
	TypeSyncNow       MessageType = "SYNC_NOW"
	TypeNotify        MessageType = "NOTIFY"
)

// Pong is the data of a PING response.
const Pong = "PONG"

// ErrorCode is the machine-readable failure class of a response.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeSafetyBlock        ErrorCode = "SAFETY_BLOCK"
	CodeSafetyWarn         ErrorCode = "SAFETY_WARN"
	CodeStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	CodeStoreCorrupt       ErrorCode = "STORE_CORRUPT"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeUnknownType        ErrorCode = "UNKNOWN_TYPE"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeInternal           ErrorCode = "INTERNAL"
)

// Event names carried by NOTIFY messages.
const (
	EventReferenceUpdated = "REFERENCE_UPDATED"
	EventAccountChanged   = "ACCOUNT_CHANGED"
	EventSyncStatus       = "SYNC_STATUS"
)

// ErrInvalidMessage is returned for bodies that are not gate messages.
var ErrInvalidMessage = errors.New("invalid message")

// Request is a client-to-gate message.
type Request struct {
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	ErrorCode     ErrorCode       `json:"errorCode,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Notification is an unsolicited gate-to-client message.
type Notification struct {
	Type    MessageType   `json:"type"`
	Payload NotifyPayload `json:"payload"`
}

// NotifyPayload carries one event.
type NotifyPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// inbound is the union of everything a client can receive.
type inbound struct {
	Type MessageType `json:"type,omitempty"`
	Response
	Payload *NotifyPayload `json:"payload,omitempty"`
}

// ParseRequest decodes and validates a request body.
func ParseRequest(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if req.Type == "" {
		return Request{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return req, nil
}

// DecodeInbound decodes a gate-to-client body into either a response or a
// notification.
func DecodeInbound(body []byte) (*Response, *Notification, error) {
	var in inbound
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if in.Type == TypeNotify {
		if in.Payload == nil {
			return nil, nil, fmt.Errorf("%w: notification without payload", ErrInvalidMessage)
		}
		return nil, &Notification{Type: TypeNotify, Payload: *in.Payload}, nil
	}
	if in.CorrelationID == "" {
		return nil, nil, fmt.Errorf("%w: response without correlationId", ErrInvalidMessage)
	}
	resp := in.Response
	return &resp, nil, nil
}

// NewResult builds a success response.
func NewResult(correlationID string, data any) (Response, error) {
	resp := Response{CorrelationID: correlationID, Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Response{}, fmt.Errorf("encoding response data: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}

// NewError builds a failure response. data may carry detail such as a verdict.
func NewError(correlationID string, code ErrorCode, message string, data any) Response {
	resp := Response{
		CorrelationID: correlationID,
		ErrorCode:     code,
		Error:         message,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			resp.Data = raw
		}
	}
	return resp
}

// NewNotification builds a NOTIFY message for event.
func NewNotification(event string, data any) (Notification, error) {
	n := Notification{Type: TypeNotify, Payload: NotifyPayload{Event: event}}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Notification{}, fmt.Errorf("encoding notification: %w", err)
		}
		n.Payload.Data = raw
	}
	return n, nil
}

// Unavailable is the response a client synthesizes when the gate is unreachable.
func Unavailable(correlationID string, reason string) Response {
	return NewError(correlationID, CodeServiceUnavailable, reason, nil)
}
