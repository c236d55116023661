package kephascord

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrZombieConnection     = errors.New(ErrMsgHeartbeatNotAcked)
	ErrConnectionTimeout    = errors.New(ErrMsgConnectionTimeout)
	ErrShardNotDisconnected = errors.New(ErrMsgNotDisconnected)
	ErrConnectionClosed     = errors.New(ErrMsgConnectionClosed)
	ErrRetriesExhausted     = errors.New(ErrMsgRetriesExhausted)
	ErrVoiceJoinTimeout     = errors.New(ErrMsgVoiceJoinTimeout)
	ErrClientClosed         = errors.New(ErrMsgClientClosed)
	ErrNoShardForGuild      = errors.New(ErrMsgNoShardForGuild)
	ErrInvalidOptions       = errors.New(ErrMsgInvalidOptions)
)

// TransportError reports a failed or closed socket, or an HTTP transport failure.
// A shard treats it as reconnect-eligible.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a frame that could not be decoded or an opcode the
// receiver did not expect. The frame is dropped.
type ProtocolError struct {
	Op     int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: op %d: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: op %d: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RateLimitError is returned only when the caller gives up (context done)
// while a request is parked behind a bucket or global limit.
type RateLimitError struct {
	Route      string
	Global     bool
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	scope := "route"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rate limited (%s) on %s, retry after %s: %v", scope, e.Route, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// APIError carries the status and error payload of a rejected REST request.
type APIError struct {
	Status  int    `json:"-"`
	Method  string `json:"-"`
	Route   string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Body    []byte `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s (code %d)", e.Method, e.Route, e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Route, e.Status)
}

// AuthError is fatal: the shard that received it stays disconnected.
type AuthError struct {
	Code   int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: close code %d: %s", ErrMsgAuthenticationFail, e.Code, e.Reason)
}

// BulkError reports how many items of a chunked bulk operation completed before
// a batch failed. Remaining batches were not sent.
type BulkError struct {
	Completed int
	Err       error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("bulk operation stopped after %d items: %v", e.Completed, e.Err)
}

func (e *BulkError) Unwrap() error { return e.Err }
