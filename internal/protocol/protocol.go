package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
)

const (
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max frame size, compressed or not

	// GatewayQuery selects the gateway version and encoding.
	GatewayQuery = "?v=10&encoding=json"

	// VoiceGatewayQuery selects the voice gateway version.
	VoiceGatewayQuery = "?v=4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is an undecoded frame payload.
type RawMessage = jsoniter.RawMessage

// Frame is the envelope of every gateway and voice gateway message.
type Frame struct {
	Op int        `json:"op"`
	D  RawMessage `json:"d,omitempty"`
	S  *int64     `json:"s,omitempty"`
	T  string     `json:"t,omitempty"`
}

type outFrame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// Encode encodes op and payload into a text frame.
func Encode(op int, payload any) ([]byte, error) {
	out, err := json.Marshal(outFrame{Op: op, D: payload})
	if err != nil {
		return nil, err
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(out), maxPayloadSize)
	}
	return out, nil
}

type dispatchFrame struct {
	Op int    `json:"op"`
	D  any    `json:"d"`
	S  int64  `json:"s"`
	T  string `json:"t"`
}

// EncodeDispatch encodes a dispatch frame (op 0) carrying a sequence number and event tag.
func EncodeDispatch(seq int64, tag string, payload any) ([]byte, error) {
	out, err := json.Marshal(dispatchFrame{Op: 0, D: payload, S: seq, T: tag})
	if err != nil {
		return nil, err
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(out), maxPayloadSize)
	}
	return out, nil
}

// GatewayURL appends the version query to a bare gateway address.
func GatewayURL(base string) string {
	return strings.TrimSuffix(base, "/") + "/" + GatewayQuery
}

// Decode decodes a text frame. The payload references the input data - do not modify it.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.New("data too short")
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Inflate decompresses a zlib-compressed binary frame.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("inflated frame exceeds maximum %d bytes", maxPayloadSize)
	}
	return out, nil
}

// Unmarshal decodes a payload with the frame codec.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal encodes a value with the frame codec.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
