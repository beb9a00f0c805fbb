// Package protocol implements the line-delimited JSON wire format spoken
// with the inference worker over its stdin/stdout.
//
// Every message is one JSON value terminated by '\n'. The protocol carries
// no request identifiers: the n-th reply on stdout answers the n-th request
// written to stdin.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dj-oyu/licenseai-gateway/pkg/types"
)

// Action names understood by the worker
const (
	ActionPing    = "ping"
	ActionProcess = "process"
	ActionExit    = "exit"
)

// ErrMalformedReply is returned when a syntactically valid line does not
// have the shape of a reply object.
var ErrMalformedReply = errors.New("malformed worker reply")

// Request is a message sent to the worker
type Request struct {
	Action    string `json:"action"`
	ImagePath string `json:"image_path,omitempty"`
}

// Ping returns the liveness probe request
func Ping() Request { return Request{Action: ActionPing} }

// Exit returns the graceful shutdown request. The worker does not reply to it.
func Exit() Request { return Request{Action: ActionExit} }

// Process returns a request to run inference on the image at path
func Process(path string) Request {
	return Request{Action: ActionProcess, ImagePath: path}
}

// Reply is a message received from the worker. A non-empty Error means the
// worker failed that request.
type Reply struct {
	Image  string      `json:"image,omitempty"`
	Boxes  []types.Box `json:"boxes,omitempty"`
	FPS    float64     `json:"fps,omitempty"`
	Error  string      `json:"error,omitempty"`
	Status string      `json:"status,omitempty"`

	// Raw is the line exactly as decoded from the stream
	Raw json.RawMessage `json:"-"`
}

// Failed reports whether the worker flagged the request as failed
func (r Reply) Failed() bool { return r.Error != "" }

// Encode frames msg as a single protocol line
func Encode(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode worker message: %w", err)
	}
	return append(b, '\n'), nil
}

// ParseReply decodes a raw protocol message into a Reply. Only JSON
// objects are replies; null, arrays and scalars are malformed.
func ParseReply(raw json.RawMessage) (Reply, error) {
	if trimmed := bytes.TrimLeft(raw, " \t\r\n"); len(trimmed) == 0 || trimmed[0] != '{' {
		return Reply{Raw: raw}, fmt.Errorf("%w: not a JSON object", ErrMalformedReply)
	}
	var r Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return Reply{Raw: raw}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	r.Raw = raw
	return r, nil
}
