package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/dj-oyu/licenseai-gateway/internal/logger"
)

var log = logger.For("Codec")

// maxLoggedLine bounds how much of a bad line ends up in the log
const maxLoggedLine = 256

// Decoder splits a worker output stream into protocol messages.
// A Decoder belongs to exactly one worker generation and is not safe for
// concurrent use; the process handle feeds it from a single goroutine.
type Decoder struct {
	buf []byte

	// OnMalformed, if set, is called for every line that is not valid JSON
	OnMalformed func(line []byte)
}

// NewDecoder returns an empty Decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the buffer and returns every complete message.
// The trailing unterminated segment stays buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	d.buf = append(d.buf, chunk...)

	var msgs []json.RawMessage
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(d.buf[:i])
		d.buf = d.buf[i+1:]

		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			d.malformed(line)
			continue
		}
		// Copy out: line aliases d.buf, which later appends may overwrite
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		msgs = append(msgs, msg)
	}

	// Release consumed prefix once the buffer drains
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return msgs
}

// Buffered returns the number of bytes waiting for a terminating newline
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) malformed(line []byte) {
	shown := line
	if len(shown) > maxLoggedLine {
		shown = shown[:maxLoggedLine]
	}
	log.Error("Failed to parse response from inference service: %q (%d bytes)", shown, len(line))
	if d.OnMalformed != nil {
		d.OnMalformed(line)
	}
}
