// Package bridge invokes parsers as child processes and consumes their
// output: line-delimited JSON control frames on stdout, Arrow IPC record
// batches on a separate data channel. Outputs are gated on schema-hash
// equality against the active contract; rejected rows route to quarantine.
package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"casparian/internal/core"
)

// ProtocolVersion is the control protocol the parent speaks. A child
// announcing any other version is a permanent error.
const ProtocolVersion = 1

// FrameType enumerates control frames.
type FrameType string

const (
	FrameHello       FrameType = "hello"
	FrameOutputBegin FrameType = "output_begin"
	FrameOutputEnd   FrameType = "output_end"
	FrameLog         FrameType = "log"
	FrameProgress    FrameType = "progress"
	FrameError       FrameType = "error"
)

// Frame is one control message. Fields are populated per frame type; the
// zero values of the others are ignored.
type Frame struct {
	Type FrameType `json:"type"`

	// hello
	Protocol      int      `json:"protocol,omitempty"`
	ParserID      string   `json:"parser_id,omitempty"`
	ParserVersion string   `json:"parser_version,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`

	// output_begin / output_end
	Output      string `json:"output,omitempty"`
	SchemaHash  string `json:"schema_hash,omitempty"`
	StreamIndex int    `json:"stream_index"`
	RowsEmitted int64  `json:"rows_emitted,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// progress
	ItemsProcessed int64 `json:"items_processed,omitempty"`
	ItemsTotal     int64 `json:"items_total,omitempty"`

	// error
	Kind        string `json:"kind,omitempty"`
	IsTransient bool   `json:"is_transient,omitempty"`
}

// ParseFrame decodes one control line.
func ParseFrame(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, core.Wrap(core.KindProtocolViolation, err, "malformed control frame")
	}
	switch f.Type {
	case FrameHello, FrameOutputBegin, FrameOutputEnd, FrameLog, FrameProgress, FrameError:
		return &f, nil
	}
	return nil, core.E(core.KindProtocolViolation, "unknown control frame type %q", f.Type)
}

// ReadFrames scans control lines from r and calls fn for each frame until
// EOF. A malformed frame aborts the read.
func ReadFrames(r io.Reader, maxLineBytes int, fn func(*Frame) error) error {
	sc := bufio.NewScanner(r)
	if maxLineBytes <= 0 {
		maxLineBytes = 1 << 20
	}
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := ParseFrame(line)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return core.Wrap(core.KindProtocolViolation, err, "read control channel")
	}
	return nil
}

// WriteFrame encodes one control line, used by the test harness standing in
// for a child parser.
func WriteFrame(w io.Writer, f *Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return core.Wrap(core.KindSerialization, err, "marshal control frame")
	}
	if _, err := fmt.Fprintf(w, "%s\n", b); err != nil {
		return core.Wrap(core.KindIO, err, "write control frame")
	}
	return nil
}
