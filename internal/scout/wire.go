// Package scout is the wire protocol between a scanning helper process and
// the catalog: scan results stream back as length-prefixed JSON frames so a
// large walk never buffers in memory.
package scout

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"casparian/internal/catalog"
	"casparian/internal/core"
)

// MessageType discriminates wire messages.
type MessageType string

const (
	MessageBatch    MessageType = "batch"
	MessageProgress MessageType = "progress"
	MessageError    MessageType = "error"
	MessageDone     MessageType = "done"
)

// Progress reports scan liveness.
type Progress struct {
	Dirs  int64 `json:"dirs"`
	Files int64 `json:"files"`
	Bytes int64 `json:"bytes"`
}

// WireMessage is the union flowing over the scan channel. Exactly one of
// the payload fields is set, matching Type.
type WireMessage struct {
	Type     MessageType           `json:"type"`
	Batch    []catalog.ScannedFile `json:"batch,omitempty"`
	Progress *Progress             `json:"progress,omitempty"`
	Error    string                `json:"error,omitempty"`
	Done     *catalog.ScanStats    `json:"done,omitempty"`
}

// DefaultMaxFrame bounds one frame. A batch larger than this is a protocol
// error, not a bigger allocation.
const DefaultMaxFrame = 8 << 20

// Encoder writes u32-LE length-prefixed frames.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message.
func (e *Encoder) Encode(msg *WireMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return core.Wrap(core.KindSerialization, err, "marshal wire message")
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := e.w.Write(prefix[:]); err != nil {
		return core.Wrap(core.KindIO, err, "write frame length")
	}
	if _, err := e.w.Write(payload); err != nil {
		return core.Wrap(core.KindIO, err, "write frame payload")
	}
	return nil
}

// Decoder reads u32-LE length-prefixed frames with a max-frame guard.
type Decoder struct {
	r        io.Reader
	maxFrame uint32
}

// NewDecoder creates a decoder. maxFrame <= 0 uses DefaultMaxFrame.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{r: r, maxFrame: uint32(maxFrame)}
}

// Decode reads one message. A clean end of stream returns io.EOF.
func (d *Decoder) Decode() (*WireMessage, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, core.Wrap(core.KindProtocolViolation, err, "read frame length")
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > d.maxFrame {
		return nil, core.E(core.KindProtocolViolation,
			"frame of %d bytes exceeds the %d byte limit", n, d.maxFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, core.Wrap(core.KindProtocolViolation, err, "read frame payload")
	}
	var msg WireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, core.Wrap(core.KindProtocolViolation, err, "unmarshal wire message")
	}
	switch msg.Type {
	case MessageBatch, MessageProgress, MessageError, MessageDone:
		return &msg, nil
	}
	return nil, core.E(core.KindProtocolViolation, "unknown wire message type %q", msg.Type)
}
