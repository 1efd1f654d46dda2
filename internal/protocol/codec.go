package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/kernelctl/internal/protocol/frame"
)

// Transport names accepted in kernel specs and connection info.
const (
	TransportJSONL = "jsonl"
	TransportFrame = "frame"
)

// DefaultMaxMessageBytes bounds a single inbound message.
const DefaultMaxMessageBytes = 8 * 1024 * 1024

// Codec reads and writes envelopes on one byte stream pair.
// ReadMessage returns io.EOF when the peer closed the stream cleanly.
type Codec interface {
	WriteMessage(env Envelope) error
	ReadMessage() (Envelope, []byte, error)
}

// NormalizeTransport maps an empty transport to the default.
func NormalizeTransport(transport string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "", TransportJSONL:
		return TransportJSONL, nil
	case TransportFrame:
		return TransportFrame, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
	}
}

func NewCodec(transport string, r io.Reader, w io.Writer, maxBytes int) (Codec, error) {
	name, err := NormalizeTransport(transport)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	if name == TransportFrame {
		return &frameCodec{
			r:      r,
			w:      w,
			limits: frame.Limits{MaxPayloadBytes: uint64(maxBytes)},
		}, nil
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, min(4096, maxBytes)), maxBytes)
	return &lineCodec{scanner: s, w: w}, nil
}

func decodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// lineCodec speaks one JSON envelope per line.
type lineCodec struct {
	scanner *bufio.Scanner
	mu      sync.Mutex
	w       io.Writer
}

func (c *lineCodec) WriteMessage(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.w.Write(payload)
	return err
}

// ReadMessage skips blank lines and anything that does not look like a JSON
// object, so kernel startup banners on stdout are tolerated.
func (c *lineCodec) ReadMessage() (Envelope, []byte, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		raw := append([]byte(nil), line...)
		env, err := decodeEnvelope(raw)
		if err != nil {
			return Envelope{}, raw, err
		}
		return env, raw, nil
	}
	if err := c.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Envelope{}, nil, ErrMessageTooLarge
		}
		return Envelope{}, nil, err
	}
	return Envelope{}, nil, io.EOF
}

// frameCodec wraps each JSON envelope in a fixed binary header.
type frameCodec struct {
	r      io.Reader
	mu     sync.Mutex
	w      io.Writer
	limits frame.Limits
	nextID uint64
}

func (c *frameCodec) WriteMessage(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var flags uint32
	if hasParent(env.ParentHeader) {
		flags |= frame.FlagIsReply
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return frame.WriteFrame(c.w, frame.Frame{
		Header: frame.Header{
			MessageID: c.nextID,
			Channel:   channelCode(env.Channel),
			Flags:     flags,
		},
		Payload: payload,
	}, c.limits)
}

func (c *frameCodec) ReadMessage() (Envelope, []byte, error) {
	f, err := frame.ReadFrame(c.r, c.limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, nil, io.EOF
		}
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return Envelope{}, nil, ErrMessageTooLarge
		}
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	env, err := decodeEnvelope(f.Payload)
	if err != nil {
		return Envelope{}, f.Payload, err
	}
	if f.Header.Flags&frame.FlagIsReply != 0 && !hasParent(env.ParentHeader) {
		return Envelope{}, f.Payload, fmt.Errorf("%w: reply frame without parent header", ErrMalformedFrame)
	}
	if env.Channel == "" {
		env.Channel = channelName(f.Header.Channel)
	}
	return env, f.Payload, nil
}

// hasParent reports whether raw is a parent header naming a message.
func hasParent(raw json.RawMessage) bool {
	var p struct {
		MsgID string `json:"msg_id"`
	}
	return json.Unmarshal(raw, &p) == nil && p.MsgID != ""
}

func channelCode(name string) uint32 {
	switch name {
	case ChannelIOPub:
		return frame.ChannelIOPub
	case ChannelControl:
		return frame.ChannelControl
	case ChannelStdin:
		return frame.ChannelStdin
	default:
		return frame.ChannelShell
	}
}

func channelName(code uint32) string {
	switch code {
	case frame.ChannelIOPub:
		return ChannelIOPub
	case frame.ChannelControl:
		return ChannelControl
	case frame.ChannelStdin:
		return ChannelStdin
	default:
		return ChannelShell
	}
}
