package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel names carried on the envelope.
const (
	ChannelShell   = "shell"
	ChannelIOPub   = "iopub"
	ChannelControl = "control"
	ChannelStdin   = "stdin"
)

// Version is the message protocol version stamped on outgoing headers.
const Version = "5.3"

// Header identifies one message.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

// Envelope is the wire shape of a message. Parts stay raw so signatures are
// computed over exactly what travelled.
type Envelope struct {
	Channel      string          `json:"channel,omitempty"`
	Header       json.RawMessage `json:"header"`
	ParentHeader json.RawMessage `json:"parent_header"`
	Metadata     json.RawMessage `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Signature    string          `json:"signature,omitempty"`
}

// DecodeHeader parses the envelope header.
func (e Envelope) DecodeHeader() (Header, error) {
	if len(e.Header) == 0 || string(e.Header) == "null" {
		return Header{}, ErrMissingHeader
	}
	var h Header
	if err := json.Unmarshal(e.Header, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMissingHeader, err)
	}
	return h, nil
}

// Request is the part of an outgoing message supplied by a fixture.
type Request struct {
	MsgType string          `json:"msg_type"`
	Content json.RawMessage `json:"content"`
}

// Reply is one received message.
type Reply struct {
	Envelope Envelope
	// Raw is the envelope as received on the channel.
	Raw []byte
}

// Instance decodes the raw reply into generic JSON values for validation.
func (r *Reply) Instance() (any, error) {
	var v any
	if err := json.Unmarshal(r.Raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return v, nil
}

// NewEnvelope builds an unsigned shell message for req within session.
func NewEnvelope(session, username string, req Request) (Envelope, Header, error) {
	h := Header{
		MsgID:    uuid.NewString(),
		MsgType:  req.MsgType,
		Session:  session,
		Username: username,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		Version:  Version,
	}
	header, err := json.Marshal(h)
	if err != nil {
		return Envelope{}, Header{}, err
	}
	content := req.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	return Envelope{
		Channel:      ChannelShell,
		Header:       header,
		ParentHeader: json.RawMessage(`{}`),
		Metadata:     json.RawMessage(`{}`),
		Content:      content,
	}, h, nil
}

// ReplyType maps a request message type to its reply type.
func ReplyType(msgType string) string {
	return strings.TrimSuffix(msgType, "_request") + "_reply"
}
