package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"header":{"msg_type":"kernel_info_request"}}`)
	in := Frame{
		Header:  Header{MessageID: 42, Channel: ChannelShell, Flags: FlagIsReply},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Channel != ChannelShell || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if out.Header.Flags&FlagIsReply == 0 {
		t.Fatalf("expected reply flag preserved")
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameInvalidMagic(t *testing.T) {
	buf := EncodeHeader(Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: 8, MessageID: 1})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFramePayloadLimits(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 4}
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 5})
	if _, err := ReadFrame(bytes.NewReader(buf), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := WriteFrame(io.Discard, Frame{Payload: []byte("12345")}, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected write ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 10})
	buf = append(buf, []byte("abc")...)
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}
