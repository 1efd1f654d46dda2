package protocol

import "errors"

var (
	ErrMalformedFrame   = errors.New("protocol: malformed frame")
	ErrMessageTooLarge  = errors.New("protocol: message too large")
	ErrBadSignature     = errors.New("protocol: signature mismatch")
	ErrUnknownTransport = errors.New("protocol: unknown transport")
	ErrMissingHeader    = errors.New("protocol: missing header")
)
