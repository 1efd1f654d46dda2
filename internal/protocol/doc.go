// Package protocol owns the kernel wire contract.
//
// Ownership boundary:
// - message envelope and header shapes
// - HMAC message signing
// - transport codecs (newline-delimited JSON, length-prefixed frames)
package protocol
