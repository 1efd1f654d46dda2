package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SignatureScheme is the only scheme the harness speaks.
const SignatureScheme = "hmac-sha256"

// Signer signs and verifies envelopes. A zero Signer (empty key) disables
// signing, matching kernels started without a key.
type Signer struct {
	key []byte
}

func NewSigner(key string) Signer {
	return Signer{key: []byte(key)}
}

func (s Signer) Enabled() bool {
	return len(s.key) > 0
}

// Sign stamps env with its signature.
func (s Signer) Sign(env *Envelope) {
	if !s.Enabled() {
		env.Signature = ""
		return
	}
	env.Signature = s.digest(*env)
}

// Verify checks the envelope signature against the key.
func (s Signer) Verify(env Envelope) error {
	if !s.Enabled() {
		return nil
	}
	want := s.digest(env)
	if !hmac.Equal([]byte(want), []byte(env.Signature)) {
		return ErrBadSignature
	}
	return nil
}

// digest covers header, parent_header, metadata and content in that order.
// Parts are compacted first since encoding/json compacts raw values on write.
func (s Signer) digest(env Envelope) string {
	mac := hmac.New(sha256.New, s.key)
	var buf bytes.Buffer
	for _, part := range []json.RawMessage{env.Header, env.ParentHeader, env.Metadata, env.Content} {
		buf.Reset()
		if len(part) > 0 && json.Compact(&buf, part) == nil {
			mac.Write(buf.Bytes())
			continue
		}
		mac.Write(part)
	}
	return hex.EncodeToString(mac.Sum(nil))
}
