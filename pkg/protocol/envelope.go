package protocol

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage reports a line that could not be decoded as an
	// envelope. Fatal to the connection on the server side.
	ErrMalformedMessage = errors.New("malformed message")
)

// Envelope is the signed wire unit: one JSON object per line.
//
// The message payload is kept as the raw bytes that were serialized (or
// received), because the signature covers those exact bytes. Re-marshalling
// a decoded struct is never byte-stable enough to verify against, so the
// codec signs what it wrote and verifies what it read.
type Envelope struct {
	Message         json.RawMessage `json:"message"`
	Sig             string          `json:"sig"`
	KeyHash         string          `json:"keyHash"`
	ProtocolVersion string          `json:"protocolVersion"`

	// data is the decoded form of Message, populated by NewEnvelope and
	// DecodeEnvelope. Not serialized.
	data *MessageData
}

// Data returns the decoded MessageData carried by the envelope.
func (e *Envelope) Data() *MessageData {
	return e.data
}

// Encode serializes the envelope to a single JSON line (no trailing newline).
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NewEnvelope serializes data, signs the serialization with kp's private
// key (RSA PKCS#1 v1.5 over SHA-512) and wraps it with the key fingerprint
// and protocol version.
func NewEnvelope(data *MessageData, kp *KeyPair) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	sig, err := kp.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	return &Envelope{
		Message:         raw,
		Sig:             sig,
		KeyHash:         Fingerprint(kp.PublicB64),
		ProtocolVersion: ProtocolVersion,
		data:            data,
	}, nil
}

// DecodeEnvelope parses one wire line into an Envelope. It checks structure
// only (valid JSON, required fields present); signature verification is a
// separate step because it needs a previously-bound public key.
func DecodeEnvelope(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(env.Message) == 0 || env.Sig == "" {
		return nil, fmt.Errorf("%w: missing message or sig", ErrMalformedMessage)
	}

	var data MessageData
	if err := json.Unmarshal(env.Message, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if data.Type == "" {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedMessage)
	}

	env.data = &data
	return &env, nil
}

// Verify checks the envelope's signature against the supplied base64
// public key. It recomputes the digest over the exact message bytes the
// envelope carries. Any failure (bad key, bad signature encoding, payload
// mismatch) yields false; callers cannot distinguish the causes.
func (e *Envelope) Verify(publicKeyB64 string) bool {
	pub, err := ParsePublicKey(publicKeyB64)
	if err != nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(e.Sig)
	if err != nil {
		return false
	}

	digest := sha512.Sum512(e.Message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA512, digest[:], sig) == nil
}

// Sign produces a base64 RSA PKCS#1 v1.5 SHA-512 signature over data.
func (kp *KeyPair) Sign(data []byte) (string, error) {
	digest := sha512.Sum512(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, kp.Private, crypto.SHA512, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
