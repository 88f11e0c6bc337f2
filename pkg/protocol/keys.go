package protocol

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

// KeyBits is the RSA key size used for generated identities.
const KeyBits = 2048

// KeyPair is a participant identity. PublicB64 is the wire-visible form:
// base64 of the PKIX DER encoding.
type KeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	PublicB64 string
}

// GenerateKeyPair creates a fresh RSA identity.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return newKeyPair(priv)
}

func newKeyPair(priv *rsa.PrivateKey) (*KeyPair, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &KeyPair{
		Private:   priv,
		Public:    &priv.PublicKey,
		PublicB64: base64.StdEncoding.EncodeToString(der),
	}, nil
}

// LoadOrCreateKeyPair loads a persisted identity from the two key files,
// or generates and persists a fresh one when either file is missing.
// The two files are never cross-checked: a mismatched pair loads fine and
// simply fails verification at runtime.
func LoadOrCreateKeyPair(pubPath, privPath string) (*KeyPair, error) {
	_, pubErr := os.Stat(pubPath)
	_, privErr := os.Stat(privPath)
	if pubErr != nil || privErr != nil {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := kp.Save(pubPath, privPath); err != nil {
			return nil, err
		}
		return kp, nil
	}

	privB64, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	privDER, err := base64.StdEncoding.DecodeString(string(privB64))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", key)
	}

	pubB64, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := ParsePublicKey(string(pubB64))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return &KeyPair{
		Private:   priv,
		Public:    pub,
		PublicB64: string(pubB64),
	}, nil
}

// Save persists the identity as two base64 DER files (PKIX public,
// PKCS#8 private).
func (kp *KeyPair) Save(pubPath, privPath string) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(kp.PublicB64), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(privDER)), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// ParsePublicKey decodes a base64 PKIX DER public key.
func ParsePublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", key)
	}
	return pub, nil
}

// Fingerprint is the hex MD5 of the base64-encoded public key. Display
// and dedup only; never a trust decision.
func Fingerprint(publicKeyB64 string) string {
	sum := md5.Sum([]byte(publicKeyB64))
	return hex.EncodeToString(sum[:])
}
