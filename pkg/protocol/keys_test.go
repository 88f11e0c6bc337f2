package protocol

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyPairGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "key.pub")
	privPath := filepath.Join(dir, "key.priv")

	created, err := LoadOrCreateKeyPair(pubPath, privPath)
	require.NoError(t, err)
	require.FileExists(t, pubPath)
	require.FileExists(t, privPath)

	loaded, err := LoadOrCreateKeyPair(pubPath, privPath)
	require.NoError(t, err)
	assert.Equal(t, created.PublicB64, loaded.PublicB64)

	// The reloaded private key must produce signatures the persisted
	// public key verifies.
	data, err := NewMessageData(TypePost, "n", 1, PostContent{PostContent: "x"})
	require.NoError(t, err)
	env, err := NewEnvelope(data, loaded)
	require.NoError(t, err)
	assert.True(t, env.Verify(created.PublicB64))
}

func TestLoadOrCreateKeyPairRegeneratesWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "key.pub")
	privPath := filepath.Join(dir, "key.priv")

	first, err := LoadOrCreateKeyPair(pubPath, privPath)
	require.NoError(t, err)

	require.NoError(t, os.Remove(privPath))

	second, err := LoadOrCreateKeyPair(pubPath, privPath)
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicB64, second.PublicB64, "missing file must trigger a fresh pair")
}

func TestLoadOrCreateKeyPairAcceptsMismatchedPair(t *testing.T) {
	// The two files are never cross-checked; a mismatched pair loads
	// silently and fails verification at runtime.
	dir := t.TempDir()
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, a.Save(filepath.Join(dir, "a.pub"), filepath.Join(dir, "a.priv")))
	require.NoError(t, b.Save(filepath.Join(dir, "b.pub"), filepath.Join(dir, "b.priv")))

	mixed, err := LoadOrCreateKeyPair(filepath.Join(dir, "a.pub"), filepath.Join(dir, "b.priv"))
	require.NoError(t, err, "mismatched pair must load without error")

	data, err := NewMessageData(TypePost, "n", 1, PostContent{PostContent: "x"})
	require.NoError(t, err)
	env, err := NewEnvelope(data, mixed)
	require.NoError(t, err)
	assert.False(t, env.Verify(mixed.PublicB64), "signature from b.priv cannot verify under a.pub")
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("somekey")
	_, err := hex.DecodeString(fp)
	assert.NoError(t, err, "fingerprint must be hex")
	assert.Len(t, fp, 32)

	assert.Equal(t, fp, Fingerprint("somekey"))
	assert.NotEqual(t, fp, Fingerprint("otherkey"))
}
