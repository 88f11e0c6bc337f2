package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceUpsertCreatesOnce(t *testing.T) {
	p := NewPresence()

	p.Upsert("keyA", "alice", 100)
	p.Upsert("keyA", "alice", 200)

	assert.Equal(t, 1, p.Len(), "same (key, nick) must update in place")

	recs := p.Since(0)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(200), recs[0].JoinTime)
	assert.Equal(t, StatusOnline, recs[0].Status)
}

func TestPresenceDistinctIdentities(t *testing.T) {
	p := NewPresence()

	p.Upsert("keyA", "alice", 100)
	p.Upsert("keyB", "alice", 110) // same nick, different key
	p.Upsert("keyA", "al", 120)    // same key, different nick

	assert.Equal(t, 3, p.Len())
}

func TestPresenceSetStatus(t *testing.T) {
	p := NewPresence()
	p.Upsert("keyA", "alice", 100)

	p.SetStatus("keyA", "alice", StatusOffline)
	recs := p.Since(0)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusOffline, recs[0].Status)

	// Reconnect flips it back and refreshes join time.
	p.Upsert("keyA", "alice", 500)
	recs = p.Since(0)
	assert.Equal(t, StatusOnline, recs[0].Status)
	assert.Equal(t, int64(500), recs[0].JoinTime)

	// Unknown identity is a no-op.
	p.SetStatus("nope", "nobody", StatusOffline)
	assert.Equal(t, 1, p.Len())
}

func TestPresenceSinceFilter(t *testing.T) {
	p := NewPresence()
	p.Upsert("keyA", "alice", 100)
	p.Upsert("keyB", "bob", 200)
	p.Upsert("keyC", "carol", 300)

	recs := p.Since(200)
	require.Len(t, recs, 2, "since is inclusive")
	assert.Equal(t, "bob", recs[0].Nick)
	assert.Equal(t, "carol", recs[1].Nick)

	assert.Empty(t, p.Since(301))
	assert.Len(t, p.Since(0), 3)
}

func TestPresenceSinceReturnsCopies(t *testing.T) {
	p := NewPresence()
	p.Upsert("keyA", "alice", 100)

	recs := p.Since(0)
	recs[0].Status = StatusOffline

	fresh := p.Since(0)
	assert.Equal(t, StatusOnline, fresh[0].Status, "mutating a snapshot must not touch the store")
}
