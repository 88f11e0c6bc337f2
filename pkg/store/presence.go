package store

import (
	"sync"
)

// Status is a known identity's connection state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Record is a presence directory entry. Identity is the (PublicKey, Nick)
// pair: reconnecting under the same pair updates the record in place, a
// different key reusing the nick is a distinct entry. Records are never
// deleted.
type Record struct {
	PublicKey string
	Nick      string
	JoinTime  int64
	Status    Status
}

type presenceKey struct {
	publicKey string
	nick      string
}

// Presence is the directory of every identity the server has seen.
type Presence struct {
	mu      sync.RWMutex
	records map[presenceKey]*Record
	order   []presenceKey // insertion order, for stable listings
}

func NewPresence() *Presence {
	return &Presence{records: make(map[presenceKey]*Record)}
}

// Upsert marks the identity online, creating its record on first sight or
// refreshing joinTime/status in place on reconnect.
func (p *Presence) Upsert(publicKey, nick string, joinTime int64) {
	k := presenceKey{publicKey: publicKey, nick: nick}

	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[k]; ok {
		rec.JoinTime = joinTime
		rec.Status = StatusOnline
		return
	}
	p.records[k] = &Record{
		PublicKey: publicKey,
		Nick:      nick,
		JoinTime:  joinTime,
		Status:    StatusOnline,
	}
	p.order = append(p.order, k)
}

// SetStatus flips an identity's status. Unknown identities are ignored.
func (p *Presence) SetStatus(publicKey, nick string, status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[presenceKey{publicKey: publicKey, nick: nick}]; ok {
		rec.Status = status
	}
}

// Since returns copies of the records with JoinTime >= since, in first-seen
// order.
func (p *Presence) Since(since int64) []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Record, 0)
	for _, k := range p.order {
		if rec := p.records[k]; rec.JoinTime >= since {
			out = append(out, *rec)
		}
	}
	return out
}

// Len returns the number of known identities.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}
