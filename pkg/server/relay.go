package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Relay owns the queue of accepted posts awaiting broadcast and the set of
// subscribed connections. Session handlers enqueue; a single broadcaster
// goroutine drains and fans out. The broadcaster wakes on the enqueue
// signal or on a short poll tick; the tick exists only so the shutdown
// flag is re-checked, an empty wake-up is not an error.
type Relay struct {
	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}

	subMu sync.RWMutex
	subs  map[uint64]*SafeConn

	poll    time.Duration
	metrics *Metrics
	log     zerolog.Logger
}

// NewRelay creates a relay. poll bounds how long the broadcaster sleeps
// without re-checking shutdown.
func NewRelay(poll time.Duration, metrics *Metrics, log zerolog.Logger) *Relay {
	return &Relay{
		wake:    make(chan struct{}, 1),
		subs:    make(map[uint64]*SafeConn),
		poll:    poll,
		metrics: metrics,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// Enqueue appends an accepted post's envelope bytes and signals the
// broadcaster. The bytes are forwarded verbatim.
func (r *Relay) Enqueue(raw []byte) {
	r.mu.Lock()
	r.queue = append(r.queue, raw)
	depth := len(r.queue)
	r.mu.Unlock()

	r.metrics.SetRelayQueueDepth(depth)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Subscribe adds a connection to the fan-out set.
func (r *Relay) Subscribe(sessionID uint64, conn *SafeConn) {
	r.subMu.Lock()
	r.subs[sessionID] = conn
	r.subMu.Unlock()
}

// Unsubscribe removes a connection. Safe to call for never-subscribed
// sessions.
func (r *Relay) Unsubscribe(sessionID uint64) {
	r.subMu.Lock()
	delete(r.subs, sessionID)
	r.subMu.Unlock()
}

// Subscribers returns the current fan-out set size.
func (r *Relay) Subscribers() int {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return len(r.subs)
}

// Run drains the queue until shutdown closes. Posts pulled from the queue
// keep their enqueue order; fan-out order across subscribers for one post
// is unspecified.
func (r *Relay) Run(shutdown <-chan struct{}) {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-r.wake:
		case <-timer.C:
			// Poll tick: nothing to do unless the queue is non-empty.
		}

		r.drain()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.poll)
	}
}

func (r *Relay) drain() {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	r.metrics.SetRelayQueueDepth(0)

	r.subMu.RLock()
	conns := make([]*SafeConn, 0, len(r.subs))
	for _, c := range r.subs {
		conns = append(conns, c)
	}
	r.subMu.RUnlock()

	delivered := 0
	for _, raw := range batch {
		for _, conn := range conns {
			if err := conn.WriteLine(raw); err != nil {
				// The owning session notices the broken connection on its
				// next read and cleans up; nothing to do here.
				r.log.Debug().Err(err).Msg("fan-out write failed")
				continue
			}
			delivered++
		}
	}
	r.metrics.RecordRelayDeliveries(delivered)
}
