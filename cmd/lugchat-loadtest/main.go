// Load generator: spins up N signed clients against a server and posts at
// a fixed aggregate rate, reporting accepts, rejects and relay receipts.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lugchat/lugchat/pkg/client"
	"github.com/lugchat/lugchat/pkg/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type stats struct {
	posted   atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	relayed  atomic.Int64
	errors   atomic.Int64
}

var phrases = []string{
	"checking in",
	"anyone around?",
	"load test traffic",
	"the quick brown fox",
	"ping from the herd",
}

func main() {
	serverAddr := flag.String("server", "localhost:8080", "Server address (host:port or ws://...)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	postsPerSec := flag.Float64("rate", 10, "Aggregate posts per second across all clients")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// One shared limiter paces the whole herd.
	limiter := rate.NewLimiter(rate.Limit(*postsPerSec), 1)
	s := &stats{}

	fmt.Printf("Starting %d clients against %s for %v at %.1f posts/sec\n",
		*numClients, *serverAddr, *duration, *postsPerSec)

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runBot(ctx, id, *serverAddr, limiter, s); err != nil {
				s.errors.Add(1)
				fmt.Fprintf(os.Stderr, "bot %d: %v\n", id, err)
			}
		}(i)
	}
	wg.Wait()

	fmt.Printf("\nposted=%d accepted=%d rejected=%d relayed=%d errors=%d\n",
		s.posted.Load(), s.accepted.Load(), s.rejected.Load(), s.relayed.Load(), s.errors.Load())

	if s.errors.Load() > 0 {
		os.Exit(1)
	}
}

func runBot(ctx context.Context, id int, addr string, limiter *rate.Limiter, s *stats) error {
	keys, err := protocol.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}

	nick := fmt.Sprintf("bot-%d", id)
	conn, err := client.Dial(addr, keys, nick, zerolog.Nop())
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Hello(); err != nil {
		return err
	}

	// Consume events on the side: count verdicts and relayed posts.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range consumeUntil(ctx, conn) {
			switch ev.Kind {
			case client.KindIdentified:
				conn.Subscribe(0)
			case client.KindResponse:
				if ev.Response.To != protocol.TypePost {
					continue
				}
				if ev.Response.Accept {
					s.accepted.Add(1)
				} else {
					s.rejected.Add(1)
				}
			case client.KindPost:
				s.relayed.Add(1)
			case client.KindClosed:
				return
			}
		}
	}()

	for {
		if err := limiter.Wait(ctx); err != nil {
			break // duration elapsed
		}
		text := phrases[rand.Intn(len(phrases))]
		if err := conn.Post(text); err != nil {
			break
		}
		s.posted.Add(1)
	}

	conn.Disconnect()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// consumeUntil adapts the client's event channel to the test context.
func consumeUntil(ctx context.Context, conn *client.Client) <-chan client.Event {
	out := make(chan client.Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-conn.Events():
				select {
				case out <- ev:
				case <-ctx.Done():
					// Keep draining so the pipeline never blocks, but stop
					// forwarding once the run is over.
				}
				if ev.Kind == client.KindClosed {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
