package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lugchat/lugchat/pkg/protocol"
)

func appendAt(h *History, receivedAt int64, marker string) {
	h.appendAt([]byte(`{"m":"`+marker+`"}`), &protocol.MessageData{Type: protocol.TypePost}, receivedAt)
}

func TestHistoryBoundsEmpty(t *testing.T) {
	h := NewHistory()
	oldest, latest := h.Bounds()
	assert.Zero(t, oldest)
	assert.Zero(t, latest)
	assert.Zero(t, h.Len())
}

func TestHistoryBounds(t *testing.T) {
	h := NewHistory()
	appendAt(h, 100, "a")
	appendAt(h, 250, "b")
	appendAt(h, 900, "c")

	oldest, latest := h.Bounds()
	assert.Equal(t, int64(100), oldest)
	assert.Equal(t, int64(900), latest)
	assert.Equal(t, 3, h.Len())
}

func TestHistoryRangeInclusive(t *testing.T) {
	h := NewHistory()
	appendAt(h, 99, "before")
	appendAt(h, 100, "start")
	appendAt(h, 150, "mid")
	appendAt(h, 200, "end")
	appendAt(h, 201, "after")

	got := h.Range(100, 200)
	assert.Len(t, got, 3, "both bounds are inclusive; 99 and 201 are out")
	assert.Equal(t, `{"m":"start"}`, string(got[0]))
	assert.Equal(t, `{"m":"mid"}`, string(got[1]))
	assert.Equal(t, `{"m":"end"}`, string(got[2]))
}

func TestHistoryRangeEmptyResult(t *testing.T) {
	h := NewHistory()
	appendAt(h, 50, "a")

	got := h.Range(100, 200)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestHistoryAppendCopiesRaw(t *testing.T) {
	h := NewHistory()
	raw := []byte(`{"m":"x"}`)
	h.appendAt(raw, &protocol.MessageData{Type: protocol.TypePost}, 1)
	raw[len(raw)-3] = 'y'

	got := h.Range(0, 10)
	assert.Equal(t, `{"m":"x"}`, string(got[0]))
}

func TestHistoryReceiptOrderMatchesAppendOrder(t *testing.T) {
	h := NewHistory()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Append([]byte(`{}`), &protocol.MessageData{Type: protocol.TypePost})
			}
		}()
	}
	wg.Wait()

	oldest, latest := h.Bounds()

	h.mu.RLock()
	times := make([]int64, len(h.entries))
	for i, e := range h.entries {
		times[i] = e.ReceivedAt
	}
	h.mu.RUnlock()

	assert.Len(t, times, 400)
	for i := 1; i < len(times); i++ {
		// Stamped under the lock, so entry order never inverts receipt time.
		assert.LessOrEqual(t, times[i-1], times[i])
	}
	assert.Equal(t, times[0], oldest)
	assert.Equal(t, times[len(times)-1], latest)
}
