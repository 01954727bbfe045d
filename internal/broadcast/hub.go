// internal/broadcast/hub.go
package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

// AllRuns subscribes to events from every run.
const AllRuns = ""

// Message is one run event as delivered to subscribers.
type Message struct {
	RunID string
	Event models.Event
}

// Hub fans run events out to live subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type Hub struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string][]chan Message
	isShutdown  bool

	dropped      atomic.Int64
	shutdownOnce sync.Once
}

// NewHub creates a hub whose subscriber channels hold bufferSize messages.
func NewHub(logger *zap.Logger, bufferSize int) *Hub {
	if bufferSize < 0 {
		bufferSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:      logger.Named("broadcast_hub"),
		bufferSize:  bufferSize,
		subscribers: make(map[string][]chan Message),
	}
}

// Broadcast delivers ev to subscribers of runID and of AllRuns.
func (h *Hub) Broadcast(runID string, ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.isShutdown {
		return
	}

	msg := Message{RunID: runID, Event: ev}
	deliver := func(subs []chan Message) {
		for _, ch := range subs {
			select {
			case ch <- msg:
			default:
				h.dropped.Add(1)
				h.logger.Debug("Subscriber buffer full; dropping event.",
					zap.String("run_id", runID), zap.Int("seq", ev.Seq))
			}
		}
	}
	deliver(h.subscribers[runID])
	if runID != AllRuns {
		deliver(h.subscribers[AllRuns])
	}
}

// Subscribe returns a channel of events for runID (or AllRuns) and a function
// that detaches it. The channel is closed on unsubscribe or Shutdown.
func (h *Hub) Subscribe(runID string) (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isShutdown {
		closed := make(chan Message)
		close(closed)
		return closed, func() {}
	}

	ch := make(chan Message, h.bufferSize)
	h.subscribers[runID] = append(h.subscribers[runID], ch)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subscribers[runID]
			for i, c := range subs {
				if c == ch {
					h.subscribers[runID] = append(subs[:i:i], subs[i+1:]...)
					if len(h.subscribers[runID]) == 0 {
						delete(h.subscribers, runID)
					}
					// Shutdown already closed it otherwise.
					close(ch)
					break
				}
			}
		})
	}
	return ch, unsubscribe
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Shutdown closes every subscriber channel. Later broadcasts are ignored.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.isShutdown = true
		n := 0
		for _, subs := range h.subscribers {
			for _, ch := range subs {
				close(ch)
				n++
			}
		}
		h.subscribers = make(map[string][]chan Message)
		h.logger.Info("Broadcast hub shut down.", zap.Int("subscribers_closed", n), zap.Int64("dropped", h.Dropped()))
	})
}
