package gateway

import (
	"sync"

	"github.com/signalsfoundry/traffic-gateway/model"
)

// Notification tells connected agents that an episode published a step
// or reached a terminal state.
type Notification struct {
	ExperimentID string
	EpisodeID    string
	Step         int64
	Status       model.EpisodeStatus
	Terminal     bool
	Reason       string
	Metrics      *model.StepMetrics
}

// Hub fans notifications out to per-episode subscribers. Publishing never
// blocks: a subscriber that falls behind loses its oldest notification.
type Hub struct {
	mu     sync.Mutex
	buffer int
	next   int
	subs   map[string]map[int]chan Notification
}

// NewHub returns a hub whose subscriber channels hold buffer
// notifications.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[int]chan Notification)}
}

// Subscribe returns a channel of notifications for episodeID; an empty
// id receives every episode. cancel closes the channel.
func (h *Hub) Subscribe(episodeID string) (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Notification, h.buffer)
	if h.subs[episodeID] == nil {
		h.subs[episodeID] = make(map[int]chan Notification)
	}
	h.subs[episodeID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[episodeID], id)
			if len(h.subs[episodeID]) == 0 {
				delete(h.subs, episodeID)
			}
			close(ch)
		})
	}
}

// Publish delivers n to the episode's subscribers and the wildcard ones.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range []string{n.EpisodeID, ""} {
		for _, ch := range h.subs[key] {
			deliver(ch, n)
		}
		if n.EpisodeID == "" {
			break
		}
	}
}

func deliver(ch chan Notification, n Notification) {
	for {
		select {
		case ch <- n:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
