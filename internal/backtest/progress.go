package backtest

import "sync"

// progressHub fans progress frames out to websocket subscribers keyed
// by run ID. Publishing never blocks: slow subscribers drop frames.
type progressHub struct {
	mu    sync.Mutex
	feeds map[string][]chan Progress
}

func newProgressHub() *progressHub {
	return &progressHub{feeds: make(map[string][]chan Progress)}
}

// Subscribe registers a listener for the run. The returned cancel
// function must be called when the listener goes away.
func (h *progressHub) Subscribe(id string) (<-chan Progress, func()) {
	ch := make(chan Progress, 16)

	h.mu.Lock()
	h.feeds[id] = append(h.feeds[id], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.feeds[id]
		for i, sub := range subs {
			if sub == ch {
				h.feeds[id] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		if len(h.feeds[id]) == 0 {
			delete(h.feeds, id)
		}
	}
	return ch, cancel
}

// Publish sends a frame to every subscriber of the run.
func (h *progressHub) Publish(id string, p Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.feeds[id] {
		select {
		case ch <- p:
		default:
		}
	}
}

// Finish sends the terminal frame and closes all subscriptions for the
// run.
func (h *progressHub) Finish(id string, p Progress) {
	p.Done = true

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.feeds[id] {
		select {
		case ch <- p:
		default:
		}
		close(ch)
	}
	delete(h.feeds, id)
}
