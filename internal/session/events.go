package session

import (
	"encoding/base64"
	"sync"

	"github.com/shehryarbajwa/portalgate/internal/login"
)

// eventHub fans one attempt's state transitions out to any number of
// watchers. New subscribers first replay the transitions they missed,
// so a watcher attached mid-handshake still sees the whole story.
type eventHub struct {
	mu      sync.Mutex
	subs    map[chan login.Event]struct{}
	history []login.Event
	closed  bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan login.Event]struct{})}
}

func (h *eventHub) publish(e login.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.history = append(h.history, e)
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// Slow watcher; it still has the rest of the buffer.
		}
	}
}

func (h *eventHub) subscribe() (<-chan login.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan login.Event, 32)
	for _, e := range h.history {
		ch <- e
	}
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

func encodePNG(img []byte) string {
	if len(img) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(img)
}
