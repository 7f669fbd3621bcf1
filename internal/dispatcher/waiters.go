package dispatcher

import (
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// waiters lets POST /api/ask block until the dispatcher's async pipeline
// finalizes the request it just enqueued, without polling the Store.
type waiters struct {
	mu sync.Mutex
	m  map[string]chan *store.Response
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string]chan *store.Response)}
}

func (w *waiters) register(id string) <-chan *store.Response {
	ch := make(chan *store.Response, 1)
	w.mu.Lock()
	w.m[id] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiters) drop(id string) {
	w.mu.Lock()
	delete(w.m, id)
	w.mu.Unlock()
}

func (w *waiters) notify(id string, resp *store.Response) {
	w.mu.Lock()
	ch, ok := w.m[id]
	if ok {
		delete(w.m, id)
	}
	w.mu.Unlock()
	if ok {
		ch <- resp
	}
}
