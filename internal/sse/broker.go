// Package sse implements a Server-Sent Events broker for graph version and
// learner updates.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/starford/veritas/internal/models"
)

// Event types.
const (
	EventVersionCommitted  = "version.committed"
	EventEmbeddingsUpdated = "embeddings.updated"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// VersionCommitted is the payload of a version.committed event.
type VersionCommitted struct {
	Version       models.VersionID `json:"version"`
	Summary       string           `json:"summary"`
	CommittedAt   time.Time        `json:"committed_at"`
	Vertices      []string         `json:"vertices"`
	Relationships []string         `json:"relationships"`
}

// EmbeddingsUpdated is the payload of an embeddings.updated event. Domains
// accumulate across the throttle window.
type EmbeddingsUpdated struct {
	Domains []string         `json:"domains"`
	Version models.VersionID `json:"version"`
}

type embeddingsReq struct {
	domains []string
	version models.VersionID
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients + embeddings throttle state). Public methods communicate with this loop
// through channels, so no mutexes are required.
type Broker struct {
	embeddingsMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	embeddingsCh  chan embeddingsReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker with the given embeddings throttle interval.
func NewBroker(embeddingsThrottle time.Duration) *Broker {
	if embeddingsThrottle <= 0 {
		embeddingsThrottle = 2 * time.Second
	}

	b := &Broker{
		embeddingsMin: embeddingsThrottle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		embeddingsCh:  make(chan embeddingsReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		lastEmbeddings time.Time
		pending        = make(map[string]struct{})
		pendingVersion models.VersionID
		flushTimer     *time.Timer
		flushC         <-chan time.Time
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		msg := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)
		raw := []byte(msg)

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		domains := make([]string, 0, len(pending))
		for d := range pending {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		broadcast(Event{Type: EventEmbeddingsUpdated, Data: EmbeddingsUpdated{Domains: domains, Version: pendingVersion}})
		clear(pending)
		lastEmbeddings = time.Now()
	}

	for {
		select {
		case <-b.stopCh:
			if flushTimer != nil {
				flushTimer.Stop()
			}
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.embeddingsCh:
			for _, d := range req.domains {
				pending[d] = struct{}{}
			}
			pendingVersion = max(pendingVersion, req.version)
			if flushC != nil {
				continue
			}
			if wait := b.embeddingsMin - time.Since(lastEmbeddings); wait > 0 {
				flushTimer = time.NewTimer(wait)
				flushC = flushTimer.C
				continue
			}
			flush()

		case <-flushC:
			flushC = nil
			flushTimer = nil
			flush()

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishVersion broadcasts a version.committed event for v.
func (b *Broker) PublishVersion(v models.Version) {
	b.Publish(Event{Type: EventVersionCommitted, Data: VersionCommitted{
		Version:       v.ID,
		Summary:       v.Summary,
		CommittedAt:   v.CommittedAt,
		Vertices:      nonNil(v.VertexIDs()),
		Relationships: nonNil(v.RelationshipIDs()),
	}})
}

// PublishEmbeddings queues a throttled embeddings.updated event. Its
// signature matches the learner's update hook.
func (b *Broker) PublishEmbeddings(domains []string, v models.VersionID) {
	if b.closed.Load() || len(domains) == 0 {
		return
	}
	select {
	case b.embeddingsCh <- embeddingsReq{domains: domains, version: v}:
	case <-b.stopped:
	}
}

// Follow publishes every version received on versions until ctx is done
// or the channel closes.
func (b *Broker) Follow(ctx context.Context, versions <-chan models.Version) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-versions:
			if !ok {
				return nil
			}
			b.PublishVersion(v)
		}
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
