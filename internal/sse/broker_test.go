package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/veritas/internal/models"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "version.committed", Data: map[string]int{"version": 7}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: version.committed") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"version":7`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func drain(ch chan []byte) []string {
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestPublishEmbeddings_Throttle(t *testing.T) {
	b := NewBroker(200 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// First update goes out immediately.
	b.PublishEmbeddings([]string{"geography"}, 1)
	// The next two fall inside the window and coalesce into one event.
	b.PublishEmbeddings([]string{"physics"}, 2)
	b.PublishEmbeddings([]string{"geography"}, 3)

	time.Sleep(50 * time.Millisecond)
	first := drain(ch)
	if len(first) != 1 {
		t.Fatalf("events before window = %d, want 1: %q", len(first), first)
	}
	if !strings.Contains(first[0], `"domains":["geography"],"version":1`) {
		t.Errorf("unexpected first event %q", first[0])
	}

	time.Sleep(300 * time.Millisecond)
	second := drain(ch)
	if len(second) != 1 {
		t.Fatalf("events after window = %d, want 1: %q", len(second), second)
	}
	if !strings.Contains(second[0], "event: embeddings.updated") {
		t.Errorf("missing event type in %q", second[0])
	}
	if !strings.Contains(second[0], `"domains":["geography","physics"],"version":3`) {
		t.Errorf("domains not coalesced in %q", second[0])
	}
}

func TestPublishVersion(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishVersion(models.Version{ID: 4, Summary: "add lyon", Changes: []models.Change{
		{Kind: models.KindVertex, ID: "lyon", Op: models.OpCreated},
		{Kind: models.KindRelationship, ID: "r-lyon-france", Op: models.OpCreated},
	}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: version.committed") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"version":4`) || !strings.Contains(s, `"vertices":["lyon"]`) {
			t.Errorf("unexpected payload %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestFollow(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	versions := make(chan models.Version, 2)
	versions <- models.Version{ID: 1, Summary: "seed"}
	versions <- models.Version{ID: 2, Summary: "more"}
	close(versions)

	if err := b.Follow(context.Background(), versions); err != nil {
		t.Fatalf("follow: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if !strings.Contains(got[1], `"summary":"more"`) {
		t.Errorf("versions out of order: %q", got)
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	// Start handler in background.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: "version.committed", Data: map[string]int{"version": 1}})
	time.Sleep(50 * time.Millisecond)

	// Cancel context to disconnect.
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: version.committed") {
		t.Errorf("handler output missing event: %q", body)
	}

	// Client should be cleaned up.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
	// If we reach here without deadlock, the test passes.
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.PublishVersion(models.Version{ID: 1})
	b.PublishEmbeddings([]string{"geography"}, 1)
}
