// Package remote provides unit tests for the event feed listener.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

// recordingSink captures every refresh the listener delivers.
type recordingSink struct {
	mu         sync.Mutex
	properties []*models.CachedProperty
	deletions  []int64
	transfers  []*models.CachedTransfer
}

func (s *recordingSink) ApplyPropertyRefresh(p *models.CachedProperty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties = append(s.properties, p)
	return nil
}

func (s *recordingSink) ApplyPropertyDeletion(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletions = append(s.deletions, id)
	return nil
}

func (s *recordingSink) ApplyTransferRefresh(t *models.CachedTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, t)
	return nil
}

func (s *recordingSink) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.properties), len(s.deletions), len(s.transfers)
}

// feedServer upgrades the connection and writes the given raw messages.
func feedServer(t *testing.T, messages [][]byte) (*httptest.Server, chan string) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	auth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, auth
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func envelope(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	msg, err := json.Marshal(Envelope{Type: eventType, Data: raw, Timestamp: time.Now().Unix()})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return msg
}

func waitForSink(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestListenerDispatchesEvents(t *testing.T) {
	messages := [][]byte{
		envelope(t, EventPropertyUpdated, models.CachedProperty{ID: 1, Name: "M4A1 Carbine", SerialNumber: "W123"}),
		envelope(t, EventPropertyDeleted, map[string]int64{"id": 2}),
		envelope(t, EventTransferUpdated, models.CachedTransfer{ID: 3, Status: models.TransferStatusApproved}),
	}
	srv, auth := feedServer(t, messages)
	defer srv.Close()

	sink := &recordingSink{}
	listener := NewEventListener(wsURL(srv), &testCreds{token: "tok-123"}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)

	if !waitForSink(t, func() bool {
		p, d, tr := sink.counts()
		return p == 1 && d == 1 && tr == 1
	}) {
		p, d, tr := sink.counts()
		t.Fatalf("Expected 1/1/1 dispatched, got %d/%d/%d", p, d, tr)
	}

	if got := <-auth; got != "Bearer tok-123" {
		t.Errorf("Expected the credential on the handshake, got %q", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.properties[0].Name != "M4A1 Carbine" {
		t.Errorf("Expected the property decoded, got %+v", sink.properties[0])
	}
	if sink.deletions[0] != 2 {
		t.Errorf("Expected deletion of id 2, got %d", sink.deletions[0])
	}
	if sink.transfers[0].Status != models.TransferStatusApproved {
		t.Errorf("Expected the transfer decoded, got %+v", sink.transfers[0])
	}
}

func TestListenerSkipsMalformedAndUnknownEvents(t *testing.T) {
	messages := [][]byte{
		[]byte(`not json at all`),
		envelope(t, "audit.logged", map[string]string{"who": "someone"}),
		envelope(t, EventPropertyUpdated, models.CachedProperty{ID: 5, Name: "Compass"}),
	}
	srv, _ := feedServer(t, messages)
	defer srv.Close()

	sink := &recordingSink{}
	listener := NewEventListener(wsURL(srv), &testCreds{token: "tok"}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)

	if !waitForSink(t, func() bool {
		p, _, _ := sink.counts()
		return p == 1
	}) {
		t.Fatal("Expected the well-formed event to arrive despite the garbage before it")
	}

	_, d, tr := sink.counts()
	if d != 0 || tr != 0 {
		t.Errorf("Expected nothing else dispatched, got deletions=%d transfers=%d", d, tr)
	}
}

func TestListenerStopsOnCancel(t *testing.T) {
	srv, _ := feedServer(t, nil)
	defer srv.Close()

	sink := &recordingSink{}
	listener := NewEventListener(wsURL(srv), &testCreds{token: "tok"}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		listener.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return after cancellation")
	}
}
