// Package remote provides the listener for server-pushed refresh events.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toole-brendan/handreceipt-sync/internal/logging"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

// Envelope wraps all event feed messages.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Event types pushed by the server's notification hub.
const (
	EventPropertyUpdated = "property.updated"
	EventPropertyDeleted = "property.deleted"
	EventTransferUpdated = "transfer.updated"
)

// RefreshSink receives server-state refreshes decoded from the event feed.
// The cache implements this; refreshes go through its merge policy, never
// straight into the store.
type RefreshSink interface {
	// ApplyPropertyRefresh merges a server-side property representation.
	ApplyPropertyRefresh(p *models.CachedProperty) error

	// ApplyPropertyDeletion handles a confirmed server-side deletion.
	ApplyPropertyDeletion(id int64) error

	// ApplyTransferRefresh merges a server-side transfer representation.
	ApplyTransferRefresh(t *models.CachedTransfer) error
}

// EventListener maintains a websocket connection to the server's event feed
// and hands decoded refreshes to the sink. Connection drops reconnect with
// exponential backoff; a malformed event is logged and skipped, never fatal.
type EventListener struct {
	url   string
	creds CredentialSource
	sink  RefreshSink

	dialer        *websocket.Dialer
	reconnectBase time.Duration
	reconnectMax  time.Duration
}

// NewEventListener creates an EventListener for the given websocket URL.
func NewEventListener(url string, creds CredentialSource, sink RefreshSink) *EventListener {
	return &EventListener{
		url:   url,
		creds: creds,
		sink:  sink,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		reconnectBase: 2 * time.Second,
		reconnectMax:  time.Minute,
	}
}

// Run connects and consumes the feed until ctx is cancelled. It blocks;
// callers run it in its own goroutine.
func (l *EventListener) Run(ctx context.Context) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.connect(ctx)
		if err != nil {
			attempt++
			delay := l.reconnectDelay(attempt)
			logging.Warn("Event feed connect failed", map[string]interface{}{
				"attempt":       attempt,
				"retry_in_secs": delay.Seconds(),
				"error":         err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		logging.Info("Event feed connected", map[string]interface{}{"url": l.url})
		l.readLoop(ctx, conn)
		conn.Close()
	}
}

// connect dials the feed with the current credential.
func (l *EventListener) connect(ctx context.Context) (*websocket.Conn, error) {
	token, err := l.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop consumes envelopes until the connection breaks or ctx ends.
func (l *EventListener) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn("Event feed disconnected", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			logging.Warn("Dropping malformed event", map[string]interface{}{"error": err.Error()})
			continue
		}

		if err := l.dispatch(&envelope); err != nil {
			logging.Error("Failed to apply event", err, map[string]interface{}{"type": envelope.Type})
		}
	}
}

// dispatch routes one envelope to the sink.
func (l *EventListener) dispatch(envelope *Envelope) error {
	switch envelope.Type {
	case EventPropertyUpdated:
		var p models.CachedProperty
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return err
		}
		return l.sink.ApplyPropertyRefresh(&p)

	case EventPropertyDeleted:
		var payload struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return err
		}
		return l.sink.ApplyPropertyDeletion(payload.ID)

	case EventTransferUpdated:
		var t models.CachedTransfer
		if err := json.Unmarshal(envelope.Data, &t); err != nil {
			return err
		}
		return l.sink.ApplyTransferRefresh(&t)

	default:
		// Unknown event types are ignored; the server may be newer.
		return nil
	}
}

// reconnectDelay computes exponential backoff for reconnect attempts.
func (l *EventListener) reconnectDelay(attempt int) time.Duration {
	delay := l.reconnectBase << uint(attempt-1)
	if delay > l.reconnectMax || delay <= 0 {
		delay = l.reconnectMax
	}
	return delay
}
