// Package push adapts the publish/subscribe delivery channel into an
// inbound event stream the synchronization controller can consume.
//
// A Subscription has a scoped lifetime: it is created by whichever
// component needs it and released by a single Close call registered at
// creation time. There is no shared global registry of channels.
//
// The engine tolerates duplication and reordering on this stream, so
// the adapter makes no delivery guarantees beyond forwarding frames in
// arrival order.
package push

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/events"
)

// eventBuffer is the capacity of the outbound event channel. The
// dispatch loop normally drains faster than the network delivers; the
// buffer only smooths bursts.
const eventBuffer = 64

// Subscription is an inbound push-event stream. Events() is closed when
// the stream terminates, whether by Close or by a transport error.
type Subscription interface {
	Events() <-chan events.Event
	Close() error
}

// WebsocketSubscription consumes push frames from a websocket endpoint
// and decodes them into tagged events.
type WebsocketSubscription struct {
	conn   *websocket.Conn
	events chan events.Event
	done   chan struct{}

	mu        sync.Mutex
	onError   func(error)
	termErr   error
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the push endpoint and starts the read loop. The
// header can carry authentication.
func Dial(ctx context.Context, endpoint string, header http.Header) (*WebsocketSubscription, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"endpoint": endpoint,
	}).Info("Connecting to push channel")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing push channel (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing push channel: %w", err)
	}

	s := &WebsocketSubscription{
		conn:   conn,
		events: make(chan events.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events returns the decoded event stream. The channel is closed when
// the subscription ends.
func (s *WebsocketSubscription) Events() <-chan events.Event {
	return s.events
}

// OnError registers a callback invoked when the read loop exits with a
// transport error. It is not invoked on a deliberate Close. If the
// stream already terminated with an error, fn is invoked immediately.
func (s *WebsocketSubscription) OnError(fn func(error)) {
	s.mu.Lock()
	if err := s.termErr; err != nil {
		s.mu.Unlock()
		fn(err)
		return
	}
	s.onError = fn
	s.mu.Unlock()
}

func (s *WebsocketSubscription) readLoop() {
	defer close(s.events)

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Deliberate close; not an error.
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("Push channel read failed")
				s.mu.Lock()
				s.termErr = err
				fn := s.onError
				s.mu.Unlock()
				if fn != nil {
					fn(err)
				}
			}
			return
		}

		ev, err := events.Decode(frame)
		if err != nil {
			// Unknown or malformed frames are dropped; the stream must
			// survive additive server-side event kinds.
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Dropping undecodable push frame")
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Close tears the subscription down. Safe to call more than once.
func (s *WebsocketSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		// Best-effort close frame so the server can release the
		// channel promptly.
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()

		logrus.WithFields(logrus.Fields{
			"function": "Close",
		}).Info("Push subscription closed")
	})
	return s.closeErr
}
