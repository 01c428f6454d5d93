package core

// L1LogSource is a push stream of deposit events from the L1 bridge
// contract. The websocket implementation reconnects with backoff on drop
// so the deposit indexer sees one continuous event feed.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// L1LogSource is the interface the deposit indexer depends on.
type L1LogSource interface {
	// Events returns a channel of deposit events and a channel that's
	// closed (possibly carrying a final error) when the source gives up.
	Events(ctx context.Context) (<-chan DepositLogEvent, <-chan error)
}

// WebsocketL1LogSource subscribes to an L1 node's deposit-event feed over
// a websocket connection, reconnecting with backoff on drop.
type WebsocketL1LogSource struct {
	URL string
}

func NewWebsocketL1LogSource(url string) *WebsocketL1LogSource {
	return &WebsocketL1LogSource{URL: url}
}

func (w *WebsocketL1LogSource) Events(ctx context.Context) (<-chan DepositLogEvent, <-chan error) {
	events := make(chan DepositLogEvent, 256)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		backoff := time.Second
		const maxBackoff = 30 * time.Second

		for {
			if ctx.Err() != nil {
				return
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.URL, nil)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second

			if readErr := w.readLoop(ctx, conn, events); readErr != nil {
				select {
				case errs <- readErr:
				default:
				}
			}
			conn.Close()
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return events, errs
}

func (w *WebsocketL1LogSource) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- DepositLogEvent) error {
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: l1 log source read: %v", ErrDepositIngest, err)
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var ev DepositLogEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// Unparsable log: skip, never fatal.
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// StaticL1LogSource replays a fixed slice of events, for tests.
type StaticL1LogSource struct {
	Events_ []DepositLogEvent
}

func (s *StaticL1LogSource) Events(ctx context.Context) (<-chan DepositLogEvent, <-chan error) {
	events := make(chan DepositLogEvent, len(s.Events_))
	errs := make(chan error)
	for _, ev := range s.Events_ {
		events <- ev
	}
	close(events)
	close(errs)
	return events, errs
}
