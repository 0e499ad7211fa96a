package syncengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RemoteNotice is pushed by the backend when another device commits
// changes this device has not seen.
type RemoteNotice struct {
	Type       string `json:"type"`
	EntityType string `json:"entity_type,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
}

// RemoteNotifier holds a websocket open to the backend and wakes the
// scheduler when remote changes land, instead of waiting out the poll
// interval. Loss of the socket degrades to interval-only sync; it never
// blocks it.
type RemoteNotifier struct {
	config NotifierConfig
	wake   func(RemoteNotice)
	dialer *websocket.Dialer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRemoteNotifier creates a notifier delivering notices to wake.
func NewRemoteNotifier(config NotifierConfig, wake func(RemoteNotice)) *RemoteNotifier {
	return &RemoteNotifier{
		config: config,
		wake:   wake,
		dialer: websocket.DefaultDialer,
	}
}

// Start begins the connect-and-listen loop. Reconnects use exponential
// backoff up to the configured cap.
func (n *RemoteNotifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	n.started = true

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.run(ctx)
}

// Stop closes the socket and waits for the listen loop to exit.
func (n *RemoteNotifier) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	n.cancel()
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *RemoteNotifier) run(ctx context.Context) {
	defer n.wg.Done()

	backoff := n.config.ReconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := n.dialer.DialContext(ctx, n.config.URL, nil)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > n.config.MaxReconnectBackoff {
				backoff = n.config.MaxReconnectBackoff
			}
			continue
		}
		backoff = n.config.ReconnectBackoff

		n.listen(ctx, conn)
		conn.Close()
	}
}

// listen reads notices until the socket breaks or the context ends.
func (n *RemoteNotifier) listen(ctx context.Context, conn *websocket.Conn) {
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
			return
		}
		var notice RemoteNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			// Unknown frames from newer backends are skipped, not fatal.
			continue
		}
		if n.wake != nil {
			n.wake(notice)
		}
	}
}
