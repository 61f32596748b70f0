package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/duraflow/agentrun/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// RunEventType identifies why a run was notified across instances.
type RunEventType string

const (
	// EventAppended fires whenever a journal entry is appended to a run, so
	// instances other than the writer can wake SSE subscribers attached locally.
	EventAppended RunEventType = "appended"
	// EventResumed fires when a suspended run is resumed.
	EventResumed RunEventType = "resumed"
	// EventCancelled fires when a run is cancelled.
	EventCancelled RunEventType = "cancelled"
)

// RunEvent is the payload carried over the run_events LISTEN/NOTIFY channel.
type RunEvent struct {
	RunID string
	Type  RunEventType
}

// RunEventHandler is a callback invoked for every cross-instance run event.
type RunEventHandler func(event RunEvent)

const channel = "run_events"

// Notifier distributes run lifecycle events across run-engine instances using
// PostgreSQL LISTEN/NOTIFY: every event sent with Publish is handed to each
// handler registered through Subscribe on every listening instance. It is
// not connected to the event bus: nothing in this repository publishes run
// events or registers a handler.
type Notifier struct {
	connStr  string
	listener *pq.Listener
	handlers []RunEventHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewNotifier creates a new Notifier instance.
func NewNotifier(conf *config.Config) *Notifier {
	connStr := fmt.Sprintf("postgresql://%v:%v@%v:%v/%v",
		conf.DB_USERNAME, conf.DB_PASSWORD, conf.DB_HOST, conf.DB_PORT, conf.DB_NAME)
	if conf.DISABLE_TLS == "true" {
		connStr = connStr + "?sslmode=disable"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Notifier{
		connStr:  connStr,
		handlers: make([]RunEventHandler, 0),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe adds a handler for run events observed on this instance.
func (n *Notifier) Subscribe(handler RunEventHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

// Start begins listening for notifications.
func (n *Notifier) Start() error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Error("notifier listener error", slog.Any("error", err))
		}
		if ev == pq.ListenerEventConnectionAttemptFailed {
			slog.Warn("notifier connection attempt failed, will retry")
		}
		if ev == pq.ListenerEventDisconnected {
			slog.Warn("notifier disconnected, will attempt reconnect")
		}
		if ev == pq.ListenerEventReconnected {
			slog.Info("notifier reconnected")
		}
	}

	n.listener = pq.NewListener(n.connStr, 10*time.Second, time.Minute, reportProblem)

	if err := n.listener.Listen(channel); err != nil {
		return fmt.Errorf("failed to listen on %s channel: %w", channel, err)
	}

	slog.Info("notifier started listening for run events")

	go n.processNotifications()

	return nil
}

// Stop closes the listener.
func (n *Notifier) Stop() {
	n.cancel()
	if n.listener != nil {
		n.listener.Close()
	}
	slog.Info("notifier stopped")
}

// Publish sends a run event to every instance currently listening on the
// channel, including this one, via pg_notify. db must be a *sqlx.DB on
// the same database as the Notifier's connection string.
func Publish(ctx context.Context, db *sqlx.DB, runID string, eventType RunEventType) error {
	payload := runID + ":" + string(eventType)
	_, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}

func (n *Notifier) processNotifications() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case notification := <-n.listener.Notify:
			if notification == nil {
				continue
			}

			parts := strings.SplitN(notification.Extra, ":", 2)
			if len(parts) != 2 {
				slog.Warn("invalid run event payload", slog.String("payload", notification.Extra))
				continue
			}

			event := RunEvent{
				RunID: parts[0],
				Type:  RunEventType(parts[1]),
			}

			slog.Debug("received run event notification",
				slog.String("run_id", event.RunID),
				slog.String("type", string(event.Type)))

			n.notifyHandlers(event)
		}
	}
}

func (n *Notifier) notifyHandlers(event RunEvent) {
	n.mu.RLock()
	handlers := make([]RunEventHandler, len(n.handlers))
	copy(handlers, n.handlers)
	n.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}
