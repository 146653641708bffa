package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultPollInterval = 15 * time.Second

// EventSource is the query surface the watcher polls. Satisfied by *Client.
type EventSource interface {
	QueryEvents(ctx context.Context, kind EventKind, filter EventFilter) ([]Event, error)
}

// WatcherConfig bundles dependencies for a Watcher.
type WatcherConfig struct {
	Source       EventSource
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Watcher polls the ledger for new events and fans them out to subscribers.
// Each subscriber gets an isolated buffered channel; a slow subscriber drops
// messages rather than blocking the poll loop or other subscribers.
type Watcher struct {
	source   EventSource
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	lastSeen    map[EventKind]SequencePosition
	primed      map[EventKind]bool
	bufferSize  int
}

// NewWatcher constructs a watcher; Run must be called to start polling.
func NewWatcher(cfg WatcherConfig) *Watcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		source:      cfg.Source,
		interval:    interval,
		logger:      logger,
		subscribers: make(map[int64]chan Event),
		lastSeen:    make(map[EventKind]SequencePosition),
		primed:      make(map[EventKind]bool),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for new ledger events. The returned cancel
// func unregisters it; cancelling the context does the same.
func (w *Watcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, w.bufferSize)

	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.subscribers[id] = stream
	w.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subscribers, id)
			w.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return stream, cancel
}

// Run polls until the context is cancelled. The first poll only records the
// current ledger frontier so subscribers receive new events, not history.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	for _, kind := range []EventKind{EventDocumentIssued, EventOrganizationAdded, EventOrganizationRemoved} {
		events, err := w.source.QueryEvents(ctx, kind, EventFilter{})
		if err != nil {
			w.logger.Warn("ledger poll failed", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}

		frontier, primed := w.lastSeen[kind], w.primed[kind]
		for _, event := range events {
			if primed && frontier.Before(event.Position) {
				w.publish(event)
			}
			if frontier.Before(event.Position) {
				frontier = event.Position
			}
		}
		w.lastSeen[kind] = frontier
		w.primed[kind] = true
	}
}

func (w *Watcher) publish(event Event) {
	w.mu.RLock()
	streams := make([]chan Event, 0, len(w.subscribers))
	for _, stream := range w.subscribers {
		streams = append(streams, stream)
	}
	w.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}
