// Package events watches a directory for JSON event files and dispatches
// them into the system events queue the circuits runner drains each poll.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomagent/loom/internal/cache"
	"github.com/loomagent/loom/internal/config"
	croncore "github.com/loomagent/loom/internal/cron"
	"github.com/loomagent/loom/internal/infra"
)

// dispatchDedupeTTL bounds how long a one-shot event file's path is
// remembered after dispatch, covering the restart race where the process
// crashes after enqueueing but before removing the file.
const dispatchDedupeTTL = 10 * time.Minute

// FileEvent is the on-disk shape of a file dropped into the watched
// directory. One of immediate, scheduled, or recurring.
type FileEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	ChannelID string `json:"channelId"`
	At        string `json:"at,omitempty"`
	Schedule  string `json:"schedule,omitempty"`
	Wake      string `json:"wake,omitempty"`
}

const (
	typeImmediate = "immediate"
	typeScheduled = "scheduled"
	typeRecurring = "recurring"
)

// Watcher polls a directory for event files and dispatches their contents
// into a SystemEventsQueue, optionally forcing an immediate circuits poll.
type Watcher struct {
	dir          string
	pollInterval time.Duration
	queue        *infra.SystemEventsQueue
	requestNow   func(channelID string)
	logger       *slog.Logger

	mu         sync.Mutex
	lastFired  map[string]time.Time // recurring file path -> last dispatch time
	dispatched *cache.DedupeCache   // one-shot file path -> already dispatched
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewWatcher creates a watcher over cfg.Dir. requestNow, if non-nil, is
// called with the event's channel ID when a dispatched event carries
// wake: "now".
func NewWatcher(cfg config.EventsConfig, queue *infra.SystemEventsQueue, requestNow func(channelID string), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = "data/events"
	}
	return &Watcher{
		dir:          dir,
		pollInterval: 5 * time.Second,
		queue:        queue,
		requestNow:   requestNow,
		logger:       logger.With("component", "event_watcher"),
		lastFired:    make(map[string]time.Time),
		dispatched:   cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: dispatchDedupeTTL, MaxSize: 1024}),
	}
}

// Start begins watching in the background. It always runs a polling scan
// on pollInterval (the spec's baseline contract); fsnotify is layered on
// top, where available, to dispatch immediate events without waiting for
// the next tick.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create event dir: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, falling back to polling only", "error", err)
		fsw = nil
	} else if err := fsw.Add(w.dir); err != nil {
		w.logger.Warn("failed to watch event dir, falling back to polling only", "error", err)
		fsw.Close()
		fsw = nil
	}

	go w.run(runCtx, fsw)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	if fsw != nil {
		defer fsw.Close()
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan()
		case event, ok := <-fsNotifyEvents(fsw):
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && strings.HasSuffix(event.Name, ".json") {
				w.dispatchFile(event.Name)
			}
		case err, ok := <-fsNotifyErrors(fsw):
			if !ok {
				continue
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// fsNotifyEvents/fsNotifyErrors return nil channels (which block forever in
// a select) when fsw is nil, so the select above degrades to polling only.
func fsNotifyEvents(fsw *fsnotify.Watcher) chan fsnotify.Event {
	if fsw == nil {
		return nil
	}
	return fsw.Events
}

func fsNotifyErrors(fsw *fsnotify.Watcher) chan error {
	if fsw == nil {
		return nil
	}
	return fsw.Errors
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("read event dir failed", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.dispatchFile(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) dispatchFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		// File may have been deleted by a concurrent dispatch; not an error.
		return
	}
	var ev FileEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		w.logger.Warn("invalid event file, skipping", "path", path, "error", err)
		return
	}

	switch ev.Type {
	case typeImmediate:
		if w.dispatched.Check(path) {
			w.logger.Debug("skipping already-dispatched event file", "path", path)
			_ = os.Remove(path)
			return
		}
		w.queue.EnqueueWithSource(ev.ChannelID, ev.Text, "", "file:immediate")
		w.maybeWake(ev)
		_ = os.Remove(path)
	case typeScheduled:
		at, err := parseTimestamp(ev.At)
		if err != nil {
			w.logger.Warn("scheduled event has invalid 'at', dropping", "path", path, "error", err)
			_ = os.Remove(path)
			return
		}
		if time.Now().Before(at) {
			return
		}
		if w.dispatched.Check(path) {
			w.logger.Debug("skipping already-dispatched event file", "path", path)
			_ = os.Remove(path)
			return
		}
		w.queue.EnqueueWithSource(ev.ChannelID, ev.Text, "", "file:scheduled")
		w.maybeWake(ev)
		_ = os.Remove(path)
	case typeRecurring:
		w.dispatchRecurring(path, ev)
	default:
		w.logger.Warn("unknown event type, dropping", "path", path, "type", ev.Type)
		_ = os.Remove(path)
	}
}

func (w *Watcher) dispatchRecurring(path string, ev FileEvent) {
	schedule, err := croncore.NewSchedule(config.CronScheduleConfig{Cron: ev.Schedule})
	if err != nil {
		w.logger.Warn("recurring event has invalid schedule, dropping", "path", path, "error", err)
		_ = os.Remove(path)
		return
	}

	w.mu.Lock()
	last, seen := w.lastFired[path]
	w.mu.Unlock()
	if !seen {
		// First sighting: arm against now so it fires at the next
		// scheduled tick rather than immediately.
		w.mu.Lock()
		w.lastFired[path] = time.Now()
		w.mu.Unlock()
		return
	}

	next, ok, err := schedule.Next(last)
	if err != nil || !ok {
		return
	}
	if time.Now().Before(next) {
		return
	}

	w.queue.EnqueueWithSource(ev.ChannelID, ev.Text, "", "file:recurring")
	w.maybeWake(ev)
	w.mu.Lock()
	w.lastFired[path] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) maybeWake(ev FileEvent) {
	if w.requestNow == nil {
		return
	}
	if strings.EqualFold(strings.TrimSpace(ev.Wake), "now") {
		w.requestNow(ev.ChannelID)
	}
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %s", value)
}
