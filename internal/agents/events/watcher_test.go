package events

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomagent/loom/internal/config"
	"github.com/loomagent/loom/internal/infra"
)

func writeEventFile(t *testing.T, dir, name string, ev FileEvent) string {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write event file: %v", err)
	}
	return path
}

func TestWatcher_ImmediateDispatchAndDelete(t *testing.T) {
	dir := t.TempDir()
	queue := infra.NewSystemEventsQueue()
	path := writeEventFile(t, dir, "e1.json", FileEvent{
		Type:      typeImmediate,
		Text:      "hello",
		ChannelID: "main",
	})

	w := NewWatcher(config.EventsConfig{Dir: dir}, queue, nil, nil)
	w.scan()

	if !queue.HasEvents("main") {
		t.Fatal("expected event to be enqueued")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected immediate event file to be deleted")
	}
}

func TestWatcher_ImmediateWakeTriggersRequestNow(t *testing.T) {
	dir := t.TempDir()
	queue := infra.NewSystemEventsQueue()
	writeEventFile(t, dir, "e1.json", FileEvent{
		Type:      typeImmediate,
		Text:      "wake up",
		ChannelID: "main",
		Wake:      "now",
	})

	var woken string
	w := NewWatcher(config.EventsConfig{Dir: dir}, queue, func(channelID string) {
		woken = channelID
	}, nil)
	w.scan()

	if woken != "main" {
		t.Errorf("expected requestNow to fire for 'main', got %q", woken)
	}
}

func TestWatcher_ScheduledNotYetDuePersists(t *testing.T) {
	dir := t.TempDir()
	queue := infra.NewSystemEventsQueue()
	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	path := writeEventFile(t, dir, "e1.json", FileEvent{
		Type:      typeScheduled,
		Text:      "later",
		ChannelID: "main",
		At:        future,
	})

	w := NewWatcher(config.EventsConfig{Dir: dir}, queue, nil, nil)
	w.scan()

	if queue.HasEvents("main") {
		t.Error("event should not fire before its scheduled time")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("file should persist until its scheduled time arrives")
	}
}

func TestWatcher_ScheduledDueFiresAndDeletes(t *testing.T) {
	dir := t.TempDir()
	queue := infra.NewSystemEventsQueue()
	past := time.Now().Add(-time.Minute).Format(time.RFC3339)
	path := writeEventFile(t, dir, "e1.json", FileEvent{
		Type:      typeScheduled,
		Text:      "due",
		ChannelID: "main",
		At:        past,
	})

	w := NewWatcher(config.EventsConfig{Dir: dir}, queue, nil, nil)
	w.scan()

	if !queue.HasEvents("main") {
		t.Fatal("expected due scheduled event to fire")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected scheduled event file to be deleted after firing")
	}
}

func TestWatcher_RecurringPersistsAcrossFirings(t *testing.T) {
	dir := t.TempDir()
	queue := infra.NewSystemEventsQueue()
	path := writeEventFile(t, dir, "e1.json", FileEvent{
		Type:      typeRecurring,
		Text:      "tick",
		ChannelID: "main",
		Schedule:  "* * * * *",
	})

	w := NewWatcher(config.EventsConfig{Dir: dir}, queue, nil, nil)
	w.scan() // first sighting arms the schedule, does not fire

	if queue.HasEvents("main") {
		t.Error("recurring event should not fire on first sighting")
	}

	w.mu.Lock()
	w.lastFired[path] = time.Now().Add(-2 * time.Minute)
	w.mu.Unlock()

	w.scan()
	if !queue.HasEvents("main") {
		t.Error("expected recurring event to fire once its schedule elapsed")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("recurring event file should persist across firings")
	}
}

func TestWatcher_UnknownTypeDropped(t *testing.T) {
	dir := t.TempDir()
	queue := infra.NewSystemEventsQueue()
	path := writeEventFile(t, dir, "e1.json", FileEvent{
		Type:      "bogus",
		Text:      "nope",
		ChannelID: "main",
	})

	w := NewWatcher(config.EventsConfig{Dir: dir}, queue, nil, nil)
	w.scan()

	if queue.HasEvents("main") {
		t.Error("unknown event type should not enqueue")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("unknown event type file should be removed")
	}
}

func TestWatcher_StartAndStop(t *testing.T) {
	dir := t.TempDir()
	queue := infra.NewSystemEventsQueue()
	w := NewWatcher(config.EventsConfig{Dir: dir}, queue, nil, nil)
	w.pollInterval = 10 * time.Millisecond

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}
