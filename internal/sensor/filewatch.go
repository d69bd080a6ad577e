// internal/sensor/filewatch.go
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// Event types emitted by FileWatch.
const (
	FileCreated      = "file_created"
	DirectoryCreated = "directory_created"
	FileModified     = "file_modified"
	FileDeleted      = "file_deleted"
)

// FileWatch watches paths for file events.
type FileWatch struct {
	triggerRef     string
	watchPaths     []string
	onEvents       map[string]bool
	ignorePatterns []string
	debounce       time.Duration
	watcher        *fsnotify.Watcher
	logger         *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	pending map[string]*time.Timer
}

// NewFileWatch creates a core.file_watch sensor. Parameters: path (or
// paths), events (default file_created), ignore_patterns,
// debounce_seconds and run_as_user, whose home directory resolves "~".
func NewFileWatch(t *model.Trigger) (*FileWatch, error) {
	paths := stringsParam(t.Parameters, "paths")
	if p := stringParam(t.Parameters, "path"); p != "" {
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("file watch %s: path is required", t.Ref)
	}

	runAs := stringParam(t.Parameters, "run_as_user")
	var watchPaths []string
	for _, p := range paths {
		watchPaths = append(watchPaths, expandHomeForUser(p, runAs))
	}

	onEvents := make(map[string]bool)
	for _, e := range stringsParam(t.Parameters, "events") {
		onEvents[e] = true
	}
	if len(onEvents) == 0 {
		onEvents[FileCreated] = true
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatch{
		triggerRef:     t.Ref,
		watchPaths:     watchPaths,
		onEvents:       onEvents,
		ignorePatterns: stringsParam(t.Parameters, "ignore_patterns"),
		debounce:       time.Duration(numberParam(t.Parameters, "debounce_seconds") * float64(time.Second)),
		watcher:        watcher,
		logger:         slog.Default().With("sensor", "file_watch", "trigger", t.Ref),
		pending:        make(map[string]*time.Timer),
	}, nil
}

func (f *FileWatch) TriggerRef() string {
	return f.triggerRef
}

func (f *FileWatch) Start(ctx context.Context, events chan<- Event) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return errors.New("file watch already started")
	}
	f.started = true
	f.mu.Unlock()

	for _, path := range f.watchPaths {
		if err := f.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			f.handleEvent(event, events)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("watch error", "error", err)
		}
	}
}

// Stop cancels pending debounce timers and closes the watcher. It may be
// called more than once.
func (f *FileWatch) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for path, timer := range f.pending {
		timer.Stop()
		delete(f.pending, path)
	}
	return f.watcher.Close()
}

func (f *FileWatch) handleEvent(fsEvent fsnotify.Event, events chan<- Event) {
	var eventType string
	switch {
	case fsEvent.Op&fsnotify.Create != 0:
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			eventType = DirectoryCreated
		} else {
			eventType = FileCreated
		}
	case fsEvent.Op&fsnotify.Write != 0:
		eventType = FileModified
	case fsEvent.Op&fsnotify.Remove != 0:
		eventType = FileDeleted
	default:
		return
	}

	if !f.onEvents[eventType] {
		return
	}

	filename := filepath.Base(fsEvent.Name)
	for _, pattern := range f.ignorePatterns {
		if matched, _ := filepath.Match(pattern, filename); matched {
			return
		}
	}

	if f.debounce > 0 {
		f.schedule(fsEvent.Name, eventType, events)
		return
	}
	f.sendEvent(fsEvent.Name, eventType, events)
}

func (f *FileWatch) schedule(path, eventType string, events chan<- Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	if timer, exists := f.pending[path]; exists {
		timer.Stop()
	}
	f.pending[path] = time.AfterFunc(f.debounce, func() {
		f.mu.Lock()
		delete(f.pending, path)
		f.mu.Unlock()
		f.sendEvent(path, eventType, events)
	})
}

func (f *FileWatch) sendEvent(path, eventType string, events chan<- Event) {
	ok := send(events, Event{
		Trigger:   f.triggerRef,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload: payload.Mapping(map[string]payload.Value{
			"file_path":  payload.String(path),
			"file_name":  payload.String(filepath.Base(path)),
			"event_type": payload.String(eventType),
		}),
	})
	if !ok {
		f.logger.Warn("event channel full, dropping file event", "path", path)
	}
}

// expandHomeForUser resolves a leading "~" to the named user's home
// directory, falling back to the current user's.
func expandHomeForUser(path, username string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/")

	if username != "" {
		if u, err := user.Lookup(username); err == nil {
			return filepath.Join(u.HomeDir, rest)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
