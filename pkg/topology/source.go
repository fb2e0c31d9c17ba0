package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Source delivers point-in-time topology snapshots.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// FileSource reads the topology from a YAML document.
type FileSource struct {
	path   string
	logger *zap.Logger
}

func NewFileSource(path string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{
		path:   path,
		logger: logger.With(zap.String("component", "topology-source")),
	}
}

func (s *FileSource) Path() string {
	return s.path
}

func (s *FileSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes and validates a YAML topology document.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return &snap, nil
}

// Watch calls onChange whenever the topology file is rewritten, until ctx is
// done. The parent directory is watched so editors that replace the file by
// rename are picked up too. Bursts of events are coalesced over debounce.
func (s *FileSource) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	s.logger.Info("Watching topology file", zap.String("path", s.path))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			s.logger.Debug("Topology file changed", zap.String("path", s.path))
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Topology watcher error", zap.Error(err))

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}

// StaticSource serves a fixed snapshot; useful for tests and embedding.
type StaticSource struct {
	Current *Snapshot
}

func (s *StaticSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s.Current == nil {
		return &Snapshot{}, nil
	}
	return s.Current, nil
}
