// Package conventions loads scheduling lookup tables from a YAML file and keeps the
// active projector in sync with it.
package conventions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	yaml "go.yaml.in/yaml/v3"

	"github.com/drfirst/go-medsched/internal/schedule"
)

// reloadDebounce absorbs the burst of write events editors emit for one save.
const reloadDebounce = 250 * time.Millisecond

// Load reads conventions from a YAML file. Sections left out of the file keep their
// default values.
func Load(path string) (*schedule.Conventions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conventions: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML conventions.
func Parse(data []byte) (*schedule.Conventions, error) {
	var c schedule.Conventions
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	def := schedule.DefaultConventions()
	if c.FrequencyTimes == nil {
		c.FrequencyTimes = def.FrequencyTimes
	}
	if c.Categories == nil {
		c.Categories = def.Categories
	}
	if c.SpreadStartHour == 0 && c.SpreadEndHour == 0 {
		c.SpreadStartHour, c.SpreadEndHour = def.SpreadStartHour, def.SpreadEndHour
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conventions: %w", err)
	}
	return &c, nil
}

// Source hands out the projector built from the current conventions.
type Source struct {
	path      string
	logger    *zap.Logger
	projector atomic.Pointer[schedule.Projector]
}

// NewSource creates a source. An empty path serves the default conventions and
// never reloads.
func NewSource(path string, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{path: path, logger: logger}

	conv := schedule.DefaultConventions()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		conv = loaded
	}
	s.projector.Store(schedule.NewProjector(conv))
	return s, nil
}

// Static returns a source that always serves conv.
func Static(conv *schedule.Conventions) *Source {
	s := &Source{logger: zap.NewNop()}
	s.projector.Store(schedule.NewProjector(conv))
	return s
}

// Projector returns the projector for the active conventions.
func (s *Source) Projector() *schedule.Projector {
	return s.projector.Load()
}

// Reload re-reads the file. On error the previous conventions stay active.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	conv, err := Load(s.path)
	if err != nil {
		return err
	}
	s.projector.Store(schedule.NewProjector(conv))
	return nil
}

// Watch reloads the conventions whenever the file changes until ctx is done.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	base := filepath.Base(s.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	reload := func() {
		if err := s.Reload(); err != nil {
			s.logger.Warn("conventions reload failed, keeping previous tables",
				zap.String("path", s.path),
				zap.Error(err))
			return
		}
		s.logger.Info("conventions reloaded", zap.String("path", s.path))
	}

	s.logger.Info("watching conventions file", zap.String("path", s.path))
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			timerMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("conventions watcher error", zap.Error(err))
		}
	}
}
