package api

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/service"
	"github.com/lemonberrylabs/yrunner/pkg/store"
)

// DefaultWatchInterval is how often a watched directory is rescanned.
const DefaultWatchInterval = 2 * time.Second

// Watcher keeps the scripts of a directory deployed. Each *.yaml or *.yml
// file becomes a script whose id is the lowercased file name without its
// extension. Changed files start a new revision and removed files delete
// their script.
type Watcher struct {
	svc    *service.Service
	dir    string
	logger zerolog.Logger
	cron   gocron.Scheduler

	mu    sync.Mutex
	known map[string]string // script id -> file name
}

// NewWatcher creates a watcher for dir. Call Scan for a single pass or
// Start to poll.
func NewWatcher(svc *service.Service, dir string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		svc:    svc,
		dir:    dir,
		logger: logger,
		known:  make(map[string]string),
	}
}

// Scan deploys the directory once and returns the number of scripts
// created or updated.
func (w *Watcher) Scan() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reading scripts directory: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]string)
	changed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		base := strings.TrimSuffix(name, ext)
		id := strings.ToLower(base)
		if err := store.ValidateID(id); err != nil {
			w.logger.Warn().Str("file", name).Msg("skipping file with invalid script id")
			continue
		}
		if prev, dup := seen[id]; dup {
			w.logger.Warn().Str("file", name).Str("other", prev).Msg("skipping file with duplicate script id")
			continue
		}
		seen[id] = name

		data, err := os.ReadFile(filepath.Join(w.dir, name))
		if err != nil {
			w.logger.Warn().Err(err).Str("file", name).Msg("could not read script")
			continue
		}

		_, updated, err := w.svc.PutScript(&store.Script{
			ID:          id,
			Description: "loaded from " + name,
			Source:      string(data),
		})
		if err != nil {
			w.logger.Warn().Err(err).Str("file", name).Msg("could not deploy script")
			continue
		}
		if updated {
			changed++
			w.logger.Info().Str("script", id).Str("file", name).Msg("deployed script")
		}
	}

	for id, name := range w.known {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := w.svc.DeleteScript(id); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn().Err(err).Str("script", id).Msg("could not remove script")
			seen[id] = name
			continue
		}
		w.logger.Info().Str("script", id).Str("file", name).Msg("removed script")
	}
	w.known = seen
	return changed, nil
}

// Start rescans the directory every interval until Stop.
func (w *Watcher) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	c, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = c.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := w.Scan(); err != nil {
				w.logger.Error().Err(err).Str("dir", w.dir).Msg("directory scan failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	w.cron = c
	c.Start()
	return nil
}

// Stop ends polling.
func (w *Watcher) Stop() error {
	if w.cron == nil {
		return nil
	}
	return w.cron.Shutdown()
}

// WatchDir deploys every script in dir and keeps polling it for changes.
func (s *Server) WatchDir(dir string, interval time.Duration) error {
	w := NewWatcher(s.svc, dir, s.logger.With().Str("dir", dir).Logger())
	n, err := w.Scan()
	if err != nil {
		return err
	}
	s.logger.Info().Str("dir", dir).Int("scripts", n).Msg("loaded scripts directory")
	if err := w.Start(interval); err != nil {
		return err
	}
	s.watcher = w
	return nil
}
