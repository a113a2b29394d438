package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/climsim/aquaprep/internal/pipeline/config"
)

// DefaultDebounce is how long the watcher waits for the filesystem to
// settle before re-running the pipeline. Simulation output arrives in
// bursts, one file per dump interval.
const DefaultDebounce = 2 * time.Second

// Watcher re-runs a pipeline whenever new files land in its input
// directories. A run in progress is never interrupted; events arriving
// during a run coalesce into a single follow-up trigger.
type Watcher struct {
	Run      func(ctx context.Context) error
	Log      *zap.Logger
	Debounce time.Duration
}

// Watch blocks until ctx is cancelled, running the pipeline after each
// settled burst of events under the steps' input directories.
func (w *Watcher) Watch(ctx context.Context, workdir string, steps []*config.Step) error {
	if w.Run == nil {
		return errors.New("watcher has no run function")
	}
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	dirs := WatchDirs(workdir, steps)
	if len(dirs) == 0 {
		return errors.New("no input directories to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	watched := 0
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			log.Warn("cannot watch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		log.Info("watching", zap.String("dir", dir))
		watched++
	}
	if watched == 0 {
		return errors.New("none of the input directories could be watched")
	}

	trigger := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)

	// Event intake: collapse raw fsnotify events into trigger signals.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case event, ok := <-fsw.Events:
				if !ok {
					return nil
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				log.Debug("input changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
				select {
				case trigger <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return nil
				}
				log.Warn("watch error", zap.Error(err))
			}
		}
	})

	// Dispatch: debounce triggers, then run. New triggers during a run
	// queue at most one follow-up.
	g.Go(func() error {
		timer := time.NewTimer(debounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		armed := false
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-trigger:
				if armed && !timer.Stop() {
					<-timer.C
				}
				timer.Reset(debounce)
				armed = true
			case <-timer.C:
				armed = false
				log.Info("inputs settled, running pipeline")
				if err := w.Run(gctx); err != nil {
					log.Error("pipeline run failed", zap.Error(err))
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
