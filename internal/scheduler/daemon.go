package scheduler

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ericroliver/tinyscheduler/internal/config"
	"github.com/ericroliver/tinyscheduler/internal/logging"
)

// Daemon runs reconciliation passes on an interval until a termination
// signal arrives. A lease file disappearing between ticks (a supervisor
// finishing) triggers an early pass so freed slots refill promptly.
type Daemon struct {
	cfg        *config.Config
	reconciler *Reconciler
	logger     *logging.Logger
}

func NewDaemon(cfg *config.Config, rec *Reconciler, logger *logging.Logger) *Daemon {
	return &Daemon{cfg: cfg, reconciler: rec, logger: logger}
}

// Run blocks until shutdown. The pass in flight when the first signal
// arrives completes; a second signal forces exit.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		d.logger.Infof("received signal=%s, finishing current pass", sig)
		cancel()
		sig = <-sigCh
		d.logger.Warnf("received second signal=%s, forcing exit", sig)
		os.Exit(1)
	}()

	trigger := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warnf("create lease watcher: %v (falling back to interval only)", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(d.cfg.RunningDir); err != nil {
			d.logger.Warnf("watch lease dir: %v (falling back to interval only)", err)
		} else {
			go d.watchLeases(ctx, watcher, trigger)
		}
	}

	ticker := time.NewTicker(d.cfg.LoopInterval)
	defer ticker.Stop()

	d.logger.Infof("daemon starting pid=%d interval=%s", os.Getpid(), d.cfg.LoopInterval)

	d.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("daemon shutting down")
			return nil
		case <-ticker.C:
			d.pass(ctx)
		case <-trigger:
			d.pass(ctx)
		}
	}
}

func (d *Daemon) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// A pass that has started runs to completion: shutdown stops the next
	// pass, not the remote calls of this one.
	if _, err := d.reconciler.Reconcile(context.WithoutCancel(ctx)); err != nil {
		d.logger.Errorf("reconciliation pass failed: %v", err)
	}
}

// watchLeases coalesces lease-file removals into pass triggers. The
// debounce lets a burst of supervisor exits produce one pass.
func (d *Daemon) watchLeases(ctx context.Context, watcher *fsnotify.Watcher, trigger chan<- struct{}) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Remove) || !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(time.Second, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warnf("lease watcher: %v", err)
		}
	}
}
