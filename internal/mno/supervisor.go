package mno

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/metrics"
	"github.com/thrillee/smsgateway/internal/notification"
	"github.com/thrillee/smsgateway/pkg/codes"
)

const (
	defaultStopGrace = 30 * time.Second
	reloadDebounce   = 250 * time.Millisecond
)

var (
	ErrVendorExists   = errors.New("vendor already exists")
	ErrVendorNotFound = errors.New("vendor not found")
	ErrSupervisorDown = errors.New("vendor supervisor is shut down")
)

// ConfigReloadError reports a vendors file that could not be applied. The
// previously loaded vendors stay in effect.
type ConfigReloadError struct {
	Path string
	Err  error
}

func (e *ConfigReloadError) Error() string {
	return fmt.Sprintf("reload vendors config %s: %v", e.Path, e.Err)
}

func (e *ConfigReloadError) Unwrap() error { return e.Err }

// WorkerFactory builds the channel for an enabled vendor.
type WorkerFactory func(conf VendorConf) OutboundChannel

// NewWorkerFactory returns a factory that builds SMPP workers, or the HTTP
// stand-in for HTTP vendors.
func NewWorkerFactory(opts WorkerOptions, deps WorkerDeps) WorkerFactory {
	return func(conf VendorConf) OutboundChannel {
		if conf.TransportType() == codes.VendorTypeHTTP {
			return NewHTTPWorker(conf)
		}
		return NewSMPPWorker(conf, opts, deps)
	}
}

// Supervisor keeps one running worker per enabled vendor in the vendors file.
type Supervisor struct {
	path      string
	factory   WorkerFactory
	notifier  notification.Notifier
	stopGrace time.Duration

	mu      sync.Mutex
	runCtx  context.Context
	vendors []VendorConf
	workers map[string]OutboundChannel
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher
	closed  bool
}

func NewSupervisor(path string, factory WorkerFactory, notifier notification.Notifier, stopGrace time.Duration) *Supervisor {
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	return &Supervisor{
		path:      path,
		factory:   factory,
		notifier:  notifier,
		stopGrace: stopGrace,
		runCtx:    context.Background(),
		workers:   make(map[string]OutboundChannel),
	}
}

func (s *Supervisor) Path() string { return s.path }

// Start creates the vendors file when missing, loads it, and optionally
// watches it for external edits. Workers run under ctx. A rejected initial
// file is returned as *ConfigReloadError after the watch is in place, so a
// corrected file is still picked up.
func (s *Supervisor) Start(ctx context.Context, watch bool) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	if err := s.ensureFile(); err != nil {
		return err
	}
	reloadErr := s.ForceReload(ctx)
	var cfgErr *ConfigReloadError
	if reloadErr != nil && !errors.As(reloadErr, &cfgErr) {
		return reloadErr
	}
	if watch {
		if err := s.watch(ctx); err != nil {
			return err
		}
	}
	return reloadErr
}

func (s *Supervisor) ensureFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat vendors config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create vendors config directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte("[]"), 0o644); err != nil {
		return fmt.Errorf("create vendors config: %w", err)
	}
	slog.Info("Created empty vendors config", slog.String("path", s.path))
	return nil
}

// watch follows the directory so editors that replace the file are seen.
func (s *Supervisor) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create vendors config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch vendors config: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	target := filepath.Clean(s.path)
	go func() {
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				slog.DebugContext(ctx, "Vendors config changed", slog.String("op", event.Op.String()))
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := s.ForceReload(ctx); err != nil && !errors.Is(err, ErrSupervisorDown) {
						slog.ErrorContext(ctx, "Vendors config reload after file change failed", slog.Any("error", err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.ErrorContext(ctx, "Vendors config watcher error", slog.Any("error", err))
			}
		}
	}()

	slog.InfoContext(ctx, "Watching vendors config", slog.String("path", s.path))
	return nil
}

// ForceReload reads the vendors file and synchronizes workers with it.
func (s *Supervisor) ForceReload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Supervisor) reloadLocked(ctx context.Context) error {
	if s.closed {
		return ErrSupervisorDown
	}
	vendors, err := s.readFile()
	if err != nil {
		metrics.VendorReloads.WithLabelValues("error").Inc()
		reloadErr := &ConfigReloadError{Path: s.path, Err: err}
		slog.ErrorContext(ctx, "Vendors config rejected, keeping previous configuration", slog.Any("error", reloadErr))
		if s.notifier != nil {
			if nerr := s.notifier.Send(ctx, operatorRecipient, "Vendors config rejected", reloadErr.Error()); nerr != nil {
				slog.WarnContext(ctx, "Failed to send notification", slog.Any("error", nerr))
			}
		}
		return reloadErr
	}

	s.vendors = vendors
	s.syncLocked(ctx)
	metrics.VendorReloads.WithLabelValues("ok").Inc()
	slog.InfoContext(ctx, "Vendors config applied", slog.Int("vendors", len(vendors)), slog.Int("workers", len(s.workers)))
	return nil
}

func (s *Supervisor) readFile() ([]VendorConf, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("file is empty")
	}
	var vendors []VendorConf
	if err := json.Unmarshal(raw, &vendors); err != nil {
		return nil, err
	}
	if vendors == nil {
		return nil, errors.New("file does not contain a vendor list")
	}
	return vendors, nil
}

func (s *Supervisor) syncLocked(ctx context.Context) {
	enabled := make(map[string]VendorConf, len(s.vendors))
	for _, v := range s.vendors {
		if v.Enabled {
			enabled[v.ID] = v
		}
	}

	for id := range s.workers {
		if _, ok := enabled[id]; !ok {
			s.stopWorkerLocked(ctx, id)
		}
	}

	for _, v := range s.vendors {
		if !v.Enabled {
			continue
		}
		current, ok := s.workers[v.ID]
		switch {
		case !ok:
			s.startWorkerLocked(ctx, v)
		case !current.Config().Equal(v):
			slog.InfoContext(logging.ContextWithVendorID(ctx, v.ID), "Vendor configuration changed, restarting worker")
			s.stopWorkerLocked(ctx, v.ID)
			s.startWorkerLocked(ctx, v)
		}
	}
}

func (s *Supervisor) startWorkerLocked(ctx context.Context, conf VendorConf) {
	ch := s.factory(conf)
	s.workers[conf.ID] = ch

	runCtx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch.Run(runCtx)
	}()
	slog.InfoContext(logging.ContextWithVendorID(ctx, conf.ID), "Vendor worker started",
		slog.String("type", conf.TransportType()),
		slog.Int("active_workers", len(s.workers)),
	)
}

func (s *Supervisor) stopWorkerLocked(ctx context.Context, id string) {
	ch, ok := s.workers[id]
	if !ok {
		return
	}
	ch.Stop()
	delete(s.workers, id)
	slog.InfoContext(logging.ContextWithVendorID(ctx, id), "Vendor worker stopped")
}

func (s *Supervisor) indexLocked(id string) int {
	for i, v := range s.vendors {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// AddVendor appends conf to the vendors file and applies it.
func (s *Supervisor) AddVendor(ctx context.Context, conf VendorConf) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(conf.ID) >= 0 {
		return fmt.Errorf("%w: %q", ErrVendorExists, conf.ID)
	}
	next := append(s.cloneVendorsLocked(), conf)
	return s.persistLocked(ctx, next)
}

// UpdateVendor replaces the vendor with the same id.
func (s *Supervisor) UpdateVendor(ctx context.Context, conf VendorConf) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(conf.ID)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrVendorNotFound, conf.ID)
	}
	next := s.cloneVendorsLocked()
	next[idx] = conf
	return s.persistLocked(ctx, next)
}

func (s *Supervisor) RemoveVendor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrVendorNotFound, id)
	}
	next := s.cloneVendorsLocked()
	next = append(next[:idx], next[idx+1:]...)
	return s.persistLocked(ctx, next)
}

// Persist writes vendors to the file and reloads it.
func (s *Supervisor) Persist(ctx context.Context, vendors []VendorConf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx, append([]VendorConf{}, vendors...))
}

func (s *Supervisor) persistLocked(ctx context.Context, vendors []VendorConf) error {
	if s.closed {
		return ErrSupervisorDown
	}
	if vendors == nil {
		vendors = []VendorConf{}
	}
	out, err := json.MarshalIndent(vendors, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vendors config: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0o644); err != nil {
		return fmt.Errorf("write vendors config %s: %w", s.path, err)
	}
	slog.InfoContext(ctx, "Persisted vendors config", slog.String("path", s.path), slog.Int("vendors", len(vendors)))
	return s.reloadLocked(ctx)
}

func (s *Supervisor) cloneVendorsLocked() []VendorConf {
	return append([]VendorConf{}, s.vendors...)
}

// Vendors returns a copy of the loaded vendor configs.
func (s *Supervisor) Vendors() []VendorConf {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneVendorsLocked()
}

func (s *Supervisor) Worker(id string) (OutboundChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.workers[id]
	return ch, ok
}

// Workers returns a copy of the running workers by vendor id.
func (s *Supervisor) Workers() map[string]OutboundChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]OutboundChannel, len(s.workers))
	for id, ch := range s.workers {
		out[id] = ch
	}
	return out
}

// Shutdown stops every worker and waits for them to exit, at most the stop
// grace period or until ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			slog.WarnContext(ctx, "Error closing vendors config watcher", slog.Any("error", err))
		}
		s.watcher = nil
	}
	for id := range s.workers {
		s.stopWorkerLocked(ctx, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.stopGrace)
	defer timer.Stop()
	select {
	case <-done:
		slog.InfoContext(ctx, "All vendor workers stopped")
		return nil
	case <-timer.C:
		slog.WarnContext(ctx, "Timed out waiting for vendor workers to stop", slog.Duration("grace", s.stopGrace))
		return fmt.Errorf("vendor workers still running after %s", s.stopGrace)
	case <-ctx.Done():
		slog.WarnContext(ctx, "Shutdown interrupted before vendor workers stopped")
		return ctx.Err()
	}
}
