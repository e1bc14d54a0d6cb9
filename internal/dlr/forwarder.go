package dlr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/metrics"
	"github.com/thrillee/smsgateway/internal/sms"
	"github.com/thrillee/smsgateway/internal/sp"
)

// ReceiptSender delivers a DLR back over an inbound SMPP session.
type ReceiptSender interface {
	HasSession(sessionID int64) bool
	SendReceipt(ctx context.Context, sessionID int64, payload *sms.DlrPayload) error
}

// CallbackPoster delivers a DLR to an HTTP callback.
type CallbackPoster interface {
	ForwardDLR(ctx context.Context, callbackURL string, payload *sms.DlrPayload) error
}

type ForwarderConfig struct {
	Enabled         bool
	DefaultURL      string
	SMPPSendTimeout time.Duration
	HTTPTimeout     time.Duration
}

// Forwarder returns delivery outcomes to whoever submitted the message.
// Sends run in the background and failures are only logged.
type Forwarder struct {
	cfg      ForwarderConfig
	store    *Store
	callback CallbackPoster

	mu       sync.RWMutex
	receipts ReceiptSender

	wg  sync.WaitGroup
	now func() time.Time
}

func NewForwarder(cfg ForwarderConfig, store *Store, callback CallbackPoster) *Forwarder {
	if cfg.SMPPSendTimeout <= 0 {
		cfg.SMPPSendTimeout = 30 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Forwarder{cfg: cfg, store: store, callback: callback, now: time.Now}
}

// SetReceiptSender attaches the inbound SMPP server once it exists.
func (f *Forwarder) SetReceiptSender(rs ReceiptSender) {
	f.mu.Lock()
	f.receipts = rs
	f.mu.Unlock()
}

func (f *Forwarder) receiptSender() ReceiptSender {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.receipts
}

// Forward sends payload to its originator. vendorLabel identifies the vendor
// that produced the outcome and is only used for logging.
func (f *Forwarder) Forward(ctx context.Context, payload *sms.DlrPayload, vendorLabel string) {
	logCtx := logging.ContextWithVendorID(ctx, vendorLabel)
	if !f.cfg.Enabled {
		slog.WarnContext(logCtx, "DLR forwarding is disabled, skipping")
		return
	}
	if payload == nil || payload.ForwardingID == "" {
		slog.WarnContext(logCtx, "DLR payload without forwarding id, skipping")
		return
	}

	p := payload.Clone()
	logCtx = logging.ContextWithInternalID(logCtx, p.ForwardingID)
	slog.InfoContext(logCtx, "Forwarding DLR", slog.String("smscid", p.SmscID), slog.String("status", p.Status))

	bg := context.WithoutCancel(logCtx)
	if p.OriginatingSessionID != nil {
		sessionID := *p.OriginatingSessionID
		rs := f.receiptSender()
		if rs != nil && rs.HasSession(sessionID) {
			f.goAsync(func() { f.sendReceipt(bg, rs, sessionID, p) })
		} else {
			slog.WarnContext(logCtx, "Originating SMPP session not found for DLR", slog.Int64("session_id", sessionID))
		}
	} else {
		target := p.ForwardURL
		if target == "" {
			target = f.cfg.DefaultURL
		}
		f.goAsync(func() { f.postCallback(bg, target, p) })
	}

	if !f.store.Update(p.ForwardingID, func(stored *sms.DlrPayload) {
		stored.ForwardDate = sms.TimePtr(f.now())
	}) {
		slog.WarnContext(logCtx, "DLR payload not found, cannot stamp forward date")
	}
}

func (f *Forwarder) goAsync(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
}

func (f *Forwarder) sendReceipt(ctx context.Context, rs ReceiptSender, sessionID int64, p *sms.DlrPayload) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.SMPPSendTimeout)
	defer cancel()

	if err := rs.SendReceipt(ctx, sessionID, p); err != nil {
		metrics.DLRForwards.WithLabelValues("smpp", "error").Inc()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			slog.WarnContext(ctx, "DLR receipt send interrupted", slog.Any("error", err))
			return
		}
		slog.ErrorContext(ctx, "Error sending DLR receipt", slog.Any("error", err))
		return
	}
	metrics.DLRForwards.WithLabelValues("smpp", "ok").Inc()
}

func (f *Forwarder) postCallback(ctx context.Context, url string, p *sms.DlrPayload) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.HTTPTimeout)
	defer cancel()

	if err := f.callback.ForwardDLR(ctx, url, p); err != nil {
		result := "error"
		if errors.Is(err, sp.ErrCircuitOpen) {
			result = "circuit_open"
		}
		metrics.DLRForwards.WithLabelValues("http", result).Inc()
		slog.ErrorContext(ctx, "Failed to forward DLR", slog.String("url", url), slog.Any("error", err))
		return
	}
	metrics.DLRForwards.WithLabelValues("http", "ok").Inc()
}

// Wait blocks until background sends started so far have finished or ctx ends.
func (f *Forwarder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
