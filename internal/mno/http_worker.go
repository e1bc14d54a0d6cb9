package mno

import (
	"context"
	"log/slog"
	"sync"

	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/sms"
)

// HTTPWorker stands in for vendors of type HTTP. Messages routed to it are
// logged and reported as handled.
type HTTPWorker struct {
	conf     VendorConf
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewHTTPWorker(conf VendorConf) *HTTPWorker {
	return &HTTPWorker{conf: conf, stopCh: make(chan struct{})}
}

func (w *HTTPWorker) Config() VendorConf { return w.conf }

func (w *HTTPWorker) Process(ctx context.Context, msg *sms.Message) bool {
	logCtx := logging.ContextWithInternalID(logging.ContextWithVendorID(ctx, w.conf.ID), msg.InternalID)
	slog.WarnContext(logCtx, "HTTP vendor delivery not supported yet", slog.String("url", w.conf.HTTPAPIURL))
	return true
}

func (w *HTTPWorker) Run(ctx context.Context) {
	ctx = logging.ContextWithVendorID(ctx, w.conf.ID)
	slog.WarnContext(ctx, "HTTP vendor worker not supported yet, idling")
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	}
}

func (w *HTTPWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}
