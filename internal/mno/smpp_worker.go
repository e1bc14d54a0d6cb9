package mno

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linxGnu/gosmpp"
	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"
	"golang.org/x/time/rate"

	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/metrics"
	"github.com/thrillee/smsgateway/internal/notification"
	"github.com/thrillee/smsgateway/internal/sms"
	"github.com/thrillee/smsgateway/pkg/codes"
	"github.com/thrillee/smsgateway/pkg/errormapper"
	"github.com/thrillee/smsgateway/pkg/segmenter"
)

const (
	esmClassReceipt = 0x04
	esmClassUDHI    = 0x40

	maxKeepAliveFailures = 5
	windowFullBackoff    = 50 * time.Millisecond

	// gosmpp scales this by time.Millisecond itself.
	storeAccessTimeoutMillis = 1000

	operatorRecipient = "operations"
)

var receiptField = regexp.MustCompile(`(?i)\b(id|stat|err):(\S*)`)

// Session is the part of a bound SMPP session the worker needs.
type Session interface {
	Submit(p pdu.PDU) error
	Close() error
}

// Dialer opens and binds a session to a vendor using settings.
type Dialer func(conf VendorConf, settings gosmpp.Settings) (Session, error)

type gosmppSession struct {
	sess *gosmpp.Session
}

func (g *gosmppSession) Submit(p pdu.PDU) error { return g.sess.Transceiver().Submit(p) }
func (g *gosmppSession) Close() error           { return g.sess.Close() }

// DialSMPP binds a transceiver session with gosmpp. Rebinding is left to the
// worker's reconnect loop.
func DialSMPP(conf VendorConf, settings gosmpp.Settings) (Session, error) {
	auth := gosmpp.Auth{
		SMSC:     conf.Address(),
		SystemID: conf.SystemID,
		Password: conf.Password,
	}
	sess, err := gosmpp.NewSession(gosmpp.TRXConnector(gosmpp.NonTLSDialer, auth), settings, 0)
	if err != nil {
		return nil, err
	}
	return &gosmppSession{sess: sess}, nil
}

// ReceiptStore is the DLR store surface used by workers.
type ReceiptStore interface {
	UpdateDLR(ctx context.Context, vendorMsgID string, msg *sms.Message, status string) bool
	GetInternalID(vendorMsgID string) (string, bool)
	GetDlrPayload(internalID string) (*sms.DlrPayload, bool)
	Update(internalID string, fn func(p *sms.DlrPayload)) bool
}

type DLRForwarder interface {
	Forward(ctx context.Context, payload *sms.DlrPayload, vendorLabel string)
}

// WorkerDeps are the long-lived collaborators shared by every worker.
type WorkerDeps struct {
	Store     ReceiptStore
	Forwarder DLRForwarder
	KeepAlive *KeepAliveScheduler
	Notifier  notification.Notifier
	Dialer    Dialer
}

type WorkerOptions struct {
	RequestTimeout time.Duration
	MaxWindowSize  uint8
	QueuePoll      time.Duration
	WideSARRef     bool
}

// link is one bound connection. It is replaced on every reconnect so
// callbacks from an old session cannot affect the new one.
type link struct {
	sess            Session
	lost            chan struct{}
	lostOnce        sync.Once
	cancelKeepAlive func()
	awaitingEnquire atomic.Bool
	failures        atomic.Int32
}

func newLink() *link {
	return &link{lost: make(chan struct{}), cancelKeepAlive: func() {}}
}

func (l *link) markLost() bool {
	first := false
	l.lostOnce.Do(func() {
		close(l.lost)
		first = true
	})
	return first
}

// SMPPWorker owns the outbound connection to one SMPP vendor.
type SMPPWorker struct {
	conf VendorConf
	opts WorkerOptions
	deps WorkerDeps

	seg     *segmenter.Segmenter
	limiter *rate.Limiter
	queue   *messageQueue
	pending sync.Map // int32 sequence number -> *sms.Message

	status   atomic.Value
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	now func() time.Time
}

func NewSMPPWorker(conf VendorConf, opts WorkerOptions, deps WorkerDeps) *SMPPWorker {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxWindowSize == 0 {
		opts.MaxWindowSize = 10
	}
	if opts.QueuePoll <= 0 {
		opts.QueuePoll = time.Second
	}
	if deps.Dialer == nil {
		deps.Dialer = DialSMPP
	}

	limit := rate.Inf
	burst := 1
	if conf.TransactionsPerSecond > 0 {
		limit = rate.Limit(conf.TransactionsPerSecond)
		burst = conf.TransactionsPerSecond
	}

	w := &SMPPWorker{
		conf:    conf,
		opts:    opts,
		deps:    deps,
		seg:     segmenter.New(opts.WideSARRef),
		limiter: rate.NewLimiter(limit, burst),
		queue:   newMessageQueue(),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	w.status.Store(codes.StatusDisconnected)
	w.running.Store(true)
	return w
}

func (w *SMPPWorker) Config() VendorConf { return w.conf }

func (w *SMPPWorker) Status() string { return w.status.Load().(string) }

func (w *SMPPWorker) setStatus(s string) { w.status.Store(s) }

// Process queues msg. Messages queued while disconnected are sent after the
// next successful bind.
func (w *SMPPWorker) Process(ctx context.Context, msg *sms.Message) bool {
	if !w.running.Load() {
		logCtx := logging.ContextWithInternalID(logging.ContextWithVendorID(ctx, w.conf.ID), msg.InternalID)
		slog.WarnContext(logCtx, "Worker is stopped, message not queued")
		return false
	}
	w.queue.Push(msg)
	return true
}

// Stop asks Run to unbind and return. It does not block.
func (w *SMPPWorker) Stop() {
	w.stopOnce.Do(func() {
		w.running.Store(false)
		close(w.stopCh)
	})
}

func (w *SMPPWorker) Run(ctx context.Context) {
	ctx = logging.ContextWithVendorID(ctx, w.conf.ID)
	slog.InfoContext(ctx, "SMPP worker started", slog.String("addr", w.conf.Address()))

	for w.active(ctx) {
		l, err := w.connect(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "SMPP bind failed", slog.Any("error", err), slog.Duration("retry_in", w.conf.reconnectInterval()))
			if !w.sleep(ctx, w.conf.reconnectInterval()) {
				break
			}
			continue
		}

		w.drain(ctx, l)
		w.teardown(ctx, l)

		if !w.active(ctx) {
			break
		}
		slog.WarnContext(ctx, "SMPP connection lost, reconnecting", slog.Duration("retry_in", w.conf.reconnectInterval()))
		if !w.sleep(ctx, w.conf.reconnectInterval()) {
			break
		}
	}

	w.Stop()
	if n := w.queue.Len(); n > 0 {
		slog.WarnContext(ctx, "SMPP worker stopped with queued messages", slog.Int("queued", n))
	}
	w.setStatus(codes.StatusStopped)
	slog.InfoContext(ctx, "SMPP worker stopped")
}

func (w *SMPPWorker) active(ctx context.Context) bool {
	return w.running.Load() && ctx.Err() == nil
}

func (w *SMPPWorker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (w *SMPPWorker) connect(ctx context.Context) (*link, error) {
	w.setStatus(codes.StatusConnecting)
	slog.InfoContext(ctx, "Attempting to bind SMPP session",
		slog.String("host", w.conf.Host),
		slog.Int("port", w.conf.Port),
		slog.String("system_id", w.conf.SystemID),
	)

	l := newLink()
	sess, err := w.deps.Dialer(w.conf, w.sessionSettings(ctx, l))
	if err != nil {
		w.setStatus(codes.StatusDisconnected)
		return nil, fmt.Errorf("bind %s: %w", w.conf.Address(), err)
	}
	l.sess = sess

	w.setStatus(codes.StatusBound)
	metrics.BoundWorkers.Inc()
	slog.InfoContext(ctx, "SMPP session bound")

	if w.deps.KeepAlive != nil {
		l.cancelKeepAlive = w.deps.KeepAlive.Schedule(w.conf.enquireLinkInterval(), func() {
			w.keepAlive(ctx, l)
		})
	}
	return l, nil
}

func (w *SMPPWorker) drain(ctx context.Context, l *link) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-l.lost:
			return
		default:
		}

		msg, ok := w.queue.Pop(w.opts.QueuePoll)
		if !ok {
			continue
		}
		w.send(ctx, l, msg)
	}
}

func (w *SMPPWorker) teardown(ctx context.Context, l *link) {
	l.cancelKeepAlive()
	w.setStatus(codes.StatusUnbinding)

	if err := l.sess.Submit(pdu.NewUnbind()); err != nil {
		slog.DebugContext(ctx, "Unbind not sent", slog.Any("error", err))
	}
	if err := l.sess.Close(); err != nil {
		slog.WarnContext(ctx, "Error closing SMPP session", slog.Any("error", err))
	}
	l.markLost()

	w.pending.Range(func(key, _ any) bool {
		w.handleSubmitResult(ctx, key.(int32), data.ESME_RDELIVERYFAILURE, "")
		return true
	})

	metrics.BoundWorkers.Dec()
	w.setStatus(codes.StatusDisconnected)
}

func (w *SMPPWorker) send(ctx context.Context, l *link, msg *sms.Message) {
	logCtx := logging.ContextWithInternalID(ctx, msg.InternalID)

	if err := w.limiter.Wait(ctx); err != nil {
		slog.WarnContext(logCtx, "Rate limiter wait interrupted, message dropped", slog.Any("error", err))
		return
	}

	coding, err := sms.NormalizeCoding(msg.Coding)
	if err != nil {
		slog.ErrorContext(logCtx, "Cannot encode message", slog.Any("error", err))
		return
	}
	res, err := w.seg.Split(msg.Text, coding)
	if err != nil {
		slog.ErrorContext(logCtx, "Cannot segment message", slog.Any("error", err))
		return
	}
	if res.Truncated {
		slog.WarnContext(logCtx, "Message exceeds maximum segments, truncated", slog.Int("segments", len(res.Parts)))
	}

	for i, part := range res.Parts {
		p, err := buildSubmitSM(msg, part, res)
		if err != nil {
			slog.ErrorContext(logCtx, "Cannot build SubmitSM, abandoning remaining segments",
				slog.Int("segment", i+1), slog.Int("total", len(res.Parts)), slog.Any("error", err))
			return
		}

		seq := p.GetSequenceNumber()
		w.pending.Store(seq, msg)
		if err := w.submit(ctx, l, p); err != nil {
			w.pending.Delete(seq)
			metrics.SegmentsSubmitted.WithLabelValues(w.conf.ID, "error").Inc()
			slog.ErrorContext(logCtx, "Segment submit failed, abandoning remaining segments",
				slog.Int("segment", i+1), slog.Int("total", len(res.Parts)), slog.Any("error", err))
			return
		}
		metrics.SegmentsSubmitted.WithLabelValues(w.conf.ID, "ok").Inc()
		slog.DebugContext(logging.ContextWithPDUInfo(logCtx, "submit_sm", seq), "Segment submitted",
			slog.Int("segment", i+1), slog.Int("total", len(res.Parts)))
	}
}

// submit retries while the request window is full, up to the request timeout.
func (w *SMPPWorker) submit(ctx context.Context, l *link, p pdu.PDU) error {
	deadline := w.now().Add(w.opts.RequestTimeout)
	for {
		err := l.sess.Submit(p)
		if !errors.Is(err, gosmpp.ErrWindowsFull) || w.now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.lost:
			return err
		case <-time.After(windowFullBackoff):
		}
	}
}

func buildSubmitSM(msg *sms.Message, part []byte, res *segmenter.Result) (*pdu.SubmitSM, error) {
	p := pdu.NewSubmitSM().(*pdu.SubmitSM)

	src := pdu.NewAddress()
	src.SetTon(sms.SourceTON(msg.From))
	src.SetNpi(0)
	if err := src.SetAddress(msg.From); err != nil {
		return nil, fmt.Errorf("source address: %w", err)
	}
	dst := pdu.NewAddress()
	dst.SetTon(sms.TONInternational)
	dst.SetNpi(0)
	if err := dst.SetAddress(msg.To); err != nil {
		return nil, fmt.Errorf("destination address: %w", err)
	}

	p.SourceAddr = src
	p.DestAddr = dst
	p.RegisteredDelivery = 1
	if res.Multipart {
		p.EsmClass |= esmClassUDHI
	}
	if err := p.Message.SetMessageDataWithEncoding(part, res.Encoding); err != nil {
		return nil, fmt.Errorf("short message: %w", err)
	}
	return p, nil
}

func (w *SMPPWorker) sessionSettings(ctx context.Context, l *link) gosmpp.Settings {
	return gosmpp.Settings{
		ReadTimeout:  w.conf.enquireLinkInterval() + w.opts.RequestTimeout,
		WriteTimeout: w.opts.RequestTimeout,

		WindowedRequestTracking: &gosmpp.WindowedRequestTracking{
			MaxWindowSize:         w.opts.MaxWindowSize,
			StoreAccessTimeOut:    storeAccessTimeoutMillis,
			PduExpireTimeOut:      w.opts.RequestTimeout,
			ExpireCheckTimer:      time.Second,
			EnableAutoRespond:     false,
			OnReceivedPduRequest:  w.handleReceivedPduRequest(ctx, l),
			OnExpectedPduResponse: w.handleExpectedPduResponse(ctx, l),
			OnExpiredPduRequest:   w.handleExpiredPduRequest(ctx),
			OnClosePduRequest:     w.handleClosePduRequest(ctx),
		},

		OnSubmitError: func(p pdu.PDU, err error) {
			slog.WarnContext(ctx, "gosmpp submit error", slog.String("cmd", errormapper.CommandName(p)), slog.Any("error", err))
		},
		OnReceivingError: func(err error) {
			slog.ErrorContext(ctx, "gosmpp receiving error", slog.Any("error", err))
		},
		OnRebindingError: func(err error) {
			slog.ErrorContext(ctx, "gosmpp rebinding error", slog.Any("error", err))
		},
		OnClosed: func(state gosmpp.State) {
			slog.WarnContext(ctx, "SMPP session closed", slog.Int("state", int(state)))
			l.markLost()
		},
	}
}

func pduContext(ctx context.Context, p pdu.PDU) context.Context {
	return logging.ContextWithPDUInfo(ctx, errormapper.CommandName(p), p.GetSequenceNumber())
}

func (w *SMPPWorker) handleReceivedPduRequest(ctx context.Context, l *link) func(pdu.PDU) (pdu.PDU, bool) {
	return func(p pdu.PDU) (pdu.PDU, bool) {
		logCtx := pduContext(ctx, p)

		switch pd := p.(type) {
		case *pdu.DeliverSM:
			return w.handleDeliverSM(logCtx, pd), false

		case *pdu.SubmitSM:
			slog.InfoContext(logCtx, "Vendor sent SubmitSM, treating as mobile originated")
			w.handleMO(logCtx, pd.SourceAddr.Address(), pd.DestAddr.Address(), &pd.Message)
			return pd.GetResponse(), false

		case *pdu.EnquireLink:
			return pd.GetResponse(), false

		case *pdu.Unbind:
			slog.InfoContext(logCtx, "Vendor requested unbind")
			l.markLost()
			return pd.GetResponse(), true

		default:
			slog.WarnContext(logCtx, "Unexpected PDU from vendor")
		}
		return nil, false
	}
}

func (w *SMPPWorker) handleExpectedPduResponse(ctx context.Context, l *link) func(gosmpp.Response) {
	return func(r gosmpp.Response) {
		req := r.OriginalRequest.PDU
		logCtx := pduContext(ctx, req)

		switch resp := r.PDU.(type) {
		case *pdu.SubmitSMResp:
			w.handleSubmitResult(logCtx, req.GetSequenceNumber(), resp.CommandStatus, resp.MessageID)

		case *pdu.EnquireLinkResp:
			l.awaitingEnquire.Store(false)
			l.failures.Store(0)

		case *pdu.UnbindResp:
			slog.DebugContext(logCtx, "Received UnbindResp")

		default:
			slog.WarnContext(logCtx, "Unexpected response PDU", slog.String("resp", errormapper.CommandName(r.PDU)))
		}
	}
}

func (w *SMPPWorker) handleExpiredPduRequest(ctx context.Context) func(pdu.PDU) bool {
	return func(p pdu.PDU) bool {
		logCtx := pduContext(ctx, p)
		slog.WarnContext(logCtx, "Request expired without response")

		if _, ok := p.(*pdu.SubmitSM); ok {
			w.handleSubmitResult(logCtx, p.GetSequenceNumber(), data.ESME_RDELIVERYFAILURE, "")
		}
		// Expired enquire_links are counted by the next keep-alive tick.
		return false
	}
}

func (w *SMPPWorker) handleClosePduRequest(ctx context.Context) func(pdu.PDU) {
	return func(p pdu.PDU) {
		if _, ok := p.(*pdu.SubmitSM); !ok {
			return
		}
		if _, pending := w.pending.Load(p.GetSequenceNumber()); !pending {
			return
		}
		logCtx := pduContext(ctx, p)
		slog.WarnContext(logCtx, "SubmitSM still pending at session close")
		w.handleSubmitResult(logCtx, p.GetSequenceNumber(), data.ESME_RDELIVERYFAILURE, "")
	}
}

// handleSubmitResult settles one pending SubmitSM. Expired and closed requests
// arrive here with ESME_RDELIVERYFAILURE.
func (w *SMPPWorker) handleSubmitResult(ctx context.Context, seq int32, status data.CommandStatusType, vendorMsgID string) {
	v, ok := w.pending.LoadAndDelete(seq)
	if !ok {
		slog.WarnContext(ctx, "SubmitSM result for unknown sequence number", slog.String("status", errormapper.StatusName(status)))
		return
	}
	msg := v.(*sms.Message)
	logCtx := logging.ContextWithInternalID(ctx, msg.InternalID)

	statusName := errormapper.StatusName(status)
	metrics.SubmitResponses.WithLabelValues(w.conf.ID, statusName).Inc()

	if status == data.ESME_ROK && vendorMsgID != "" {
		logCtx = logging.ContextWithVendorMsgID(logCtx, vendorMsgID)
		w.deps.Store.UpdateDLR(logCtx, vendorMsgID, msg, codes.DlrStatusSent)
		slog.InfoContext(logCtx, "SubmitSM accepted by vendor")
		return
	}
	slog.WarnContext(logCtx, "SubmitSM not accepted by vendor",
		slog.String("status", statusName),
		slog.String("vendor_msg_id", vendorMsgID),
	)
}

func (w *SMPPWorker) handleDeliverSM(ctx context.Context, p *pdu.DeliverSM) pdu.PDU {
	resp := p.GetResponse().(*pdu.DeliverSMResp)

	if p.EsmClass&esmClassReceipt == 0 {
		w.handleMO(ctx, p.SourceAddr.Address(), p.DestAddr.Address(), &p.Message)
		return resp
	}

	if err := w.handleReceipt(ctx, &p.Message); err != nil {
		slog.ErrorContext(ctx, "Failed to process delivery receipt", slog.Any("error", err))
		resp.CommandStatus = data.ESME_RSYSERR
	}
	return resp
}

// Receipt holds the fields of a delivery receipt text the gateway uses.
type Receipt struct {
	ID   string
	Stat string
	Err  string
}

// ParseReceipt extracts id, stat and err from a receipt text. The id field is required.
func ParseReceipt(text string) (Receipt, error) {
	var rc Receipt
	for _, m := range receiptField.FindAllStringSubmatch(text, -1) {
		switch strings.ToLower(m[1]) {
		case "id":
			if rc.ID == "" {
				rc.ID = m[2]
			}
		case "stat":
			rc.Stat = m[2]
		case "err":
			rc.Err = m[2]
		}
	}
	if rc.ID == "" {
		return rc, fmt.Errorf("receipt without id: %q", text)
	}
	return rc, nil
}

// decodeReceiptText decodes with the declared coding, retries as GSM when the
// result does not look like a receipt, and falls back to the raw bytes.
func decodeReceiptText(sm *pdu.ShortMessage) string {
	raw, err := sm.GetMessageData()
	if err != nil {
		return ""
	}

	enc := sm.Encoding()
	text := decodeWith(enc, raw)
	isGSM := enc == nil || enc.DataCoding() == data.GSM7BIT.DataCoding()
	if !isGSM && !strings.HasPrefix(text, "id:") {
		if s := decodeWith(data.GSM7BIT, raw); s != "" {
			text = s
		}
	}
	if text == "" {
		text = string(raw)
	}
	return text
}

func decodeWith(enc data.Encoding, raw []byte) string {
	if enc == nil {
		return string(raw)
	}
	s, err := enc.Decode(raw)
	if err != nil {
		return ""
	}
	return s
}

func (w *SMPPWorker) handleReceipt(ctx context.Context, sm *pdu.ShortMessage) error {
	text := decodeReceiptText(sm)
	rc, err := ParseReceipt(text)
	if err != nil {
		return err
	}
	metrics.ReceiptsReceived.WithLabelValues(w.conf.ID, rc.Stat).Inc()

	logCtx := logging.ContextWithVendorMsgID(ctx, rc.ID)
	internalID, ok := w.deps.Store.GetInternalID(rc.ID)
	if !ok {
		slog.WarnContext(logCtx, "No correlation for delivery receipt, dropping", slog.String("stat", rc.Stat))
		return nil
	}
	logCtx = logging.ContextWithInternalID(logCtx, internalID)

	processed := w.now()
	updated := w.deps.Store.Update(internalID, func(p *sms.DlrPayload) {
		p.Status = rc.Stat
		p.ErrorCode = rc.Err
		p.RawDlr = text
		p.ProcessedAt = sms.TimePtr(processed)
	})
	if !updated {
		slog.WarnContext(logCtx, "No DLR payload for delivery receipt, dropping")
		return nil
	}

	payload, ok := w.deps.Store.GetDlrPayload(internalID)
	if !ok {
		return nil
	}
	slog.InfoContext(logCtx, "Delivery receipt received", slog.String("stat", rc.Stat), slog.String("err", rc.Err))
	w.deps.Forwarder.Forward(logCtx, payload, w.conf.ID)
	return nil
}

func (w *SMPPWorker) handleMO(ctx context.Context, from, to string, sm *pdu.ShortMessage) {
	raw, err := sm.GetMessageData()
	if err != nil {
		slog.WarnContext(ctx, "Cannot read mobile originated message body", slog.Any("error", err))
		return
	}
	text := decodeWith(sm.Encoding(), raw)
	if text == "" {
		text = string(raw)
	}
	metrics.MOReceived.WithLabelValues(w.conf.ID).Inc()
	slog.InfoContext(ctx, "Mobile originated message received",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("text", text),
	)
}

func (w *SMPPWorker) keepAlive(ctx context.Context, l *link) {
	select {
	case <-l.lost:
		return
	default:
	}

	unanswered := l.awaitingEnquire.Swap(true)
	err := l.sess.Submit(pdu.NewEnquireLink())
	if err == nil && !unanswered {
		return
	}
	if err == nil {
		err = errors.New("previous enquire_link unanswered")
	}

	n := l.failures.Add(1)
	slog.WarnContext(ctx, "Keep-alive failed", slog.Int("consecutive", int(n)), slog.Any("error", err))
	if n < maxKeepAliveFailures || !l.markLost() {
		return
	}

	slog.ErrorContext(ctx, "Keep-alive failure limit reached, dropping connection", slog.Int("failures", int(n)))
	if w.deps.Notifier != nil {
		body := fmt.Sprintf("Vendor %s (%s) missed %d keep-alives and was disconnected.", w.conf.ID, w.conf.Address(), n)
		if err := w.deps.Notifier.Send(ctx, operatorRecipient, "Vendor link lost", body); err != nil {
			slog.WarnContext(ctx, "Failed to send notification", slog.Any("error", err))
		}
	}
}
