package mno

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linxGnu/gosmpp"
	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/thrillee/smsgateway/internal/dlr"
	"github.com/thrillee/smsgateway/internal/sms"
	"github.com/thrillee/smsgateway/pkg/codes"
)

type fakeSession struct {
	mu        sync.Mutex
	submitted []pdu.PDU
	submitErr error
	closed    bool
}

func (f *fakeSession) Submit(p pdu.PDU) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, p)
	return f.submitErr
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) submitSMs() []*pdu.SubmitSM {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pdu.SubmitSM
	for _, p := range f.submitted {
		if s, ok := p.(*pdu.SubmitSM); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSession) count(match func(pdu.PDU) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.submitted {
		if match(p) {
			n++
		}
	}
	return n
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out sess and keeps the settings of the last dial.
type fakeDialer struct {
	mu       sync.Mutex
	sess     *fakeSession
	settings gosmpp.Settings
	dials    int
}

func (d *fakeDialer) Dial(_ VendorConf, settings gosmpp.Settings) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = settings
	d.dials++
	return d.sess, nil
}

func (d *fakeDialer) lastSettings() gosmpp.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

type mockForwarder struct {
	mock.Mock
}

func (m *mockForwarder) Forward(ctx context.Context, p *sms.DlrPayload, vendorLabel string) {
	m.Called(ctx, p, vendorLabel)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	return m.Called(ctx, recipient, subject, body).Error(0)
}

func testVendor() VendorConf {
	return VendorConf{
		ID:                         "vendorA",
		Enabled:                    true,
		Host:                       "127.0.0.1",
		Port:                       2775,
		SystemID:                   "sys",
		Password:                   "pw",
		ReconnectIntervalSeconds:   1,
		EnquireLinkIntervalSeconds: 30,
		TransactionsPerSecond:      0,
	}
}

func newTestWorker(store *dlr.Store, fwd DLRForwarder, dialer *fakeDialer) *SMPPWorker {
	deps := WorkerDeps{Store: store, Forwarder: fwd}
	if dialer != nil {
		deps.Dialer = dialer.Dial
	}
	return NewSMPPWorker(testVendor(), WorkerOptions{QueuePoll: 10 * time.Millisecond}, deps)
}

func acceptedMessage(store *dlr.Store, id string) *sms.Message {
	msg := &sms.Message{From: "SENDER", To: "2348030000000", Text: "hello", InternalID: id}
	store.StoreDlrPayload(sms.NewAcceptedPayload(msg, codes.DlrStatusAccepted, time.Now()))
	return msg
}

func runWorker(t *testing.T, w *SMPPWorker) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return cancel, done
}

func TestSMPPWorker_SubmitRespMarksSent(t *testing.T) {
	store := dlr.NewStore(0)
	sess := &fakeSession{}
	dialer := &fakeDialer{sess: sess}
	w := newTestWorker(store, new(mockForwarder), dialer)

	cancel, done := runWorker(t, w)
	defer func() { cancel(); <-done }()

	msg := acceptedMessage(store, "int-1")
	require.True(t, w.Process(context.Background(), msg))

	require.Eventually(t, func() bool { return len(sess.submitSMs()) == 1 }, time.Second, 5*time.Millisecond)
	sub := sess.submitSMs()[0]
	assert.Equal(t, byte(1), sub.RegisteredDelivery)
	assert.Equal(t, sms.TONAlphanumeric, sub.SourceAddr.Ton())
	assert.Equal(t, sms.TONInternational, sub.DestAddr.Ton())

	resp := sub.GetResponse().(*pdu.SubmitSMResp)
	resp.MessageID = "V-100"
	settings := dialer.lastSettings()
	settings.WindowedRequestTracking.OnExpectedPduResponse(gosmpp.Response{
		PDU:             resp,
		OriginalRequest: gosmpp.Request{PDU: sub},
	})

	p, ok := store.GetDlrPayload("int-1")
	require.True(t, ok)
	assert.Equal(t, codes.DlrStatusSent, p.Status)
	assert.Equal(t, "V-100", p.SmscID)
	assert.NotNil(t, p.SentAt)

	internalID, ok := store.GetInternalID("V-100")
	require.True(t, ok)
	assert.Equal(t, "int-1", internalID)
}

func TestSMPPWorker_RejectedSubmitLeavesPayload(t *testing.T) {
	store := dlr.NewStore(0)
	w := newTestWorker(store, new(mockForwarder), nil)
	msg := acceptedMessage(store, "int-2")

	sub := pdu.NewSubmitSM().(*pdu.SubmitSM)
	w.pending.Store(sub.GetSequenceNumber(), msg)
	w.handleSubmitResult(context.Background(), sub.GetSequenceNumber(), data.ESME_RTHROTTLED, "")

	p, _ := store.GetDlrPayload("int-2")
	assert.Equal(t, codes.DlrStatusAccepted, p.Status)
	_, stillPending := w.pending.Load(sub.GetSequenceNumber())
	assert.False(t, stillPending)
}

func TestSMPPWorker_MultipartSubmission(t *testing.T) {
	store := dlr.NewStore(0)
	sess := &fakeSession{}
	w := newTestWorker(store, new(mockForwarder), nil)
	l := newLink()
	l.sess = sess

	msg := &sms.Message{From: "12345", To: "2348030000000", Text: strings.Repeat("x", 200), InternalID: "int-3"}
	w.send(context.Background(), l, msg)

	subs := sess.submitSMs()
	require.Len(t, subs, 2)
	for _, s := range subs {
		assert.Equal(t, byte(esmClassUDHI), s.EsmClass&esmClassUDHI)
		assert.Equal(t, sms.TONInternational, s.SourceAddr.Ton())
		_, ok := w.pending.Load(s.GetSequenceNumber())
		assert.True(t, ok)
	}
}

func TestSMPPWorker_FailedUnitAbandonsRest(t *testing.T) {
	store := dlr.NewStore(0)
	sess := &fakeSession{submitErr: errors.New("connection reset")}
	w := newTestWorker(store, new(mockForwarder), nil)
	l := newLink()
	l.sess = sess

	msg := &sms.Message{From: "12345", To: "2348030000000", Text: strings.Repeat("x", 400), InternalID: "int-4"}
	w.send(context.Background(), l, msg)

	assert.Len(t, sess.submitSMs(), 1)
	empty := true
	w.pending.Range(func(_, _ any) bool { empty = false; return false })
	assert.True(t, empty)
}

func TestSMPPWorker_TeardownFailsPending(t *testing.T) {
	store := dlr.NewStore(0)
	sess := &fakeSession{}
	w := newTestWorker(store, new(mockForwarder), nil)
	l := newLink()
	l.sess = sess

	msg := acceptedMessage(store, "int-5")
	w.send(context.Background(), l, msg)
	require.Len(t, sess.submitSMs(), 1)

	w.teardown(context.Background(), l)

	assert.True(t, sess.isClosed())
	assert.Equal(t, 1, sess.count(func(p pdu.PDU) bool { _, ok := p.(*pdu.Unbind); return ok }))
	empty := true
	w.pending.Range(func(_, _ any) bool { empty = false; return false })
	assert.True(t, empty)
	p, _ := store.GetDlrPayload("int-5")
	assert.Equal(t, codes.DlrStatusAccepted, p.Status)
	assert.Equal(t, codes.StatusDisconnected, w.Status())
}

func TestSMPPWorker_ProcessAfterStop(t *testing.T) {
	w := newTestWorker(dlr.NewStore(0), new(mockForwarder), nil)
	w.Stop()
	assert.False(t, w.Process(context.Background(), &sms.Message{InternalID: "x"}))
}

func receiptPDU(t *testing.T, text string) *pdu.DeliverSM {
	t.Helper()
	d := pdu.NewDeliverSM().(*pdu.DeliverSM)
	d.EsmClass = esmClassReceipt
	require.NoError(t, d.Message.SetMessageWithEncoding(text, data.GSM7BIT))
	return d
}

func TestSMPPWorker_ReceiptUpdatesAndForwards(t *testing.T) {
	store := dlr.NewStore(0)
	fwd := new(mockForwarder)
	w := newTestWorker(store, fwd, nil)

	msg := acceptedMessage(store, "int-6")
	store.UpdateDLR(context.Background(), "V-6", msg, codes.DlrStatusSent)

	text := "id:V-6 sub:001 dlvrd:001 submit date:2401011200 done date:2401011201 stat:DELIVRD err:000 text:hello"
	fwd.On("Forward", mock.Anything, mock.MatchedBy(func(p *sms.DlrPayload) bool {
		return p.ForwardingID == "int-6" && p.Status == "DELIVRD" && p.ErrorCode == "000" && p.RawDlr == text
	}), "vendorA").Return().Once()

	resp := w.handleDeliverSM(context.Background(), receiptPDU(t, text))

	assert.Equal(t, data.ESME_ROK, resp.(*pdu.DeliverSMResp).CommandStatus)
	fwd.AssertExpectations(t)
	p, _ := store.GetDlrPayload("int-6")
	assert.NotNil(t, p.ProcessedAt)
}

func TestSMPPWorker_ReceiptWithoutCorrelationIsDropped(t *testing.T) {
	fwd := new(mockForwarder)
	w := newTestWorker(dlr.NewStore(0), fwd, nil)

	resp := w.handleDeliverSM(context.Background(), receiptPDU(t, "id:unknown stat:DELIVRD err:000"))

	assert.Equal(t, data.ESME_ROK, resp.(*pdu.DeliverSMResp).CommandStatus)
	fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything, mock.Anything)
}

func TestSMPPWorker_UnparseableReceipt(t *testing.T) {
	fwd := new(mockForwarder)
	w := newTestWorker(dlr.NewStore(0), fwd, nil)

	resp := w.handleDeliverSM(context.Background(), receiptPDU(t, "garbage"))

	assert.Equal(t, data.ESME_RSYSERR, resp.(*pdu.DeliverSMResp).CommandStatus)
}

func TestSMPPWorker_MobileOriginatedIsAcked(t *testing.T) {
	fwd := new(mockForwarder)
	w := newTestWorker(dlr.NewStore(0), fwd, nil)

	d := pdu.NewDeliverSM().(*pdu.DeliverSM)
	require.NoError(t, d.Message.SetMessageWithEncoding("hi there", data.GSM7BIT))

	resp := w.handleDeliverSM(context.Background(), d)

	assert.Equal(t, data.ESME_ROK, resp.(*pdu.DeliverSMResp).CommandStatus)
	fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything, mock.Anything)
}

func TestSMPPWorker_KeepAliveFailuresDropLink(t *testing.T) {
	notifier := new(mockNotifier)
	w := newTestWorker(dlr.NewStore(0), new(mockForwarder), nil)
	w.deps.Notifier = notifier
	l := newLink()
	l.sess = &fakeSession{submitErr: errors.New("write: broken pipe")}

	notifier.On("Send", mock.Anything, operatorRecipient, "Vendor link lost", mock.Anything).Return(nil).Once()

	for i := 0; i < maxKeepAliveFailures-1; i++ {
		w.keepAlive(context.Background(), l)
	}
	select {
	case <-l.lost:
		t.Fatal("link dropped before failure limit")
	default:
	}

	w.keepAlive(context.Background(), l)
	select {
	case <-l.lost:
	default:
		t.Fatal("link not dropped at failure limit")
	}
	notifier.AssertExpectations(t)
}

func TestSMPPWorker_EnquireLinkRespResetsFailures(t *testing.T) {
	w := newTestWorker(dlr.NewStore(0), new(mockForwarder), nil)
	l := newLink()
	sess := &fakeSession{}
	l.sess = sess

	w.keepAlive(context.Background(), l)
	w.keepAlive(context.Background(), l)
	assert.Equal(t, int32(1), l.failures.Load())

	el := pdu.NewEnquireLink()
	w.handleExpectedPduResponse(context.Background(), l)(gosmpp.Response{
		PDU:             el.GetResponse(),
		OriginalRequest: gosmpp.Request{PDU: el},
	})
	assert.Equal(t, int32(0), l.failures.Load())
	assert.False(t, l.awaitingEnquire.Load())
}

func TestParseReceipt(t *testing.T) {
	rc, err := ParseReceipt("id:ABC123 sub:001 dlvrd:001 submit date:2401011200 done date:2401011201 stat:UNDELIV err:012 text:x")
	require.NoError(t, err)
	assert.Equal(t, Receipt{ID: "ABC123", Stat: "UNDELIV", Err: "012"}, rc)

	rc, err = ParseReceipt("ID:abc STAT:DELIVRD")
	require.NoError(t, err)
	assert.Equal(t, "abc", rc.ID)
	assert.Equal(t, "DELIVRD", rc.Stat)

	_, err = ParseReceipt("stat:DELIVRD err:000")
	assert.Error(t, err)
}

func TestSMPPWorker_ExpiredSubmitClearsPending(t *testing.T) {
	store := dlr.NewStore(0)
	w := newTestWorker(store, new(mockForwarder), nil)
	msg := acceptedMessage(store, "int-exp")

	sub := pdu.NewSubmitSM().(*pdu.SubmitSM)
	w.pending.Store(sub.GetSequenceNumber(), msg)

	closeSession := w.handleExpiredPduRequest(context.Background())(sub)
	assert.False(t, closeSession)

	_, stillPending := w.pending.Load(sub.GetSequenceNumber())
	assert.False(t, stillPending)
	p, _ := store.GetDlrPayload("int-exp")
	assert.Equal(t, codes.DlrStatusAccepted, p.Status)
	assert.Empty(t, p.SmscID)
}

func TestDialSMPP_BindsWithWorkerSettings(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	boundAs := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		p, err := pdu.Parse(conn)
		if err != nil {
			return
		}
		bind, ok := p.(*pdu.BindRequest)
		if !ok {
			return
		}
		boundAs <- bind.SystemID
		buf := pdu.NewBuffer(nil)
		bind.GetResponse().Marshal(buf)
		_, _ = conn.Write(buf.Bytes())
		_, _ = io.Copy(io.Discard, conn)
	}()

	_, portText, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	conf := testVendor()
	conf.Port = port
	w := NewSMPPWorker(conf, WorkerOptions{}, WorkerDeps{Store: dlr.NewStore(0), Forwarder: new(mockForwarder)})

	sess, err := DialSMPP(conf, w.sessionSettings(context.Background(), newLink()))
	require.NoError(t, err)
	defer sess.Close()

	select {
	case systemID := <-boundAs:
		assert.Equal(t, "sys", systemID)
	case <-time.After(time.Second):
		t.Fatal("bind request never reached the listener")
	}
}
