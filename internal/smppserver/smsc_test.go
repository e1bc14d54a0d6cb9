package smppserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrillee/smsgateway/internal/config"
	"github.com/thrillee/smsgateway/internal/sms"
	"github.com/thrillee/smsgateway/pkg/codes"
)

type staticAuth map[string]string

func (a staticAuth) AuthenticateSMPP(systemID, password string) bool {
	want, ok := a[systemID]
	return ok && want == password
}

type recordingRouter struct {
	mu   sync.Mutex
	msgs []*sms.Message
	got  chan *sms.Message
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{got: make(chan *sms.Message, 8)}
}

func (r *recordingRouter) Route(_ context.Context, msg *sms.Message) bool {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.got <- msg
	return true
}

func (r *recordingRouter) next(t *testing.T) *sms.Message {
	t.Helper()
	select {
	case m := <-r.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message routed")
		return nil
	}
}

func startServer(t *testing.T, maxConns int) (*Server, *recordingRouter) {
	t.Helper()
	router := newRecordingRouter()
	return startServerWith(t, router, maxConns), router
}

func startServerWith(t *testing.T, router MessageRouter, maxConns int) *Server {
	t.Helper()
	srv := NewServer(config.ServerConfig{
		SystemID:       "gateway",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		MaxConnections: maxConns,
	}, staticAuth{"client": "secret"}, router)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, p pdu.PDU) {
	t.Helper()
	buf := pdu.NewBuffer(nil)
	p.Marshal(buf)
	_, err := c.conn.Write(buf.Bytes())
	require.NoError(t, err)
}

func (c *testClient) sendRaw(t *testing.T, cmdID, seq uint32) {
	t.Helper()
	b := make([]byte, headerLen)
	binary.BigEndian.PutUint32(b[0:], headerLen)
	binary.BigEndian.PutUint32(b[4:], cmdID)
	binary.BigEndian.PutUint32(b[12:], seq)
	_, err := c.conn.Write(b)
	require.NoError(t, err)
}

func (c *testClient) read(t *testing.T) (PDUHeader, []byte) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr, raw, err := readPDU(c.r)
	require.NoError(t, err)
	return hdr, raw
}

func (c *testClient) readParsed(t *testing.T) pdu.PDU {
	t.Helper()
	_, raw := c.read(t)
	p, err := pdu.Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	return p
}

func (c *testClient) bind(t *testing.T, password string) *pdu.BindResp {
	t.Helper()
	req := pdu.NewBindRequest(pdu.Transceiver)
	req.SystemID = "client"
	req.Password = password
	c.send(t, req)
	resp, ok := c.readParsed(t).(*pdu.BindResp)
	require.True(t, ok)
	return resp
}

func newSubmit(t *testing.T, from, to, text string, registered byte) *pdu.SubmitSM {
	t.Helper()
	sm := pdu.NewSubmitSM().(*pdu.SubmitSM)
	src := pdu.NewAddress()
	require.NoError(t, src.SetAddress(from))
	dst := pdu.NewAddress()
	require.NoError(t, dst.SetAddress(to))
	sm.SourceAddr = src
	sm.DestAddr = dst
	sm.RegisteredDelivery = registered
	require.NoError(t, sm.Message.SetMessageWithEncoding(text, data.GSM7BIT))
	return sm
}

func TestServer_BindRejectsBadPassword(t *testing.T) {
	srv, _ := startServer(t, 0)
	c := dial(t, srv)

	resp := c.bind(t, "wrong")
	assert.Equal(t, data.ESME_RBINDFAIL, resp.CommandStatus)
	assert.Equal(t, 0, srv.SessionCount())
}

func TestServer_CommandBeforeBind(t *testing.T) {
	srv, router := startServer(t, 0)
	c := dial(t, srv)

	c.send(t, newSubmit(t, "SENDER", "2348012345678", "hi", 1))
	hdr, _ := c.read(t)

	assert.Equal(t, CommandSubmitSM|responseBit, hdr.CommandID)
	assert.Equal(t, uint32(data.ESME_RINVBNDSTS), hdr.CommandStatus)
	assert.Empty(t, router.got)
}

func TestServer_SubmitRoutesWithSession(t *testing.T) {
	srv, router := startServer(t, 0)
	c := dial(t, srv)

	resp := c.bind(t, "secret")
	require.Equal(t, data.ESME_ROK, resp.CommandStatus)
	assert.Equal(t, "gateway", resp.SystemID)

	c.send(t, newSubmit(t, "SENDER", "2348012345678", "hello world", 1))
	submitResp, ok := c.readParsed(t).(*pdu.SubmitSMResp)
	require.True(t, ok)
	assert.Equal(t, data.ESME_ROK, submitResp.CommandStatus)
	assert.NotEmpty(t, submitResp.MessageID)

	msg := router.next(t)
	assert.Equal(t, submitResp.MessageID, msg.InternalID)
	assert.Equal(t, "SENDER", msg.From)
	assert.Equal(t, "2348012345678", msg.To)
	assert.Equal(t, "hello world", msg.Text)
	assert.Equal(t, codes.CodingGSM, msg.Coding)
	require.NotNil(t, msg.SessionID)
	assert.True(t, srv.HasSession(*msg.SessionID))
}

// gateRouter blocks in Route until released.
type gateRouter struct {
	entered chan *sms.Message
	release chan struct{}
}

func (g *gateRouter) Route(_ context.Context, msg *sms.Message) bool {
	g.entered <- msg
	<-g.release
	return true
}

func TestServer_RoutesBeforeAcknowledging(t *testing.T) {
	router := &gateRouter{entered: make(chan *sms.Message, 1), release: make(chan struct{})}
	srv := startServerWith(t, router, 0)
	c := dial(t, srv)
	c.bind(t, "secret")

	c.send(t, newSubmit(t, "SENDER", "2348012345678", "hold", 1))
	var msg *sms.Message
	select {
	case msg = <-router.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("message never routed")
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := c.r.Peek(1)
	require.Error(t, err, "response written while routing was still in progress")

	close(router.release)
	resp, ok := c.readParsed(t).(*pdu.SubmitSMResp)
	require.True(t, ok)
	assert.Equal(t, msg.InternalID, resp.MessageID)
}

// receiptRouter answers every routed message with an immediate receipt on
// its originating session, the way a no-route outcome does.
type receiptRouter struct {
	srv  *Server
	sent chan error
}

func (r *receiptRouter) Route(_ context.Context, msg *sms.Message) bool {
	payload := &sms.DlrPayload{
		ForwardingID: msg.InternalID,
		Status:       codes.DlrStatusUndeliv,
		ErrorCode:    codes.ErrorCodeNoRoute,
		FromAddress:  msg.From,
		ToAddress:    msg.To,
		Body:         msg.Text,
	}
	go func() { r.sent <- r.srv.SendReceipt(context.Background(), *msg.SessionID, payload) }()
	time.Sleep(50 * time.Millisecond)
	return false
}

func TestServer_ReceiptFollowsSubmitResp(t *testing.T) {
	router := &receiptRouter{sent: make(chan error, 1)}
	srv := startServerWith(t, router, 0)
	router.srv = srv
	c := dial(t, srv)
	c.bind(t, "secret")

	c.send(t, newSubmit(t, "SENDER", "2348012345678", "nowhere", 1))

	_, ok := c.readParsed(t).(*pdu.SubmitSMResp)
	require.True(t, ok, "submit response must precede the receipt")
	d, ok := c.readParsed(t).(*pdu.DeliverSM)
	require.True(t, ok)
	assert.Equal(t, byte(esmClassReceipt), d.EsmClass)
	require.NoError(t, <-router.sent)
}

func TestServer_NoReceiptRequestedLeavesSessionUnset(t *testing.T) {
	srv, router := startServer(t, 0)
	c := dial(t, srv)
	c.bind(t, "secret")

	c.send(t, newSubmit(t, "SENDER", "2348012345678", "quiet", 0))
	c.readParsed(t)

	msg := router.next(t)
	assert.Nil(t, msg.SessionID)
}

func TestServer_UCS2SubmitKeepsCoding(t *testing.T) {
	srv, router := startServer(t, 0)
	c := dial(t, srv)
	c.bind(t, "secret")

	sm := newSubmit(t, "SENDER", "2348012345678", "x", 0)
	require.NoError(t, sm.Message.SetMessageWithEncoding("Привет", data.UCS2))
	c.send(t, sm)
	c.readParsed(t)

	msg := router.next(t)
	assert.Equal(t, "Привет", msg.Text)
	assert.Equal(t, codes.CodingUCS2, msg.Coding)
}

func TestServer_UnsupportedCommandGetsGenericNack(t *testing.T) {
	srv, _ := startServer(t, 0)
	c := dial(t, srv)
	c.bind(t, "secret")

	// query_sm
	c.sendRaw(t, 0x00000003, 42)
	hdr, _ := c.read(t)
	assert.Equal(t, CommandGenericNack, hdr.CommandID)
	assert.Equal(t, uint32(data.ESME_RINVCMDID), hdr.CommandStatus)
	assert.Equal(t, uint32(42), hdr.SequenceNumber)
}

func TestServer_EnquireLink(t *testing.T) {
	srv, _ := startServer(t, 0)
	c := dial(t, srv)
	c.bind(t, "secret")

	c.send(t, pdu.NewEnquireLink())
	_, ok := c.readParsed(t).(*pdu.EnquireLinkResp)
	assert.True(t, ok)
}

func TestServer_SendReceipt(t *testing.T) {
	srv, router := startServer(t, 0)
	c := dial(t, srv)
	c.bind(t, "secret")

	c.send(t, newSubmit(t, "SENDER", "2348012345678", "hello", 1))
	c.readParsed(t)
	msg := router.next(t)
	require.NotNil(t, msg.SessionID)

	payload := &sms.DlrPayload{
		ForwardingID: msg.InternalID,
		Status:       codes.DlrStatusDelivered,
		ErrorCode:    "000",
		FromAddress:  msg.From,
		ToAddress:    msg.To,
		Body:         msg.Text,
	}
	require.NoError(t, srv.SendReceipt(context.Background(), *msg.SessionID, payload))

	d, ok := c.readParsed(t).(*pdu.DeliverSM)
	require.True(t, ok)
	assert.Equal(t, byte(esmClassReceipt), d.EsmClass)
	assert.Equal(t, "2348012345678", d.SourceAddr.Address())
	assert.Equal(t, "SENDER", d.DestAddr.Address())
	text, err := d.Message.GetMessage()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "id:"+msg.InternalID+" "))
	assert.Contains(t, text, "stat:"+codes.DlrStatusDelivered)
}

func TestServer_SendReceiptUnknownSession(t *testing.T) {
	srv, _ := startServer(t, 0)
	err := srv.SendReceipt(context.Background(), 999, &sms.DlrPayload{ForwardingID: "x"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestServer_UnbindClosesSession(t *testing.T) {
	srv, router := startServer(t, 0)
	c := dial(t, srv)
	c.bind(t, "secret")

	c.send(t, newSubmit(t, "SENDER", "2348012345678", "bye", 1))
	c.readParsed(t)
	msg := router.next(t)
	require.NotNil(t, msg.SessionID)

	c.send(t, pdu.NewUnbind())
	_, ok := c.readParsed(t).(*pdu.UnbindResp)
	require.True(t, ok)

	assert.Eventually(t, func() bool { return !srv.HasSession(*msg.SessionID) }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_MaxConnections(t *testing.T) {
	srv, _ := startServer(t, 1)
	first := dial(t, srv)
	first.bind(t, "secret")

	second := dial(t, srv)
	_ = second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := readPDU(second.r)
	assert.Error(t, err)
}

func TestDecodeShortMessage_Binary(t *testing.T) {
	var sm pdu.ShortMessage
	require.NoError(t, sm.SetMessageDataWithEncoding([]byte{0xCA, 0xFE}, data.BINARY8BIT2))

	text, coding, err := decodeShortMessage(&sm)
	require.NoError(t, err)
	assert.Equal(t, "cafe", text)
	assert.Equal(t, codes.CodingHex, coding)
}
