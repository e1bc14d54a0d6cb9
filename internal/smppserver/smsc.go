package smppserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"

	"github.com/thrillee/smsgateway/internal/config"
	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/metrics"
	"github.com/thrillee/smsgateway/internal/sms"
	"github.com/thrillee/smsgateway/pkg/codes"
)

var ErrSessionNotFound = errors.New("smpp session not found")

// MessageRouter takes ownership of inbound messages. Route runs with the
// originating session's write lock held and must not write to that session
// synchronously.
type MessageRouter interface {
	Route(ctx context.Context, msg *sms.Message) bool
}

// Authenticator checks bind credentials.
type Authenticator interface {
	AuthenticateSMPP(systemID, password string) bool
}

// PDUHeader is the SMPP PDU header (16 bytes).
type PDUHeader struct {
	Length         uint32
	CommandID      uint32
	CommandStatus  uint32
	SequenceNumber uint32
}

// session holds one client connection. id and systemID are set once at bind.
type session struct {
	id       int64
	systemID string
	conn     net.Conn
	writer   *bufio.Writer
	writeMu  sync.Mutex
	boundAt  time.Time
}

func (ss *session) bound() bool { return ss.id != 0 }

// Server is the raw SMPP TCP server clients bind to.
type Server struct {
	config config.ServerConfig
	auth   Authenticator
	router MessageRouter

	sessionsMu sync.RWMutex
	sessions   map[int64]*session
	nextID     atomic.Int64

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	listenerMu   sync.Mutex
	listener     net.Listener
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	now func() time.Time
}

func NewServer(cfg config.ServerConfig, auth Authenticator, router MessageRouter) *Server {
	return &Server{
		config:   cfg,
		auth:     auth,
		router:   router,
		sessions: make(map[int64]*session),
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()
	slog.Info("SMPP server listening", slog.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				slog.Info("SMPP listener closed")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept SMPP connection", slog.Any("error", err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		logCtx := logging.ContextWithRemoteAddr(context.Background(), conn.RemoteAddr().String())
		if !s.trackConn(conn) {
			slog.WarnContext(logCtx, "Connection limit reached, rejecting SMPP connection", slog.Int("max", s.config.MaxConnections))
			_ = conn.Close()
			continue
		}

		slog.InfoContext(logCtx, "Accepted SMPP connection")
		s.wg.Add(1)
		go s.handleSession(logCtx, &session{conn: conn, writer: bufio.NewWriter(conn)})
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// handleSession reads and processes PDUs for a single connection.
func (s *Server) handleSession(ctx context.Context, ss *session) {
	defer func() {
		if ss.bound() {
			s.removeSession(ctx, ss.id)
		}
		_ = ss.conn.Close()
		s.untrackConn(ss.conn)
		slog.InfoContext(ctx, "Closed SMPP client connection")
		s.wg.Done()
	}()

	r := bufio.NewReader(ss.conn)
	for {
		if s.config.ReadTimeout > 0 {
			_ = ss.conn.SetReadDeadline(s.now().Add(s.config.ReadTimeout))
		}

		hdr, raw, err := readPDU(r)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				slog.InfoContext(ctx, "Client closed connection")
			case errors.As(err, &netErr) && netErr.Timeout():
				slog.InfoContext(ctx, "Client connection idle, closing")
			case errors.Is(err, net.ErrClosed):
				slog.InfoContext(ctx, "Connection closed")
			default:
				slog.WarnContext(ctx, "Error reading PDU", slog.Any("error", err))
			}
			return
		}

		logCtx := logging.ContextWithPDUInfo(ctx, commandIDToString(hdr.CommandID), int32(hdr.SequenceNumber))
		if ss.bound() {
			logCtx = logging.ContextWithSessionID(logging.ContextWithSystemID(logCtx, ss.systemID), ss.id)
		}

		if hdr.CommandID&responseBit != 0 {
			slog.DebugContext(logCtx, "Received response PDU from client", slog.Uint64("status", uint64(hdr.CommandStatus)))
			continue
		}
		if !ss.bound() && !isBind(hdr.CommandID) {
			slog.WarnContext(logCtx, "Received command before bind")
			s.writeHeader(logCtx, ss, hdr.CommandID|responseBit, hdr.SequenceNumber, data.ESME_RINVBNDSTS)
			continue
		}
		if !isHandled(hdr.CommandID) {
			slog.WarnContext(logCtx, "Unsupported command")
			s.writeHeader(logCtx, ss, CommandGenericNack, hdr.SequenceNumber, data.ESME_RINVCMDID)
			continue
		}

		p, err := pdu.Parse(bytes.NewReader(raw))
		if err != nil {
			slog.WarnContext(logCtx, "Malformed PDU", slog.Any("error", err))
			s.writeHeader(logCtx, ss, CommandGenericNack, hdr.SequenceNumber, data.ESME_RINVCMDLEN)
			continue
		}

		switch pd := p.(type) {
		case *pdu.BindRequest:
			if ss.bound() {
				resp := pd.GetResponse().(*pdu.BindResp)
				resp.CommandStatus = data.ESME_RALYBND
				s.writePDU(logCtx, ss, resp)
				continue
			}
			s.handleBind(logCtx, ss, pd)

		case *pdu.SubmitSM:
			s.handleSubmitSM(logCtx, ss, pd)

		case *pdu.DeliverSM:
			s.handleDeliverSM(logCtx, ss, pd)

		case *pdu.EnquireLink:
			s.writePDU(logCtx, ss, pd.GetResponse())

		case *pdu.Unbind:
			slog.InfoContext(logCtx, "Client requested unbind")
			s.writePDU(logCtx, ss, pd.GetResponse())
			return

		default:
			s.writeHeader(logCtx, ss, CommandGenericNack, hdr.SequenceNumber, data.ESME_RINVCMDID)
		}
	}
}

// readPDU reads one PDU and returns its header and the full encoded bytes.
func readPDU(r io.Reader) (PDUHeader, []byte, error) {
	var hdr PDUHeader
	hdrBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return PDUHeader{}, nil, err
	}

	hdr.Length = binary.BigEndian.Uint32(hdrBytes[0:4])
	hdr.CommandID = binary.BigEndian.Uint32(hdrBytes[4:8])
	hdr.CommandStatus = binary.BigEndian.Uint32(hdrBytes[8:12])
	hdr.SequenceNumber = binary.BigEndian.Uint32(hdrBytes[12:16])

	if hdr.Length < headerLen || hdr.Length > maxPDULen {
		return hdr, nil, fmt.Errorf("invalid PDU length: %d", hdr.Length)
	}

	raw := make([]byte, hdr.Length)
	copy(raw, hdrBytes)
	if _, err := io.ReadFull(r, raw[headerLen:]); err != nil {
		return hdr, nil, fmt.Errorf("read PDU body (expected %d bytes): %w", hdr.Length-headerLen, err)
	}
	return hdr, raw, nil
}

func (s *Server) writePDU(ctx context.Context, ss *session, p pdu.PDU) error {
	buf := pdu.NewBuffer(nil)
	p.Marshal(buf)
	if err := s.writeRaw(ctx, ss, buf.Bytes()); err != nil {
		slog.WarnContext(ctx, "Failed to write PDU", slog.Any("error", err))
		return err
	}
	return nil
}

// writeHeader sends a body-less PDU, used for error responses and generic_nack.
func (s *Server) writeHeader(ctx context.Context, ss *session, cmdID, seq uint32, status data.CommandStatusType) {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint32(buf[0:], headerLen)
	binary.BigEndian.PutUint32(buf[4:], cmdID)
	binary.BigEndian.PutUint32(buf[8:], uint32(status))
	binary.BigEndian.PutUint32(buf[12:], seq)
	if err := s.writeRaw(ctx, ss, buf); err != nil {
		slog.WarnContext(ctx, "Failed to write error response", slog.Any("error", err))
	}
}

func (s *Server) writeRaw(ctx context.Context, ss *session, b []byte) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	return s.writeLocked(ctx, ss, b)
}

// writeLocked writes b to the session. The caller holds ss.writeMu.
func (s *Server) writeLocked(ctx context.Context, ss *session, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var deadline time.Time
	if s.config.WriteTimeout > 0 {
		deadline = s.now().Add(s.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = ss.conn.SetWriteDeadline(deadline)

	n, err := ss.writer.Write(b)
	if err == nil && n != len(b) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = ss.writer.Flush()
	}
	return err
}

func (s *Server) handleBind(ctx context.Context, ss *session, req *pdu.BindRequest) {
	logCtx := logging.ContextWithSystemID(ctx, req.SystemID)
	resp := req.GetResponse().(*pdu.BindResp)
	resp.SystemID = s.config.SystemID

	if s.auth == nil || !s.auth.AuthenticateSMPP(req.SystemID, req.Password) {
		slog.WarnContext(logCtx, "Bind rejected")
		resp.CommandStatus = data.ESME_RBINDFAIL
		s.writePDU(logCtx, ss, resp)
		return
	}

	ss.id = s.nextID.Add(1)
	ss.systemID = req.SystemID
	ss.boundAt = s.now()

	s.sessionsMu.Lock()
	s.sessions[ss.id] = ss
	s.sessionsMu.Unlock()
	metrics.InboundSessions.Inc()

	logCtx = logging.ContextWithSessionID(logCtx, ss.id)
	if err := s.writePDU(logCtx, ss, resp); err != nil {
		return
	}
	slog.InfoContext(logCtx, "Bind successful")
}

func (s *Server) handleSubmitSM(ctx context.Context, ss *session, sm *pdu.SubmitSM) {
	resp := sm.GetResponse().(*pdu.SubmitSMResp)
	msg, err := s.envelope(ss, sm.SourceAddr.Address(), sm.DestAddr.Address(), &sm.Message, sm.RegisteredDelivery)
	if err != nil {
		slog.WarnContext(ctx, "Cannot decode SubmitSM body", slog.Any("error", err))
		resp.CommandStatus = data.ESME_RSYSERR
		s.writePDU(ctx, ss, resp)
		return
	}
	logCtx := logging.ContextWithInternalID(ctx, msg.InternalID)

	resp.MessageID = msg.InternalID
	if s.routeThenAck(logCtx, ss, msg, resp) {
		slog.InfoContext(logCtx, "SubmitSM accepted", slog.Bool("receipt_requested", msg.SessionID != nil))
	}
}

// handleDeliverSM routes a DeliverSM from a peer SMSC like a submission.
func (s *Server) handleDeliverSM(ctx context.Context, ss *session, d *pdu.DeliverSM) {
	resp := d.GetResponse().(*pdu.DeliverSMResp)
	msg, err := s.envelope(ss, d.SourceAddr.Address(), d.DestAddr.Address(), &d.Message, d.RegisteredDelivery)
	if err != nil {
		slog.WarnContext(ctx, "Cannot decode DeliverSM body", slog.Any("error", err))
		resp.CommandStatus = data.ESME_RSYSERR
		s.writePDU(ctx, ss, resp)
		return
	}
	logCtx := logging.ContextWithInternalID(ctx, msg.InternalID)
	if s.routeThenAck(logCtx, ss, msg, resp) {
		slog.InfoContext(logCtx, "DeliverSM accepted from peer")
	}
}

// routeThenAck hands msg to the router and then writes resp. The session's
// write lock is held throughout, so a receipt produced while routing is
// written after resp.
func (s *Server) routeThenAck(ctx context.Context, ss *session, msg *sms.Message, resp pdu.PDU) bool {
	buf := pdu.NewBuffer(nil)
	resp.Marshal(buf)

	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	s.router.Route(ctx, msg)
	if err := s.writeLocked(ctx, ss, buf.Bytes()); err != nil {
		slog.WarnContext(ctx, "Failed to write PDU", slog.Any("error", err))
		return false
	}
	return true
}

func (s *Server) envelope(ss *session, from, to string, sm *pdu.ShortMessage, registeredDelivery byte) (*sms.Message, error) {
	text, coding, err := decodeShortMessage(sm)
	if err != nil {
		return nil, err
	}
	msg := &sms.Message{
		From:       from,
		To:         to,
		Text:       text,
		Coding:     coding,
		Timestamp:  s.now(),
		InternalID: uuid.NewString(),
	}
	if registeredDelivery&registeredDeliveryMask != 0 {
		id := ss.id
		msg.SessionID = &id
	}
	return msg, nil
}

// decodeShortMessage returns the text with any UDH removed and the coding name
// outbound workers should re-encode it with.
func decodeShortMessage(sm *pdu.ShortMessage) (string, string, error) {
	raw, err := sm.GetMessageData()
	if err != nil {
		return "", "", err
	}
	var dc byte
	if enc := sm.Encoding(); enc != nil {
		dc = enc.DataCoding()
	}

	switch dc {
	case dataCodingUCS2:
		text, err := data.UCS2.Decode(raw)
		return text, codes.CodingUCS2, err
	case dataCodingLatin1:
		text, err := data.LATIN1.Decode(raw)
		return text, codes.CodingLatin1, err
	case dataCodingBinary1, dataCodingBinary2:
		return hex.EncodeToString(raw), codes.CodingHex, nil
	default:
		text, err := data.GSM7BIT.Decode(raw)
		return text, codes.CodingGSM, err
	}
}

// HasSession reports whether sessionID is currently bound.
func (s *Server) HasSession(sessionID int64) bool {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// SendReceipt writes a delivery receipt for payload to the session.
func (s *Server) SendReceipt(ctx context.Context, sessionID int64, payload *sms.DlrPayload) error {
	s.sessionsMu.RLock()
	ss, ok := s.sessions[sessionID]
	s.sessionsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}

	logCtx := logging.ContextWithSystemID(logging.ContextWithSessionID(ctx, sessionID), ss.systemID)
	d, err := BuildReceipt(payload, s.now())
	if err != nil {
		return err
	}
	if err := s.writePDU(logCtx, ss, d); err != nil {
		return fmt.Errorf("write receipt to session %d: %w", sessionID, err)
	}
	slog.InfoContext(logCtx, "Delivery receipt sent", slog.String("internal_id", payload.ForwardingID), slog.String("status", payload.Status))
	return nil
}

// SessionCount returns the number of bound sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func (s *Server) removeSession(ctx context.Context, id int64) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if _, exists := s.sessions[id]; exists {
		delete(s.sessions, id)
		metrics.InboundSessions.Dec()
		slog.InfoContext(logging.ContextWithSessionID(ctx, id), "Removed client session")
	}
}

// Shutdown stops accepting, closes every connection and waits for handlers
// to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "Shutting down SMPP server")
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	s.listenerMu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.listenerMu.Unlock()

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.InfoContext(ctx, "SMPP server shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
