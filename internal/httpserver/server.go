package httpserver

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thrillee/smsgateway/internal/auth"
	"github.com/thrillee/smsgateway/internal/config"
	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/metrics"
	"github.com/thrillee/smsgateway/internal/sms"
)

const (
	apiKeyHeader    = "X-API-Key"
	requestIDHeader = "X-Request-Id"
)

// MessageRouter takes ownership of accepted messages.
type MessageRouter interface {
	Route(ctx context.Context, msg *sms.Message) bool
}

// KeyValidator checks HTTP API keys.
type KeyValidator interface {
	ValidateAPIKey(key string, types ...string) bool
}

// PayloadReader exposes stored DLR payloads.
type PayloadReader interface {
	AllDlrPayloads() []*sms.DlrPayload
	GetDlrPayload(internalID string) (*sms.DlrPayload, bool)
}

// Server implements the HTTP ingress for message submission and DLR status.
type Server struct {
	config     config.HttpConfig
	keys       KeyValidator
	router     MessageRouter
	payloads   PayloadReader
	httpServer *http.Server
	mu         sync.Mutex
	stopOnce   sync.Once
	now        func() time.Time
}

func NewServer(cfg config.HttpConfig, keys KeyValidator, router MessageRouter, payloads PayloadReader) *Server {
	if router == nil {
		panic("Message router cannot be nil for HTTP Server")
	}
	return &Server{
		config:   cfg,
		keys:     keys,
		router:   router,
		payloads: payloads,
		now:      time.Now,
	}
}

// Handler builds the gin engine with every route.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestContext(), metrics.GinMiddleware())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api", s.authMiddleware())
	{
		api.POST("/sms/send", s.handleSendSMS)
		api.GET("/dlr/status", s.handleListDLR)
		api.GET("/dlr/status/:internalID", s.handleGetDLR)
	}
	return engine
}

// ListenAndServe starts the HTTP server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("http server already started")
	}
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	srv := s.httpServer
	s.mu.Unlock()

	slog.Info("Starting HTTP Server", slog.String("address", s.config.Addr))
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server ListenAndServe error", slog.Any("error", err))
		return err
	}
	slog.Info("HTTP Server stopped.")
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "Shutdown requested for HTTP server")
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv != nil {
			srv.SetKeepAlivesEnabled(false)
			err = srv.Shutdown(ctx)
		}
	})
	return err
}

// requestContext tags each request with an id and puts it in the logging context.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		ctx := logging.ContextWithRequestID(c.Request.Context(), id)
		ctx = logging.ContextWithRemoteAddr(ctx, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.config.RequireKey {
			c.Next()
			return
		}
		key := c.GetHeader(apiKeyHeader)
		if key == "" || s.keys == nil || !s.keys.ValidateAPIKey(key, auth.KeyTypeMessage, auth.KeyTypeAdmin) {
			slog.WarnContext(c.Request.Context(), "HTTP auth failed: missing or invalid API key", slog.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, messageResponse{Error: "Unauthorized"})
			return
		}
		c.Next()
	}
}

type submitRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Text       string `json:"text"`
	Coding     string `json:"coding,omitempty"`
	ForwardURL string `json:"forwardUrl,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

type messageResponse struct {
	Status     string `json:"status,omitempty"`
	InternalID string `json:"internalId,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleSendSMS(c *gin.Context) {
	ctx := c.Request.Context()

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "Failed to decode SMS request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, messageResponse{Error: "Invalid request payload"})
		return
	}

	msg := &sms.Message{
		From:       req.From,
		To:         req.To,
		Text:       req.Text,
		Coding:     req.Coding,
		ForwardURL: req.ForwardURL,
		Timestamp:  s.now(),
	}
	if err := sms.Validate(msg); err != nil {
		slog.WarnContext(ctx, "Invalid SMS payload received",
			slog.String("from", req.From),
			slog.String("to", req.To),
			slog.Any("error", err),
		)
		c.JSON(http.StatusBadRequest, messageResponse{Error: "Invalid request payload"})
		return
	}
	// Validate has accepted the coding already.
	msg.Coding, _ = sms.NormalizeCoding(msg.Coding)
	msg.InternalID = uuid.NewString()

	logCtx := logging.ContextWithInternalID(ctx, msg.InternalID)
	slog.InfoContext(logCtx, "Received SMS", slog.String("from", msg.From), slog.String("to", msg.To))

	handled := s.router.Route(logCtx, msg)
	slog.InfoContext(logCtx, "Routed SMS", slog.Bool("handled", handled))

	c.JSON(http.StatusOK, messageResponse{Status: "Message received", InternalID: msg.InternalID})
}

func (s *Server) handleListDLR(c *gin.Context) {
	if s.payloads == nil {
		c.JSON(http.StatusOK, []*sms.DlrPayload{})
		return
	}
	payloads := s.payloads.AllDlrPayloads()
	slices.SortFunc(payloads, func(a, b *sms.DlrPayload) int {
		if n := compareTimes(a.ReceivedAt, b.ReceivedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ForwardingID, b.ForwardingID)
	})
	c.JSON(http.StatusOK, payloads)
}

func (s *Server) handleGetDLR(c *gin.Context) {
	id := c.Param("internalID")
	if s.payloads != nil {
		if p, ok := s.payloads.GetDlrPayload(id); ok {
			c.JSON(http.StatusOK, p)
			return
		}
	}
	c.JSON(http.StatusNotFound, messageResponse{Error: "DLR not found"})
}

func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}
