package logging

import (
	"context"
	"log/slog"
	"strings"
)

type contextKey string

const (
	VendorIDKey    contextKey = "vendor_id"
	InternalIDKey  contextKey = "internal_id"
	VendorMsgIDKey contextKey = "vendor_msg_id"
	SessionIDKey   contextKey = "session_id"
	SystemIDKey    contextKey = "system_id"
	CommandIDKey   contextKey = "cmd_id"
	SeqNumberKey   contextKey = "seq_num"
	RuleGroupKey   contextKey = "rule_group"
	RemoteAddrKey  contextKey = "remote_addr"
	RequestIDKey   contextKey = "request_id"
)

// ContextHandler wraps another slog.Handler and adds attributes from context.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates a handler that extracts values from context.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle adds context attributes before calling the wrapped handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []contextKey{
		VendorIDKey, InternalIDKey, VendorMsgIDKey, SystemIDKey,
		CommandIDKey, RuleGroupKey, RemoteAddrKey, RequestIDKey,
	} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(int64); ok {
		r.AddAttrs(slog.Int64(string(SessionIDKey), sessionID))
	}
	if seq, ok := ctx.Value(SeqNumberKey).(int32); ok {
		r.AddAttrs(slog.Int(string(SeqNumberKey), int(seq)))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the context extraction when loggers are derived with attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the context extraction when loggers are derived with a group.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// Helper functions to add values to context
func ContextWithVendorID(ctx context.Context, vendorID string) context.Context {
	return context.WithValue(ctx, VendorIDKey, vendorID)
}

func ContextWithInternalID(ctx context.Context, internalID string) context.Context {
	return context.WithValue(ctx, InternalIDKey, internalID)
}

func ContextWithVendorMsgID(ctx context.Context, vendorMsgID string) context.Context {
	return context.WithValue(ctx, VendorMsgIDKey, vendorMsgID)
}

func ContextWithSessionID(ctx context.Context, sessionID int64) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func ContextWithSystemID(ctx context.Context, systemID string) context.Context {
	return context.WithValue(ctx, SystemIDKey, systemID)
}

func ContextWithPDUInfo(ctx context.Context, commandID string, seqNumber int32) context.Context {
	ctx = context.WithValue(ctx, CommandIDKey, commandID)
	return context.WithValue(ctx, SeqNumberKey, seqNumber)
}

func ContextWithRuleGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, RuleGroupKey, group)
}

func ContextWithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
