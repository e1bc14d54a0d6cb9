package routing

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/metrics"
	"github.com/thrillee/smsgateway/internal/sms"
	"github.com/thrillee/smsgateway/pkg/codes"
)

// Destination accepts a routed message, typically an outbound vendor worker.
type Destination interface {
	Process(ctx context.Context, msg *sms.Message) bool
}

// DestinationLookup resolves a destination id to a running destination.
type DestinationLookup func(id string) (Destination, bool)

// RuleSource supplies rule groups by name.
type RuleSource interface {
	RulesForGroup(name string) ([]Rule, bool)
}

// PayloadStore is the subset of the DLR store the router writes to.
type PayloadStore interface {
	StoreDlrPayload(p *sms.DlrPayload)
	GetDlrPayload(internalID string) (*sms.DlrPayload, bool)
	Update(internalID string, fn func(p *sms.DlrPayload)) bool
}

// DLRForwarder returns failure DLRs to the originator.
type DLRForwarder interface {
	Forward(ctx context.Context, payload *sms.DlrPayload, vendorLabel string)
}

// Router evaluates rule groups for each message and hands it to a destination.
type Router struct {
	rules        RuleSource
	destinations DestinationLookup
	store        PayloadStore
	forwarder    DLRForwarder
	now          func() time.Time
}

func NewRouter(rules RuleSource, destinations DestinationLookup, store PayloadStore, forwarder DLRForwarder) *Router {
	return &Router{
		rules:        rules,
		destinations: destinations,
		store:        store,
		forwarder:    forwarder,
		now:          time.Now,
	}
}

// Route records an ACCEPTED payload for msg and evaluates the default group.
// When nothing handles the message its payload is failed with the no-route
// code and forwarded. It reports whether a rule handled the message.
func (r *Router) Route(ctx context.Context, msg *sms.Message) bool {
	logCtx := logging.ContextWithInternalID(ctx, msg.InternalID)
	r.store.StoreDlrPayload(sms.NewAcceptedPayload(msg, codes.DlrStatusAccepted, r.now()))

	if r.evaluate(logCtx, msg, DefaultGroup) {
		return true
	}

	slog.InfoContext(logCtx, "Message not handled by any rule or chain",
		slog.String("from", msg.From),
		slog.String("to", msg.To),
	)
	metrics.RoutingOutcomes.WithLabelValues(codes.RouteNoMatch).Inc()

	r.store.Update(msg.InternalID, func(p *sms.DlrPayload) {
		p.Status = codes.DlrStatusFailed
		p.ErrorCode = codes.ErrorCodeNoRoute
		p.ProcessedAt = sms.TimePtr(r.now())
	})
	payload, ok := r.store.GetDlrPayload(msg.InternalID)
	if !ok {
		slog.WarnContext(logCtx, "DLR payload vanished before failure forward")
		return false
	}
	if r.forwarder != nil {
		r.forwarder.Forward(logCtx, payload, codes.NoVendorLabel)
	}
	return false
}

// frame is one group being scanned. pending holds a matched rule whose chain
// is being evaluated above it on the stack.
type frame struct {
	group   string
	rules   []Rule
	idx     int
	visited map[string]struct{}
	pending *Rule
}

// evaluate walks the rule-group graph depth first. A handled outcome at any
// depth ends the walk; an unhandled chain returns control to the rule that
// chained so it can try its own destination before scanning on.
func (r *Router) evaluate(ctx context.Context, msg *sms.Message, start string) bool {
	var stack []*frame

	push := func(group string, visited map[string]struct{}) {
		if _, seen := visited[group]; seen {
			slog.ErrorContext(ctx, "Loop detected in rule groups", slog.String("group", group))
			return
		}
		rules, ok := r.rules.RulesForGroup(group)
		if !ok || len(rules) == 0 {
			slog.InfoContext(ctx, "No rules for group", slog.String("group", group))
			return
		}
		next := maps.Clone(visited)
		next[group] = struct{}{}
		stack = append(stack, &frame{group: group, rules: rules, visited: next})
	}

	push(start, map[string]struct{}{})

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		groupCtx := logging.ContextWithRuleGroup(ctx, f.group)

		if f.pending != nil {
			rule := *f.pending
			f.pending = nil
			slog.InfoContext(groupCtx, "Chain did not handle message", slog.String("rule", rule.RuleName), slog.String("next_group", rule.NextRuleGroupName))
			if rule.DestinationID != "" {
				r.dispatch(groupCtx, msg, rule)
				return true
			}
			continue
		}

		if f.idx >= len(f.rules) {
			stack = stack[:len(stack)-1]
			continue
		}
		rule := f.rules[f.idx]
		f.idx++

		if !rule.Conditions.Matches(msg) {
			continue
		}
		slog.InfoContext(groupCtx, "Matched rule", slog.String("rule", rule.RuleName))

		switch {
		case rule.NextRuleGroupName != "":
			f.pending = &rule
			push(rule.NextRuleGroupName, f.visited)
		case rule.DestinationID != "":
			r.dispatch(groupCtx, msg, rule)
			return true
		default:
			slog.InfoContext(groupCtx, "Rule has no action, message handled", slog.String("rule", rule.RuleName))
			metrics.RoutingOutcomes.WithLabelValues(codes.RouteNoAction).Inc()
			return true
		}
	}
	return false
}

func (r *Router) dispatch(ctx context.Context, msg *sms.Message, rule Rule) {
	msg.Gateway = rule.DestinationID
	ctx = logging.ContextWithVendorID(ctx, rule.DestinationID)

	dest, ok := r.destinations(rule.DestinationID)
	if !ok || dest == nil {
		slog.WarnContext(ctx, "No active worker for destination", slog.String("rule", rule.RuleName))
		metrics.RoutingOutcomes.WithLabelValues(codes.RouteNoWorker).Inc()
		return
	}
	slog.InfoContext(ctx, "Dispatching message", slog.String("rule", rule.RuleName))
	if !dest.Process(ctx, msg) {
		slog.WarnContext(ctx, "Destination refused message")
	}
	metrics.RoutingOutcomes.WithLabelValues(codes.RouteDispatched).Inc()
}
