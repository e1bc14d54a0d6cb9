package dlr

import (
	"context"
	"log/slog"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/metrics"
	"github.com/thrillee/smsgateway/internal/sms"
)

// Store correlates internal ids with vendor ids and holds the delivery
// status payload of every message still being tracked. Payloads are copied
// on the way in and out; concurrent writers to one payload are last-write-wins.
type Store struct {
	internalToVendor cmap.ConcurrentMap[string, string]
	vendorToInternal cmap.ConcurrentMap[string, string]
	payloads         cmap.ConcurrentMap[string, *sms.DlrPayload]

	retention        time.Duration
	pendingRetention time.Duration
	now              func() time.Time
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithPendingRetention evicts payloads that were never processed once their
// receivedAt is older than d. Zero keeps them until a receipt arrives.
func WithPendingRetention(d time.Duration) StoreOption {
	return func(s *Store) { s.pendingRetention = d }
}

// NewStore creates an empty store. Payloads whose processedAt is older than
// retention are dropped by Sweep; a zero retention disables expiry.
func NewStore(retention time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		internalToVendor: cmap.New[string](),
		vendorToInternal: cmap.New[string](),
		payloads:         cmap.New[*sms.DlrPayload](),
		retention:        retention,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put records the correlation in both directions.
func (s *Store) Put(internalID, vendorID string) {
	s.internalToVendor.Set(internalID, vendorID)
	s.vendorToInternal.Set(vendorID, internalID)
}

func (s *Store) GetVendorID(internalID string) (string, bool) {
	return s.internalToVendor.Get(internalID)
}

func (s *Store) GetInternalID(vendorID string) (string, bool) {
	return s.vendorToInternal.Get(vendorID)
}

// RemoveByInternalID drops both correlation directions for internalID.
func (s *Store) RemoveByInternalID(internalID string) {
	if vendorID, ok := s.internalToVendor.Pop(internalID); ok {
		s.vendorToInternal.Remove(vendorID)
	}
}

// RemoveByVendorID drops both correlation directions for vendorID.
func (s *Store) RemoveByVendorID(vendorID string) {
	if internalID, ok := s.vendorToInternal.Pop(vendorID); ok {
		s.internalToVendor.Remove(internalID)
	}
}

func (s *Store) StoreDlrPayload(p *sms.DlrPayload) {
	if p == nil || p.ForwardingID == "" {
		return
	}
	s.payloads.Set(p.ForwardingID, p.Clone())
	metrics.DLRStoreSize.Set(float64(s.payloads.Count()))
}

// GetDlrPayload returns a copy of the stored payload.
func (s *Store) GetDlrPayload(internalID string) (*sms.DlrPayload, bool) {
	p, ok := s.payloads.Get(internalID)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *Store) RemoveDlrPayload(internalID string) {
	s.payloads.Remove(internalID)
	metrics.DLRStoreSize.Set(float64(s.payloads.Count()))
}

// AllDlrPayloads returns copies of every stored payload.
func (s *Store) AllDlrPayloads() []*sms.DlrPayload {
	out := make([]*sms.DlrPayload, 0, s.payloads.Count())
	for item := range s.payloads.IterBuffered() {
		out = append(out, item.Val.Clone())
	}
	return out
}

// Update applies fn to a copy of the payload and stores the result. It
// reports false when no payload exists for internalID.
func (s *Store) Update(internalID string, fn func(p *sms.DlrPayload)) bool {
	p, ok := s.GetDlrPayload(internalID)
	if !ok {
		return false
	}
	fn(p)
	s.payloads.Set(internalID, p)
	return true
}

// UpdateDLR is called after a vendor accepted a submission. It records the
// correlation and moves the existing payload to status. A missing payload is
// logged and ignored.
func (s *Store) UpdateDLR(ctx context.Context, vendorMsgID string, msg *sms.Message, status string) bool {
	s.Put(msg.InternalID, vendorMsgID)

	updated := s.Update(msg.InternalID, func(p *sms.DlrPayload) {
		p.Status = status
		p.SmscID = vendorMsgID
		p.SentAt = sms.TimePtr(s.now())
		p.FromAddress = msg.From
		p.ToAddress = msg.To
	})
	if !updated {
		logCtx := logging.ContextWithInternalID(ctx, msg.InternalID)
		logCtx = logging.ContextWithVendorMsgID(logCtx, vendorMsgID)
		slog.WarnContext(logCtx, "No DLR payload to update after submit acknowledgement")
	}
	return updated
}

// Sweep evicts payloads processed longer ago than the retention window,
// and unprocessed ones received longer ago than the pending retention,
// together with their correlation entries. Its signature matches
// workers.WorkerFunc.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if s.retention <= 0 && s.pendingRetention <= 0 {
		return 0, nil
	}
	now := s.now()

	removed, stale := 0, 0
	for item := range s.payloads.IterBuffered() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		p := item.Val
		switch {
		case p.ProcessedAt != nil:
			if s.retention <= 0 || p.ProcessedAt.After(now.Add(-s.retention)) {
				continue
			}
		case p.ReceivedAt != nil && s.pendingRetention > 0:
			if p.ReceivedAt.After(now.Add(-s.pendingRetention)) {
				continue
			}
			stale++
		default:
			continue
		}
		s.payloads.Remove(item.Key)
		s.RemoveByInternalID(item.Key)
		if p.SmscID != "" {
			s.RemoveByVendorID(p.SmscID)
		}
		removed++
	}
	if stale > 0 {
		slog.WarnContext(ctx, "Evicted DLR payloads that never received a receipt", slog.Int("count", stale))
	}
	metrics.DLRStoreSize.Set(float64(s.payloads.Count()))
	return removed, nil
}
