package sms

import (
	"time"
)

// Message is the in-flight representation of one SMS.
type Message struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Coding     string    `json:"coding,omitempty"`
	InternalID string    `json:"internalId"`
	// SessionID is set only when the message came from an inbound SMPP
	// session that asked for a delivery receipt.
	SessionID  *int64 `json:"sessionId,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
	ForwardURL string `json:"forwardUrl,omitempty"`
}

// DlrPayload is the delivery status record kept per internal id and
// forwarded back to the originator.
type DlrPayload struct {
	ForwardingID         string     `json:"forwardingId"`
	SmscID               string     `json:"smscid,omitempty"`
	Status               string     `json:"status,omitempty"`
	ErrorCode            string     `json:"errorCode,omitempty"`
	RawDlr               string     `json:"rawDlr,omitempty"`
	FromAddress          string     `json:"fromAddress,omitempty"`
	ToAddress            string     `json:"toAddress,omitempty"`
	OriginatingSessionID *int64     `json:"originatingSessionId,omitempty"`
	Body                 string     `json:"body,omitempty"`
	ForwardURL           string     `json:"forwardUrl,omitempty"`
	ReceivedAt           *time.Time `json:"receivedAt,omitempty"`
	SentAt               *time.Time `json:"sentAt,omitempty"`
	ProcessedAt          *time.Time `json:"processedAt,omitempty"`
	ForwardDate          *time.Time `json:"forwardDate,omitempty"`
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (p *DlrPayload) Clone() *DlrPayload {
	if p == nil {
		return nil
	}
	c := *p
	c.OriginatingSessionID = cloneInt64(p.OriginatingSessionID)
	c.ReceivedAt = cloneTime(p.ReceivedAt)
	c.SentAt = cloneTime(p.SentAt)
	c.ProcessedAt = cloneTime(p.ProcessedAt)
	c.ForwardDate = cloneTime(p.ForwardDate)
	return &c
}

// NewAcceptedPayload builds the ACCEPTED record stored when a message enters routing.
func NewAcceptedPayload(msg *Message, status string, now time.Time) *DlrPayload {
	received := now
	return &DlrPayload{
		ForwardingID:         msg.InternalID,
		Status:               status,
		FromAddress:          msg.From,
		ToAddress:            msg.To,
		OriginatingSessionID: cloneInt64(msg.SessionID),
		Body:                 msg.Text,
		ForwardURL:           msg.ForwardURL,
		ReceivedAt:           &received,
	}
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
