package smppserver

import (
	"fmt"
	"time"

	"github.com/linxGnu/gosmpp/pdu"

	"github.com/thrillee/smsgateway/internal/sms"
	"github.com/thrillee/smsgateway/pkg/codes"
	"github.com/thrillee/smsgateway/pkg/errormapper"
	"github.com/thrillee/smsgateway/pkg/segmenter"
)

const (
	receiptDateLayout = "0601021504"
	receiptBodyChars  = 20
)

// ReceiptText renders the delivery receipt short message for payload. Both
// dates are the time the receipt is built.
func ReceiptText(p *sms.DlrPayload, now time.Time) string {
	date := now.UTC().Format(receiptDateLayout)
	return fmt.Sprintf("id:%s sub:001 dlvrd:001 submit date:%s done date:%s stat:%s err:%s text:%s",
		p.ForwardingID,
		date,
		date,
		p.Status,
		errormapper.ReceiptErrorCode(p.ErrorCode),
		truncateRunes(p.Body, receiptBodyChars),
	)
}

// BuildReceipt builds the DeliverSM that reports payload back to the client
// that submitted it. Addresses are swapped relative to the original message.
// The text is always GSM; characters outside the alphabet become '?'.
func BuildReceipt(p *sms.DlrPayload, now time.Time) (*pdu.DeliverSM, error) {
	d := pdu.NewDeliverSM().(*pdu.DeliverSM)

	src := pdu.NewAddress()
	src.SetTon(sms.TONInternational)
	src.SetNpi(0)
	if err := src.SetAddress(p.ToAddress); err != nil {
		return nil, fmt.Errorf("invalid receipt source address %q: %w", p.ToAddress, err)
	}
	d.SourceAddr = src

	dst := pdu.NewAddress()
	dst.SetTon(sms.SourceTON(p.FromAddress))
	dst.SetNpi(0)
	if err := dst.SetAddress(p.FromAddress); err != nil {
		return nil, fmt.Errorf("invalid receipt destination address %q: %w", p.FromAddress, err)
	}
	d.DestAddr = dst

	d.EsmClass = esmClassReceipt
	d.RegisteredDelivery = 0
	enc, text, err := segmenter.Encode(ReceiptText(p, now), codes.CodingGSM)
	if err != nil {
		return nil, fmt.Errorf("encode receipt text: %w", err)
	}
	if err := d.Message.SetMessageDataWithEncoding(text, enc); err != nil {
		return nil, fmt.Errorf("set receipt text: %w", err)
	}
	return d, nil
}
