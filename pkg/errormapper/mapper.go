package errormapper

import (
	"fmt"
	"strings"

	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"

	"github.com/thrillee/smsgateway/pkg/codes"
)

var statusNames = map[data.CommandStatusType]string{
	data.ESME_ROK:              "ESME_ROK",
	data.ESME_RINVMSGLEN:       "ESME_RINVMSGLEN",
	data.ESME_RINVCMDLEN:       "ESME_RINVCMDLEN",
	data.ESME_RINVCMDID:        "ESME_RINVCMDID",
	data.ESME_RINVBNDSTS:       "ESME_RINVBNDSTS",
	data.ESME_RALYBND:          "ESME_RALYBND",
	data.ESME_RSYSERR:          "ESME_RSYSERR",
	data.ESME_RINVSRCADR:       "ESME_RINVSRCADR",
	data.ESME_RINVDSTADR:       "ESME_RINVDSTADR",
	data.ESME_RINVMSGID:        "ESME_RINVMSGID",
	data.ESME_RBINDFAIL:        "ESME_RBINDFAIL",
	data.ESME_RINVPASWD:        "ESME_RINVPASWD",
	data.ESME_RINVSYSID:        "ESME_RINVSYSID",
	data.ESME_RMSGQFUL:         "ESME_RMSGQFUL",
	data.ESME_RSUBMITFAIL:      "ESME_RSUBMITFAIL",
	data.ESME_RTHROTTLED:       "ESME_RTHROTTLED",
	data.ESME_RDELIVERYFAILURE: "ESME_RDELIVERYFAILURE",
}

// StatusName renders an SMPP command status for logs and metric labels.
func StatusName(status data.CommandStatusType) string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(status))
}

// ReceiptErrorCode normalizes a DLR error code for the err: field of a
// delivery receipt text. Numeric codes are zero padded to three digits.
func ReceiptErrorCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return codes.ErrorCodeNone
	}
	if len(code) < 3 && isDigits(code) {
		return strings.Repeat("0", 3-len(code)) + code
	}
	return code
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// CommandName returns the SMPP command name of p for logs.
func CommandName(p pdu.PDU) string {
	switch p.(type) {
	case *pdu.BindRequest:
		return "bind"
	case *pdu.BindResp:
		return "bind_resp"
	case *pdu.SubmitSM:
		return "submit_sm"
	case *pdu.SubmitSMResp:
		return "submit_sm_resp"
	case *pdu.DeliverSM:
		return "deliver_sm"
	case *pdu.DeliverSMResp:
		return "deliver_sm_resp"
	case *pdu.EnquireLink:
		return "enquire_link"
	case *pdu.EnquireLinkResp:
		return "enquire_link_resp"
	case *pdu.Unbind:
		return "unbind"
	case *pdu.UnbindResp:
		return "unbind_resp"
	case *pdu.GenericNack:
		return "generic_nack"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", p)
	}
}
