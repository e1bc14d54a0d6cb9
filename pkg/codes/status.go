package codes

// Connection Status Codes
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusBound        = "bound"
	StatusUnbinding    = "unbinding"
	StatusStopped      = "stopped"
)

// DLR status values carried in DlrPayload.Status.
const (
	DlrStatusAccepted  = "ACCEPTED"
	DlrStatusSent      = "SENT"
	DlrStatusDelivered = "DELIVRD"
	DlrStatusFailed    = "FAILED"
	DlrStatusExpired   = "EXPIRED"
	DlrStatusUndeliv   = "UNDELIV"
	DlrStatusRejected  = "REJECTD"
	DlrStatusUnknown   = "UNKNOWN"
)

// Error codes stamped by the gateway itself.
const (
	ErrorCodeNoRoute = "999"
	ErrorCodeNone    = "000"
)

// NoVendorLabel is the vendor label used when a DLR is forwarded without a vendor.
const NoVendorLabel = "-"

// Vendor transport types.
const (
	VendorTypeSMPP = "SMPP"
	VendorTypeHTTP = "HTTP"
)

// Message codings understood by the segmenter.
const (
	CodingGSM    = "GSM"
	CodingLatin1 = "ISO-8859-1"
	CodingUCS2   = "UCS-2"
	CodingHex    = "HEX"
)

// Routing outcomes reported to metrics.
const (
	RouteDispatched = "dispatched"
	RouteNoWorker   = "no_worker"
	RouteNoAction   = "no_action"
	RouteNoMatch    = "no_match"
)
