package smppserver

// SMPP command ids the server dispatches on before a PDU is parsed.
const (
	CommandBindReceiver    uint32 = 0x00000001
	CommandBindTransmitter uint32 = 0x00000002
	CommandSubmitSM        uint32 = 0x00000004
	CommandDeliverSM       uint32 = 0x00000005
	CommandUnbind          uint32 = 0x00000006
	CommandEnquireLink     uint32 = 0x00000015
	CommandBindTransceiver uint32 = 0x00000009
	CommandGenericNack     uint32 = 0x80000000
	CommandDeliverSMResp   uint32 = 0x80000005
	CommandEnquireLinkResp uint32 = 0x80000015

	responseBit uint32 = 0x80000000
)

const (
	headerLen = 16
	// maxPDULen bounds the body allocation for a single PDU.
	maxPDULen = 64 * 1024

	// registered_delivery bits that ask for any kind of receipt.
	registeredDeliveryMask = 0x07

	esmClassReceipt = 0x04
)

// data_coding values the server decodes explicitly. Anything else is read as GSM.
const (
	dataCodingBinary1 = 0x02
	dataCodingLatin1  = 0x03
	dataCodingBinary2 = 0x04
	dataCodingUCS2    = 0x08
)
