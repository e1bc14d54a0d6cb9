package smppserver

import "fmt"

// commandIDToString converts command ID to string for logging
func commandIDToString(cmdID uint32) string {
	switch cmdID {
	case CommandBindTransceiver:
		return "bind_transceiver"
	case CommandBindReceiver:
		return "bind_receiver"
	case CommandBindTransmitter:
		return "bind_transmitter"
	case CommandSubmitSM:
		return "submit_sm"
	case CommandDeliverSM:
		return "deliver_sm"
	case CommandUnbind:
		return "unbind"
	case CommandEnquireLink:
		return "enquire_link"
	case CommandGenericNack:
		return "generic_nack"
	case CommandDeliverSMResp:
		return "deliver_sm_resp"
	case CommandEnquireLinkResp:
		return "enquire_link_resp"
	default:
		return fmt.Sprintf("unknown(0x%08X)", cmdID)
	}
}

func isBind(cmdID uint32) bool {
	return cmdID == CommandBindTransceiver || cmdID == CommandBindReceiver || cmdID == CommandBindTransmitter
}

// isHandled reports whether the server parses and answers cmdID itself.
func isHandled(cmdID uint32) bool {
	switch cmdID {
	case CommandBindTransceiver, CommandBindReceiver, CommandBindTransmitter,
		CommandSubmitSM, CommandDeliverSM, CommandUnbind, CommandEnquireLink:
		return true
	}
	return false
}

// truncateRunes shortens s to at most n characters.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
