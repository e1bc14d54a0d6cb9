package sms

// SMPP type-of-number values used for gateway addresses.
const (
	TONInternational byte = 0x01
	TONAlphanumeric  byte = 0x05
)

// SourceTON is international for all-digit addresses and alphanumeric otherwise.
func SourceTON(addr string) byte {
	if addr == "" {
		return TONAlphanumeric
	}
	for _, r := range addr {
		if r < '0' || r > '9' {
			return TONAlphanumeric
		}
	}
	return TONInternational
}
