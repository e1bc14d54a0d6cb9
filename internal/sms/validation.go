package sms

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/thrillee/smsgateway/pkg/codes"
)

var ErrMissingField = errors.New("missing required field")

// NormalizeCoding maps the accepted coding aliases to their canonical name.
// An empty coding means GSM.
func NormalizeCoding(coding string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(coding)) {
	case "", "GSM", "GSM7", "DEFAULT":
		return codes.CodingGSM, nil
	case "ISO-8859-1", "LATIN1", "LATIN-1":
		return codes.CodingLatin1, nil
	case "UCS-2", "UCS2", "UTF-16BE":
		return codes.CodingUCS2, nil
	case "HEX":
		return codes.CodingHex, nil
	default:
		return "", fmt.Errorf("unsupported coding %q", coding)
	}
}

// Validate checks an ingress message before it is routed.
func Validate(msg *Message) error {
	if msg == nil {
		return ErrMissingField
	}
	if strings.TrimSpace(msg.From) == "" {
		return fmt.Errorf("%w: from", ErrMissingField)
	}
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("%w: to", ErrMissingField)
	}
	if msg.Text == "" {
		return fmt.Errorf("%w: text", ErrMissingField)
	}
	coding, err := NormalizeCoding(msg.Coding)
	if err != nil {
		return err
	}
	if coding == codes.CodingHex {
		if _, err := hex.DecodeString(msg.Text); err != nil {
			return fmt.Errorf("text is not valid hex: %w", err)
		}
	}
	return nil
}
