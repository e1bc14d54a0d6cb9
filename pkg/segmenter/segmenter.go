package segmenter

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/linxGnu/gosmpp/data"
	"golang.org/x/text/encoding/charmap"

	"github.com/thrillee/smsgateway/pkg/codes"
)

const (
	// Thresholds apply to encoded bytes, not characters.
	maxSingle7Bit    = 160
	maxMultipart7Bit = 153
	maxSingleUCS2    = 140
	maxMultipartUCS2 = 134

	// MaxSegments is the most parts a single SAR reference can describe.
	MaxSegments = 255

	udhIEISAR8Bit  = 0x00
	udhIELSAR8Bit  = 0x03
	udhIEISAR16Bit = 0x08
	udhIELSAR16Bit = 0x04
)

// Result is the wire-ready form of one logical message.
type Result struct {
	Encoding data.Encoding
	// Parts are the short_message bodies in send order. For multipart
	// messages each part starts with its SAR user data header.
	Parts     [][]byte
	Multipart bool
	// Truncated reports that input beyond MaxSegments parts was dropped.
	Truncated bool
	Reference uint16
}

// Segmenter splits messages into SubmitSM bodies. Each outbound worker owns
// one, so reference numbers are unique per vendor link.
type Segmenter struct {
	wideRef bool
	ref     atomic.Uint32
}

// New creates a segmenter. wideRef selects the 16-bit SAR reference layout.
func New(wideRef bool) *Segmenter {
	return &Segmenter{wideRef: wideRef}
}

// NextReference returns the next SAR reference truncated to the configured width.
func (s *Segmenter) NextReference() uint16 {
	v := s.ref.Add(1)
	if s.wideRef {
		return uint16(v)
	}
	return uint16(uint8(v))
}

// Split encodes text with the requested coding and splits it when it does
// not fit in a single short message. HEX coding is sent as one 8-bit part.
func (s *Segmenter) Split(text, coding string) (*Result, error) {
	if strings.EqualFold(coding, codes.CodingHex) {
		raw, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("decode hex body: %w", err)
		}
		return &Result{Encoding: data.BINARY8BIT2, Parts: [][]byte{raw}}, nil
	}

	enc, payload, err := Encode(text, coding)
	if err != nil {
		return nil, err
	}

	maxSingle, maxPart := maxSingle7Bit, maxMultipart7Bit
	if enc.DataCoding() == data.UCS2.DataCoding() {
		maxSingle, maxPart = maxSingleUCS2, maxMultipartUCS2
	}

	if len(payload) <= maxSingle {
		return &Result{Encoding: enc, Parts: [][]byte{payload}}, nil
	}

	ref := s.NextReference()
	parts, truncated := SplitWithUDH(payload, ref, maxPart, s.wideRef)
	return &Result{
		Encoding:  enc,
		Parts:     parts,
		Multipart: true,
		Truncated: truncated,
		Reference: ref,
	}, nil
}

// Encode converts text to the byte form of the named coding. Characters the
// coding cannot represent are replaced with '?'.
func Encode(text, coding string) (data.Encoding, []byte, error) {
	switch strings.ToUpper(coding) {
	case "", codes.CodingGSM, "GSM7":
		return data.GSM7BIT, encodeGSM(text), nil
	case codes.CodingLatin1, "LATIN1":
		out := make([]byte, 0, len(text))
		for _, r := range text {
			b, ok := charmap.ISO8859_1.EncodeRune(r)
			if !ok {
				b = '?'
			}
			out = append(out, b)
		}
		return data.LATIN1, out, nil
	case codes.CodingUCS2, "UCS2":
		out, err := data.UCS2.Encode(text)
		if err != nil {
			return nil, nil, fmt.Errorf("encode UCS-2: %w", err)
		}
		return data.UCS2, out, nil
	default:
		return nil, nil, fmt.Errorf("unsupported coding %q", coding)
	}
}

func encodeGSM(text string) []byte {
	if out, err := data.GSM7BIT.Encode(text); err == nil {
		return out
	}
	var out []byte
	for _, r := range text {
		b, err := data.GSM7BIT.Encode(string(r))
		if err != nil {
			b = []byte{'?'}
		}
		out = append(out, b...)
	}
	return out
}

// SplitWithUDH cuts payload into chunks of at most maxPart bytes and prefixes
// each with a SAR header. At most MaxSegments chunks are produced.
func SplitWithUDH(payload []byte, ref uint16, maxPart int, wideRef bool) ([][]byte, bool) {
	total := (len(payload) + maxPart - 1) / maxPart
	truncated := false
	if total > MaxSegments {
		total = MaxSegments
		truncated = true
	}

	parts := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxPart
		end := start + maxPart
		if end > len(payload) {
			end = len(payload)
		}
		udh := SARHeader(ref, byte(total), byte(i+1), wideRef)
		part := make([]byte, 0, len(udh)+end-start)
		part = append(part, udh...)
		part = append(part, payload[start:end]...)
		parts = append(parts, part)
	}
	return parts, truncated
}

// SARHeader builds the concatenation user data header.
func SARHeader(ref uint16, total, seq byte, wideRef bool) []byte {
	if wideRef {
		return []byte{0x06, udhIEISAR16Bit, udhIELSAR16Bit, byte(ref >> 8), byte(ref), total, seq}
	}
	return []byte{0x05, udhIEISAR8Bit, udhIELSAR8Bit, byte(ref), total, seq}
}

// ParseSARHeader reads the reference, total and sequence from a part built by
// SplitWithUDH.
func ParseSARHeader(part []byte) (ref uint16, total, seq byte, ok bool) {
	if len(part) >= 6 && part[0] == 0x05 && part[1] == udhIEISAR8Bit && part[2] == udhIELSAR8Bit {
		return uint16(part[3]), part[4], part[5], true
	}
	if len(part) >= 7 && part[0] == 0x06 && part[1] == udhIEISAR16Bit && part[2] == udhIELSAR16Bit {
		return uint16(part[3])<<8 | uint16(part[4]), part[5], part[6], true
	}
	return 0, 0, 0, false
}

// UDHLength returns the size of the user data header at the start of part,
// including its length byte.
func UDHLength(part []byte) int {
	if len(part) == 0 {
		return 0
	}
	n := int(part[0]) + 1
	if n > len(part) {
		return len(part)
	}
	return n
}
