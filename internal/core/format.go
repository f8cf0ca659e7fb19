package core

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// PayloadFormat selects how payload bytes are rendered for copying.
type PayloadFormat string

const (
	FormatHex   PayloadFormat = "hex"   // 11 22 33
	FormatArray PayloadFormat = "array" // 0x11, 0x22, 0x33
	FormatText  PayloadFormat = "text"  // 112233
)

// ParsePayloadFormat validates a format name.
func ParsePayloadFormat(s string) (PayloadFormat, error) {
	switch f := PayloadFormat(strings.ToLower(s)); f {
	case FormatHex, FormatArray, FormatText:
		return f, nil
	}
	return "", fmt.Errorf("unknown payload format %q (must be hex/array/text)", s)
}

// FormatPayload renders b in format f. Unknown formats fall back to hex.
func FormatPayload(b []byte, f PayloadFormat) string {
	switch f {
	case FormatText:
		return strings.ToUpper(hex.EncodeToString(b))
	case FormatArray:
		var sb strings.Builder
		for i, c := range b {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "0x%02X", c)
		}
		return sb.String()
	default:
		var sb strings.Builder
		for i, c := range b {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%02X", c)
		}
		return sb.String()
	}
}
