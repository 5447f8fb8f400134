// ABOUTME: Recipient number normalization for the WhatsApp Cloud API
// ABOUTME: Supports international numbers and the Argentine local mobile format some accounts require

package whatsapp

import (
	"fmt"
	"strings"
)

// NumberFormat selects how recipient numbers are written before sending.
type NumberFormat string

const (
	// FormatInternational sends numbers as received, without '+' or spaces.
	FormatInternational NumberFormat = "international"
	// FormatArgentinaLocal rewrites Argentine mobiles to 54 + area + 15 + number,
	// which sandbox accounts require for Buenos Aires numbers.
	FormatArgentinaLocal NumberFormat = "ar_local"
)

// ParseNumberFormat validates a configured number format. Empty means
// FormatInternational.
func ParseNumberFormat(s string) (NumberFormat, error) {
	switch NumberFormat(strings.TrimSpace(s)) {
	case "", FormatInternational:
		return FormatInternational, nil
	case FormatArgentinaLocal:
		return FormatArgentinaLocal, nil
	default:
		return "", fmt.Errorf("unknown whatsapp number format %q", s)
	}
}

// NormalizeNumber strips '+' and spaces and applies format.
//
// For FormatArgentinaLocal the mobile '9' after the country code is removed,
// and Buenos Aires numbers (area 11) get the local '15' prefix:
// 5491122334455 becomes 54111522334455.
func NormalizeNumber(number string, format NumberFormat) string {
	n := strings.TrimSpace(number)
	n = strings.ReplaceAll(n, "+", "")
	n = strings.ReplaceAll(n, " ", "")

	if format != FormatArgentinaLocal || !strings.HasPrefix(n, "54") {
		return n
	}

	if len(n) > 2 && n[2] == '9' {
		n = "54" + n[3:]
	}
	if strings.HasPrefix(n, "5411") && !strings.HasPrefix(n, "541115") {
		n = "541115" + n[4:]
	}
	return n
}
