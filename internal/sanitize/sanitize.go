// Package sanitize cleans and validates free-text operator input before
// it reaches a device or the realtime channel.
package sanitize

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mes-console/backend/internal/models"
)

// Input length limits.
const (
	MaxAddressLength  = 50
	MaxValueLength    = 100
	MaxBarcodeLength  = 100
	MaxDeviceIDLength = 64
)

// ErrInvalidNumber is returned by ParseTypedValue for numeric types whose
// raw text does not parse.
var ErrInvalidNumber = errors.New("invalid numeric value")

var (
	blockTagPattern     = regexp.MustCompile(`(?is)<(script|iframe|object)\b[^>]*>.*?</(script|iframe|object)\s*>`)
	strayTagPattern     = regexp.MustCompile(`(?i)</?(script|iframe|object)\b[^>]*>`)
	jsURIPattern        = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\bon\w+\s*=`)

	plcAddressPattern = regexp.MustCompile(`(?i)^(DB\d+\.(DBW|DBD|DBB)\d+|[MIQ]\d+(\.[0-7])?)$`)
	barcodePattern    = regexp.MustCompile(`^[A-Za-z0-9\-._]+$`)
)

// Sanitize strips script/iframe/object markup, javascript: URIs and inline
// event-handler attributes, truncates to maxLength runes and trims.
func Sanitize(input string, maxLength int) string {
	if input == "" {
		return ""
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}

	out := blockTagPattern.ReplaceAllString(input, "")
	out = strayTagPattern.ReplaceAllString(out, "")
	out = jsURIPattern.ReplaceAllString(out, "")
	out = eventHandlerPattern.ReplaceAllString(out, "")

	if maxLength >= 0 && utf8.RuneCountInString(out) > maxLength {
		out = string([]rune(out)[:maxLength])
	}
	return strings.TrimSpace(out)
}

// IsValidPLCAddress accepts DB<n>.DBW<n>, DB<n>.DBD<n>, DB<n>.DBB<n> and
// M/I/Q<n> with an optional .<bit> (0-7), case-insensitively.
func IsValidPLCAddress(address string) bool {
	return plcAddressPattern.MatchString(address)
}

// IsValidBarcode accepts 1..MaxBarcodeLength characters of [A-Za-z0-9-._].
func IsValidBarcode(code string) bool {
	if len(code) == 0 || len(code) > MaxBarcodeLength {
		return false
	}
	return barcodePattern.MatchString(code)
}

// ParseTypedValue converts raw into the Go value sent for dataType.
// INT/DINT become int64, REAL/FLOAT float64, BOOL is true only for
// "true" or "1". Other types pass the raw string through.
func ParseTypedValue(raw string, dataType models.DataType) (any, error) {
	switch dataType {
	case models.DataTypeInt, models.DataTypeDInt:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, ErrInvalidNumber
		}
		return v, nil
	case models.DataTypeReal, models.DataTypeFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrInvalidNumber
		}
		return v, nil
	case models.DataTypeBool:
		lower := strings.ToLower(strings.TrimSpace(raw))
		return lower == "true" || lower == "1", nil
	default:
		return raw, nil
	}
}
