package sanitize

import (
	"strings"
	"testing"

	"github.com/mes-console/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"plain text untouched", "Station 4 pallet", 100, "Station 4 pallet"},
		{"script block removed", "Hello <script>alert('x')</script>World", 100, "Hello World"},
		{"multiline uppercase script", "a<SCRIPT type=\"text/javascript\">\nsteal()\n</SCRIPT>b", 100, "ab"},
		{"iframe removed", "x<iframe src=\"evil\"></iframe>y", 100, "xy"},
		{"object removed", "<object data=\"x\"></object>ok", 100, "ok"},
		{"stray opening tag removed", "<script src=evil.js>value", 100, "value"},
		{"javascript uri removed", "javascript:alert(1)", 100, "alert(1)"},
		{"event handler removed", "<img src=x onerror=alert(1)>", 100, "<img src=x alert(1)>"},
		{"event handler with spaces", "onClick = run()", 100, "run()"},
		{"benign words containing on kept", "button=ok", 100, "button=ok"},
		{"truncates to max", "DB1.DBW0123456", 8, "DB1.DBW0"},
		{"trims after truncation", "  M0.1   ", 6, "M0.1"},
		{"empty", "", 10, ""},
		{"whitespace only", "   ", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input, tt.max))
		})
	}
}

func TestSanitizeTruncatesRunes(t *testing.T) {
	got := Sanitize("äöüß", 2)
	assert.Equal(t, "äö", got)
}

func TestSanitizeLongInput(t *testing.T) {
	got := Sanitize(strings.Repeat("A", 500), MaxBarcodeLength)
	assert.Len(t, got, MaxBarcodeLength)
}

func TestIsValidPLCAddress(t *testing.T) {
	valid := []string{
		"DB1.DBW0", "DB10.DBD24", "db3.dbb7", "DB1.dbw100",
		"M100.1", "M0", "m5.7",
		"I0.0", "I12",
		"Q0.0", "q3.5",
	}
	for _, addr := range valid {
		assert.True(t, IsValidPLCAddress(addr), "expected %q to be valid", addr)
	}

	invalid := []string{
		"", "DB1", "DB1.DBX0.0", "DB1.DBW", "DB.DBW0",
		"DB1.DBW0 ", " DB1.DBW0", "DB1.DBW0;DROP",
		"M100.1x", "M100.8", "M.1", "X0.0", "Q0.0.0",
		"Q0.0<script>", "M-1",
	}
	for _, addr := range invalid {
		assert.False(t, IsValidPLCAddress(addr), "expected %q to be invalid", addr)
	}
}

func TestIsValidBarcode(t *testing.T) {
	assert.True(t, IsValidBarcode("ORD-2026.001_A"))
	assert.True(t, IsValidBarcode("1234567890"))
	assert.True(t, IsValidBarcode(strings.Repeat("9", MaxBarcodeLength)))

	assert.False(t, IsValidBarcode(""))
	assert.False(t, IsValidBarcode(strings.Repeat("9", MaxBarcodeLength+1)))
	assert.False(t, IsValidBarcode("ABC 123"))
	assert.False(t, IsValidBarcode("ABC/123"))
	assert.False(t, IsValidBarcode("<b>"))
}

func TestParseTypedValue(t *testing.T) {
	tests := []struct {
		raw      string
		dataType models.DataType
		want     any
	}{
		{"42", models.DataTypeInt, int64(42)},
		{"-7", models.DataTypeDInt, int64(-7)},
		{"3.5", models.DataTypeReal, 3.5},
		{"1e3", models.DataTypeFloat, 1000.0},
		{"true", models.DataTypeBool, true},
		{"TRUE", models.DataTypeBool, true},
		{"1", models.DataTypeBool, true},
		{"0", models.DataTypeBool, false},
		{"yes", models.DataTypeBool, false},
		{"16#FF", models.DataTypeWord, "16#FF"},
		{"hello", models.DataTypeString, "hello"},
		{"12", models.DataTypeByte, "12"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dataType)+"/"+tt.raw, func(t *testing.T) {
			got, err := ParseTypedValue(tt.raw, tt.dataType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTypedValueRejectsUnparsableNumbers(t *testing.T) {
	for _, tc := range []struct {
		raw      string
		dataType models.DataType
	}{
		{"abc", models.DataTypeInt},
		{"4.2", models.DataTypeDInt},
		{"", models.DataTypeInt},
		{"x1", models.DataTypeReal},
		{"NaN", models.DataTypeReal},
		{"Inf", models.DataTypeFloat},
	} {
		_, err := ParseTypedValue(tc.raw, tc.dataType)
		assert.ErrorIs(t, err, ErrInvalidNumber, "raw=%q type=%s", tc.raw, tc.dataType)
	}
}
