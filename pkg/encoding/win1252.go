package encoding

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ToUTF8 converts WIN1252 bytes, the charset of the ERP database, to a trimmed UTF-8 string
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return strings.TrimSpace(string(b))
	}

	return strings.TrimSpace(string(decoded))
}

// NormalizeColumn decodes driver values coming out of a scan: byte slices are
// treated as WIN1252 text, strings are trimmed, everything else passes through.
func NormalizeColumn(v any) any {
	switch val := v.(type) {
	case []byte:
		return ToUTF8(val)
	case string:
		return strings.TrimSpace(val)
	default:
		return val
	}
}
