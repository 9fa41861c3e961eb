package crypto

import "encoding/base64"

// B64 returns standard base64 encoding without newlines.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// B64Short returns the first n characters of the base64 encoding, for display.
func B64Short(b []byte, n int) string {
	s := B64(b)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
