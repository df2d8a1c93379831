// Package utils holds small helpers shared by the CLI and config layers.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

var multipliers = map[string]int64{
	"B":  1,
	"KB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,
	"TB": 1000 * 1000 * 1000 * 1000,

	"K": 1 << 10, "KIB": 1 << 10,
	"M": 1 << 20, "MIB": 1 << 20,
	"G": 1 << 30, "GIB": 1 << 30,
	"T": 1 << 40, "TIB": 1 << 40,
}

// ParseDataSize converts a human-friendly size like "512KB" or "1.5GiB", or
// a bare byte count, into bytes. Decimal suffixes are 1000-based, IEC ones
// (KiB, MiB, ...) 1024-based.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	cut := len(s)
	for cut > 0 {
		c := s[cut-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		cut--
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(s[:cut]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	mult, ok := multipliers[strings.ToUpper(strings.TrimSpace(s[cut:]))]
	if !ok {
		return 0, fmt.Errorf("unknown size unit in %q", s)
	}

	bytes := int64(value * float64(mult))
	if bytes < 0 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return bytes, nil
}

// FormatDataSize renders bytes with a binary unit and at most one decimal.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KiB", "MiB", "GiB", "TiB"}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < len(units)-1; n /= unit {
		div *= unit
		exp++
	}

	value := float64(bytes) / float64(div)
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	}
	return fmt.Sprintf("%.1f %s", value, units[exp])
}
