package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]*)$`)

// unitMultipliers maps upper-cased suffixes to byte multipliers. Bare
// single letters are binary, the two-letter SI forms are decimal.
var unitMultipliers = map[string]int64{
	"":    1,
	"B":   1,
	"K":   KiB,
	"KIB": KiB,
	"KB":  1000,
	"M":   MiB,
	"MIB": MiB,
	"MB":  1000 * 1000,
	"G":   GiB,
	"GIB": GiB,
	"GB":  1000 * 1000 * 1000,
	"T":   TiB,
	"TIB": TiB,
	"TB":  1000 * 1000 * 1000 * 1000,
}

// ParseDataSize parses sizes such as "512", "64MiB", "1.5GB" or "2G" into bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %s", s)
	}

	mult, ok := unitMultipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s", m[2])
	}

	if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
		return n * mult, nil
	}

	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}
	return int64(f * float64(mult)), nil
}

// FormatDataSize renders bytes with binary units, e.g. "1.5 GiB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiB {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(bytes) / float64(KiB)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}

	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[i])
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}
