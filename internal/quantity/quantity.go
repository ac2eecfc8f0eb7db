// Package quantity converts the resource quantities reported by the metrics
// provider into whole CPU cores and mebibytes.
package quantity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseCPU converts a CPU quantity to cores. Suffixes are case-sensitive:
// "n" is nanocores, "m" is millicores, no suffix is already cores.
func ParseCPU(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	divisor := 1.0
	switch {
	case strings.HasSuffix(s, "n"):
		s, divisor = strings.TrimSuffix(s, "n"), 1_000_000_000
	case strings.HasSuffix(s, "m"):
		s, divisor = strings.TrimSuffix(s, "m"), 1_000
	}
	v, err := parseValue(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu quantity %q: %w", raw, err)
	}
	return v / divisor, nil
}

// ParseMemory converts a memory quantity to MiB. The last two characters are the
// unit: "Ki" is divided by 1024, "Gi" is multiplied by 1024, any other unit
// (including "Mi") is taken as MiB.
//
// Quantities without a two-letter unit, such as "1024" or "50M", are rejected
// rather than cut at their last two characters. Those encodings would otherwise
// be read as the wrong magnitude, so the sample is dropped and counted instead.
func ParseMemory(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if len(s) < 3 || !isLetter(s[len(s)-1]) || !isLetter(s[len(s)-2]) {
		return 0, fmt.Errorf("invalid memory quantity %q: missing unit suffix", raw)
	}
	unit, num := s[len(s)-2:], s[:len(s)-2]
	v, err := parseValue(num)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q: %w", raw, err)
	}
	switch unit {
	case "Ki":
		return v / 1024, nil
	case "Gi":
		return v * 1024, nil
	default:
		return v, nil
	}
}

func parseValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value")
	}
	return v, nil
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
