package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SizeSpec is an absolute byte count or a percentage of a reference size
// (e.g. available disk), parsed from strings like "200GiB" or "80%". The
// zero value means "unset".
type SizeSpec struct {
	Bytes   int64
	Percent float64
}

func (s SizeSpec) IsZero() bool {
	return s.Bytes == 0 && s.Percent == 0
}

// Resolve returns the absolute byte budget given a reference size (used when
// the spec is a percentage).
func (s SizeSpec) Resolve(reference int64) int64 {
	if s.Percent > 0 {
		return int64(float64(reference) * s.Percent / 100)
	}
	return s.Bytes
}

var unitMultiplier = map[string]int64{
	"":    1,
	"B":   1,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"TB":  1000 * 1000 * 1000 * 1000,
	"KIB": 1 << 10,
	"MIB": 1 << 20,
	"GIB": 1 << 30,
	"TIB": 1 << 40,
}

// ParseSizeSpec parses "80%", "200GiB", "512MB", "1024" (bytes).
func ParseSizeSpec(s string) (SizeSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SizeSpec{}, fmt.Errorf("empty size spec")
	}
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return SizeSpec{}, fmt.Errorf("invalid percentage %q: %w", s, err)
		}
		if pct <= 0 || pct > 100 {
			return SizeSpec{}, fmt.Errorf("percentage out of range (0,100]: %q", s)
		}
		return SizeSpec{Percent: pct}, nil
	}

	i := len(s)
	for i > 0 && (s[i-1] < '0' || s[i-1] > '9') && s[i-1] != '.' {
		i--
	}
	numPart, unitPart := s[:i], strings.ToUpper(strings.TrimSpace(s[i:]))

	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return SizeSpec{}, fmt.Errorf("invalid size %q: %w", s, err)
	}
	mult, ok := unitMultiplier[unitPart]
	if !ok {
		return SizeSpec{}, fmt.Errorf("unknown size unit %q in %q", unitPart, s)
	}
	return SizeSpec{Bytes: int64(n * float64(mult))}, nil
}
