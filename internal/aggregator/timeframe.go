package aggregator

import (
	"regexp"
	"strconv"
	"strings"
)

var timeframePattern = regexp.MustCompile(`(?i)^(\d+)([mhd])$`)

// ParseTimeframe converts a timeframe such as "1m", "4h" or "1D" to seconds.
// Anything else yields 0.
func ParseTimeframe(tf string) int64 {
	m := timeframePattern.FindStringSubmatch(tf)
	if m == nil {
		return 0
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}

	switch strings.ToLower(m[2]) {
	case "m":
		return n * 60
	case "h":
		return n * 3600
	case "d":
		return n * 86400
	}
	return 0
}
