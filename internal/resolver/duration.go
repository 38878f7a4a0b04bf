package resolver

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// rangePattern matches advisory durations like "5-10 minutes", "3 to 5 hrs"
// or "45 sec".
var rangePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(?:(?:-|–|to)\s*(\d+(?:\.\d+)?))?\s*([a-z]+)$`)

// maxEstimate is where parsed and summed estimates saturate.
const maxEstimate = time.Duration(math.MaxInt64)

var unitScale = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseEstimate returns the upper bound of an advisory duration string.
func ParseEstimate(s string) (time.Duration, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, d > 0
	}

	m := rangePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	scale, ok := unitScale[m[3]]
	if !ok {
		return 0, false
	}
	upper := m[1]
	if m[2] != "" {
		upper = m[2]
	}
	v, err := strconv.ParseFloat(upper, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	if f := v * float64(scale); f < float64(maxEstimate) {
		return time.Duration(f), true
	}
	return maxEstimate, true
}

// EstimateTotalDuration sums the upper bounds of every parseable estimate and
// renders the total, e.g. "1h 25m". It returns "" when nothing parses.
func EstimateTotalDuration(defs []*types.GraphDefinition) string {
	var total time.Duration
	for _, def := range defs {
		if d, ok := ParseEstimate(def.EstimatedDuration); ok {
			if d > maxEstimate-total {
				total = maxEstimate
				continue
			}
			total += d
		}
	}
	return FormatEstimate(total)
}

// FormatEstimate renders d with hour, minute and second parts, omitting zeros.
func FormatEstimate(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}
