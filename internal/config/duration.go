package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// isoDuration matches the day/time subset of ISO-8601 durations: P[nD][T[nH][nM][n[.f]S]].
var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration parses a config duration. Accepted forms:
//
//	"1m30s"    Go syntax (time.ParseDuration)
//	"7d"       whole days
//	"PT5S"     ISO-8601, case-insensitive; years and months are rejected
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("config: empty duration")
	}

	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err == nil {
			if days < 0 {
				return 0, fmt.Errorf("config: negative duration %q", s)
			}
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}

	if up := strings.ToUpper(s); strings.HasPrefix(up, "P") {
		return parseISO(s, up)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	return d, nil
}

func parseISO(orig, up string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(up)
	if m == nil || up == "P" || up == "PT" {
		return 0, fmt.Errorf("config: invalid ISO-8601 duration %q", orig)
	}
	var d time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config: invalid ISO-8601 duration %q: %w", orig, err)
		}
		d += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("config: invalid ISO-8601 duration %q: %w", orig, err)
		}
		d += time.Duration(secs * float64(time.Second))
	}
	return d, nil
}

// MustDuration is ParseDuration for values already checked by Validate.
// It panics on a malformed value.
func MustDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}
