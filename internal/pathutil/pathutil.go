// Package pathutil provides rclone-aware path composition and the
// timestamp/size formatting helpers shared by the rest of the core.
package pathutil

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PathJoin composes a remote-aware path the way rclone command lines
// expect it. A trailing ':' on root marks a remote root and suppresses the
// inserted separator; a leading '/' on the first segment behaves the same
// way. Remaining segments are joined with the standard slash-path rules.
func PathJoin(root string, segments ...string) string {
	if len(segments) == 0 {
		return root
	}

	first, rest := segments[0], segments[1:]

	root = strings.TrimSuffix(root, "/")

	var joined string
	if strings.HasSuffix(root, ":") || strings.HasPrefix(first, "/") {
		joined = root + first
	} else {
		joined = root + "/" + first
	}

	if len(rest) == 0 {
		return joined
	}

	return path.Join(append([]string{joined}, rest...)...)
}

// rfc3339TimePattern accepts the time portion of a timestamp (everything
// after the 'T') in either the compact hhmmss form used for this program's
// own <ts> directories or full colon-separated hh:mm:ss, with an optional
// fractional second and a 'Z' or +hh:mm/-hh:mm/+hhmm/-hhmm offset.
var rfc3339TimePattern = regexp.MustCompile(`^(\d{2}):?(\d{2}):?(\d{2})(?:\.(\d+))?(Z|[+-]\d{2}:?\d{2})$`)

// RFC3339ToUnix parses an rclone-produced RFC3339 timestamp into Unix
// seconds (with sub-second precision truncated to microseconds), honoring
// 'Z' and explicit +hh:mm/-hh:mm offsets.
func RFC3339ToUnix(timestr string) (float64, error) {
	d, t, ok := strings.Cut(timestr, "T")
	if !ok {
		return 0, fmt.Errorf("pathutil: not an RFC3339 timestamp: %q", timestr)
	}

	dparts := strings.Split(d, "-")
	if len(dparts) != 3 {
		return 0, fmt.Errorf("pathutil: malformed date portion: %q", timestr)
	}

	year, err := strconv.Atoi(dparts[0])
	if err != nil {
		return 0, fmt.Errorf("pathutil: bad year in %q: %w", timestr, err)
	}
	month, err := strconv.Atoi(dparts[1])
	if err != nil {
		return 0, fmt.Errorf("pathutil: bad month in %q: %w", timestr, err)
	}
	day, err := strconv.Atoi(dparts[2])
	if err != nil {
		return 0, fmt.Errorf("pathutil: bad day in %q: %w", timestr, err)
	}

	m := rfc3339TimePattern.FindStringSubmatch(t)
	if m == nil {
		return 0, fmt.Errorf("pathutil: malformed time portion: %q", timestr)
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("pathutil: bad hour in %q: %w", timestr, err)
	}
	minute, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, fmt.Errorf("pathutil: bad minute in %q: %w", timestr, err)
	}
	second, err := strconv.Atoi(m[3])
	if err != nil {
		return 0, fmt.Errorf("pathutil: bad second in %q: %w", timestr, err)
	}

	microStr := m[4]
	if len(microStr) > 6 {
		microStr = microStr[:6]
	}
	for len(microStr) < 6 {
		microStr += "0"
	}
	micro, err := strconv.Atoi(microStr)
	if err != nil {
		return 0, fmt.Errorf("pathutil: bad fraction in %q: %w", timestr, err)
	}

	var tzh, tzm, offset int
	if tz := m[5]; tz == "Z" {
		offset = 1
	} else {
		offset = 1
		if tz[0] == '-' {
			offset = -1
		}
		digits := strings.ReplaceAll(tz[1:], ":", "")

		tzh, err = strconv.Atoi(digits[0:2])
		if err != nil {
			return 0, fmt.Errorf("pathutil: bad tz hour in %q: %w", timestr, err)
		}
		tzm, err = strconv.Atoi(digits[2:4])
		if err != nil {
			return 0, fmt.Errorf("pathutil: bad tz minute in %q: %w", timestr, err)
		}
	}

	dt := time.Date(year, time.Month(month), day, hour, minute, second, micro*1000, time.UTC)
	unix := float64(dt.Unix()) + float64(micro)/1e6

	// Offset counts backwards from UTC, same convention as the reference parser.
	unix -= float64(tzh*3600*offset) + float64(tzm*60*offset)

	return unix, nil
}

// NowTimestamp renders the current local time in the run-id format used
// for <dst>/back/<ts> and <dst>/logs/<ts>: fixed-width fields so that
// lexicographic order equals chronological order.
func NowTimestamp(now time.Time) string {
	now = now.Local()
	_, offset := now.Zone()

	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}

	return fmt.Sprintf("%04d-%02d-%02dT%02d%02d%02d.%06d%s%02d%02d",
		now.Year(), now.Month(), now.Day(),
		now.Hour(), now.Minute(), now.Second(), now.Nanosecond()/1000,
		sign, offset/3600, (offset%3600)/60,
	)
}

// BytesToHuman formats a byte count in IEC units (KiB, MiB, ...).
func BytesToHuman(byteCount int64) string {
	labels := []string{"", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei", "Zi", "Yi"}

	val := float64(byteCount)
	best := 0
	for i := range labels {
		if val/pow1024(i) < 1 {
			break
		}
		best = i
	}

	return fmt.Sprintf("%.2f %sB", val/pow1024(best), labels[best])
}

func pow1024(n int) float64 {
	v := 1.0
	for range n {
		v *= 1024
	}
	return v
}

// SummaryText describes a file map as "N file(s) (size unit)".
func SummaryText(sizes []int64) string {
	var total int64
	for _, s := range sizes {
		total += s
	}

	plural := "s"
	if len(sizes) == 1 {
		plural = ""
	}

	return fmt.Sprintf("%d file%s (%s)", len(sizes), plural, BytesToHuman(total))
}

// TimeFormat renders a duration into days/hours/minutes/seconds, dropping
// leading zero units except seconds, which always appear.
func TimeFormat(d time.Duration) string {
	totalSeconds := d.Seconds()

	type unit struct {
		label string
		secs  float64
	}
	units := []unit{
		{"d", 86400},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
	}

	var parts []string
	remaining := totalSeconds
	started := false

	for i, u := range units {
		isLast := i == len(units)-1
		val := remaining / u.secs
		whole := float64(int64(val))
		remaining -= whole * u.secs

		if !started && whole == 0 && !isLast {
			continue
		}

		started = true

		if isLast {
			parts = append(parts, fmt.Sprintf("%05.2f%s", whole+remaining, u.label))
		} else {
			parts = append(parts, fmt.Sprintf("%02d%s", int64(whole), u.label))
		}
	}

	if len(parts) == 0 {
		return fmt.Sprintf("%05.2fs", totalSeconds)
	}

	return strings.Join(parts, "")
}
