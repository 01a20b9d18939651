package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"finance-agent/internal/domain"
)

var ErrInvalidTimestamp = errors.New("extract: invalid timestamp")

// date, optional time with possibly truncated minutes/seconds, optional offset
// with possibly truncated minutes.
var timestampPattern = regexp.MustCompile(
	`^(\d{4})-(\d{1,2})-(\d{1,2})` +
		`(?:[Tt ](\d{1,2})(?::(\d{0,2})(?::(\d{0,2})(?:[.,]\d*)?)?)?)?` +
		`\s*([Zz]|[+-]\d{1,2}(?::?\d{0,2})?)?$`)

// NormalizeTimestamp repairs the partial ISO-8601 timestamps models tend to emit
// and returns an instant carrying an explicit offset:
//   - a missing time of day becomes local noon;
//   - missing minutes or seconds become 00;
//   - a missing offset becomes loc's offset at that local time;
//   - a one-digit offset minute is a truncation and is completed with a trailing 0
//     ("+05:3" -> "+05:30").
func NormalizeTimestamp(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(raw)
	m := timestampPattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])

	hour, minute, second := 12, 0, 0
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute = atoiOrZero(m[5])
		second = atoiOrZero(m[6])
	}
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("%w: time out of range in %q", ErrInvalidTimestamp, raw)
	}

	zone := loc
	if m[7] != "" {
		offset, err := parseOffset(m[7])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimestamp, raw, err)
		}
		zone = time.FixedZone("", offset)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, zone)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: date out of range in %q", ErrInvalidTimestamp, raw)
	}
	return t, nil
}

// NormalizeTimestampString is NormalizeTimestamp rendered in the canonical layout.
func NormalizeTimestampString(raw string, loc *time.Location) (string, error) {
	t, err := NormalizeTimestamp(raw, loc)
	if err != nil {
		return "", err
	}
	return domain.FormatTimestamp(t), nil
}

func parseOffset(s string) (int, error) {
	if s == "Z" || s == "z" {
		return 0, nil
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	body := s[1:]

	var hh, mm string
	if i := strings.IndexByte(body, ':'); i >= 0 {
		hh, mm = body[:i], body[i+1:]
	} else if len(body) > 2 {
		hh, mm = body[:2], body[2:]
	} else {
		hh = body
	}
	if len(mm) == 1 {
		mm += "0"
	}

	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, err
	}
	minutes := atoiOrZero(mm)
	if h > 14 || minutes > 59 {
		return 0, errors.New("offset out of range")
	}
	return sign * (h*3600 + minutes*60), nil
}

func atoiOrZero(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
