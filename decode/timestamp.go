package decode

import "time"

// parseISO8601 parses YYYY-MM-DD(T| )HH:MM:SS[.fff][Z|±HH:MM] into
// milliseconds since the Unix epoch.
//
// Scanning backward from the end of the string for a '-' or '+' to find the
// timezone offset is a trap: it can misidentify the '-' separating the
// date's year, month, and day as a negative offset sign. This parser tracks
// position explicitly instead: after the seconds field (and optional
// fractional seconds), the very next byte MUST be 'Z', '+', '-', or
// end-of-string — there is no scanning, so the date's hyphens are never in
// play.
func parseISO8601(s string) (int64, bool) {
	pos := 0
	readDigits := func(n int) (int, bool) {
		if pos+n > len(s) {
			return 0, false
		}
		v := 0
		for i := 0; i < n; i++ {
			c := s[pos+i]
			if c < '0' || c > '9' {
				return 0, false
			}
			v = v*10 + int(c-'0')
		}
		pos += n
		return v, true
	}
	expect := func(c byte) bool {
		if pos >= len(s) || s[pos] != c {
			return false
		}
		pos++
		return true
	}

	year, ok := readDigits(4)
	if !ok || !expect('-') {
		return 0, false
	}
	month, ok := readDigits(2)
	if !ok || !expect('-') {
		return 0, false
	}
	day, ok := readDigits(2)
	if !ok {
		return 0, false
	}
	if pos >= len(s) || (s[pos] != 'T' && s[pos] != ' ') {
		return 0, false
	}
	pos++

	hour, ok := readDigits(2)
	if !ok || !expect(':') {
		return 0, false
	}
	minute, ok := readDigits(2)
	if !ok || !expect(':') {
		return 0, false
	}
	second, ok := readDigits(2)
	if !ok {
		return 0, false
	}

	millis := 0
	if pos < len(s) && s[pos] == '.' {
		pos++
		start := pos
		for pos < len(s) && pos-start < 3 && s[pos] >= '0' && s[pos] <= '9' {
			pos++
		}
		if pos == start {
			return 0, false
		}
		digits := s[start:pos]
		for len(digits) < 3 {
			digits += "0"
		}
		for _, c := range digits {
			millis = millis*10 + int(c-'0')
		}
		// consume any remaining fractional digits beyond millisecond precision
		for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
			pos++
		}
	}

	tzOffsetMinutes := 0
	switch {
	case pos == len(s):
		// no timezone designator: treat as UTC
	case s[pos] == 'Z':
		pos++
	case s[pos] == '+' || s[pos] == '-':
		sign := s[pos]
		pos++
		tzHour, ok := readDigits(2)
		if !ok {
			return 0, false
		}
		tzMin := 0
		if pos < len(s) && s[pos] == ':' {
			pos++
			tzMin, ok = readDigits(2)
			if !ok {
				return 0, false
			}
		}
		tzOffsetMinutes = tzHour*60 + tzMin
		if sign == '-' {
			tzOffsetMinutes = -tzOffsetMinutes
		}
	default:
		return 0, false
	}

	if pos != len(s) {
		return 0, false
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 60 {
		return 0, false
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	t = t.Add(-time.Duration(tzOffsetMinutes) * time.Minute)
	return t.UnixMilli() + int64(millis), true
}
