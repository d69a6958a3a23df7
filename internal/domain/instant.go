package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ScratchStampPattern is the layout embedded in every scratch file name.
const ScratchStampPattern = "yyyyMMdd_HHmmss"

var (
	urlDateRe   = regexp.MustCompile(`gfs\.(?P<date>\d{8})`)
	urlCycleRe  = regexp.MustCompile(`t(?P<cycle>\d{2})z`)
	urlOffsetRe = regexp.MustCompile(`f(?P<offset>\d{3})`)
	scratchRe   = regexp.MustCompile(`(?P<date>\d{8})_(?P<clock>\d{6})`)
)

var patternFields = []struct {
	token string
	value func(time.Time) string
}{
	{"yyyy", func(t time.Time) string { return pad(t.Year(), 4) }},
	{"MM", func(t time.Time) string { return pad(int(t.Month()), 2) }},
	{"dd", func(t time.Time) string { return pad(t.Day(), 2) }},
	{"HH", func(t time.Time) string { return pad(t.Hour(), 2) }},
	{"mm", func(t time.Time) string { return pad(t.Minute(), 2) }},
	{"ss", func(t time.Time) string { return pad(t.Second(), 2) }},
}

// ParseFromDownloadURL derives the valid time of the grid a download URL points at:
// cycle date + cycle hour + forecast offset. Every group must be present and the
// cycle hour must be one of 00, 06, 12 or 18.
func ParseFromDownloadURL(rawURL string) (time.Time, error) {
	date := urlDateRe.FindStringSubmatch(rawURL)
	if date == nil {
		return time.Time{}, &MalformedSourceIdentifierError{Input: rawURL, Reason: "missing gfs.<yyyyMMdd> cycle date"}
	}
	cycle := urlCycleRe.FindStringSubmatch(rawURL)
	if cycle == nil {
		return time.Time{}, &MalformedSourceIdentifierError{Input: rawURL, Reason: "missing t<HH>z cycle hour"}
	}
	offset := urlOffsetRe.FindStringSubmatch(rawURL)
	if offset == nil {
		return time.Time{}, &MalformedSourceIdentifierError{Input: rawURL, Reason: "missing f<FFF> forecast offset"}
	}

	base, err := time.ParseInLocation("20060102", date[1], time.UTC)
	if err != nil {
		return time.Time{}, &MalformedSourceIdentifierError{Input: rawURL, Reason: "invalid cycle date " + date[1]}
	}

	cycleHour, _ := strconv.Atoi(cycle[1])
	switch cycleHour {
	case 0, 6, 12, 18:
	default:
		return time.Time{}, &MalformedSourceIdentifierError{Input: rawURL, Reason: "cycle hour " + cycle[1] + " is not 00, 06, 12 or 18"}
	}

	offsetHours, _ := strconv.Atoi(offset[1])
	return base.Add(time.Duration(cycleHour+offsetHours) * time.Hour), nil
}

// ParseFromScratchName recovers the valid time from a name carrying a
// yyyyMMdd_HHmmss stamp, e.g. "data_20240426_030000.grib2".
func ParseFromScratchName(name string) (time.Time, error) {
	m := scratchRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, &MalformedSourceIdentifierError{Input: name, Reason: "missing yyyyMMdd_HHmmss stamp"}
	}
	t, err := time.ParseInLocation("20060102150405", m[1]+m[2], time.UTC)
	if err != nil {
		return time.Time{}, &MalformedSourceIdentifierError{Input: name, Reason: "invalid stamp " + m[1] + "_" + m[2]}
	}
	return t, nil
}

// Format renders t in UTC using a pattern of yyyy, MM, dd, HH, mm and ss fields.
// All fields are fixed width. Any other characters are copied through.
func Format(t time.Time, pattern string) string {
	t = t.UTC()
	var b strings.Builder
	b.Grow(len(pattern))
next:
	for i := 0; i < len(pattern); {
		for _, f := range patternFields {
			if strings.HasPrefix(pattern[i:], f.token) {
				b.WriteString(f.value(t))
				i += len(f.token)
				continue next
			}
		}
		b.WriteByte(pattern[i])
		i++
	}
	return b.String()
}

func pad(v, width int) string {
	s := strconv.Itoa(v)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// Stamp is Format with [ScratchStampPattern].
func Stamp(t time.Time) string {
	return Format(t, ScratchStampPattern)
}
