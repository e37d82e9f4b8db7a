// Package dateresolver picks the capture date of an uploaded image.
//
// Sources are tried in order: embedded EXIF tags, a date embedded in the filename, and
// finally the current time. Resolve never fails.
package dateresolver

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rwcarlsen/goexif/exif"
)

// Source records which rule produced a date.
type Source string

const (
	SourceEXIF     Source = "exif"
	SourceFilename Source = "filename"
	SourceFallback Source = "fallback"
)

// exifDateTags in priority order
var exifDateTags = []exif.FieldName{exif.DateTimeOriginal, exif.DateTimeDigitized, exif.DateTime}

var exifLayouts = []string{"2006-01-02 15:04:05", "2006-01-02"}

var filenamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{4})[-_]?(\d{1,2})[-_]?(\d{1,2})`), // YYYY-MM-DD, YYYYMMDD
	regexp.MustCompile(`(\d{1,2})[-_]?(\d{1,2})[-_]?(\d{4})`), // DD-MM-YYYY
}

// Resolver resolves capture dates. The zero value is usable.
type Resolver struct {
	// Now is the fallback clock; defaults to time.Now.
	Now func() time.Time
	Log zerolog.Logger
}

// New returns a Resolver logging to log.
func New(log zerolog.Logger) *Resolver {
	return &Resolver{Now: time.Now, Log: log}
}

// Resolve returns the best capture date for content named filename.
func (r *Resolver) Resolve(content []byte, filename string) time.Time {
	t, _ := r.ResolveWithSource(content, filename)
	return t
}

// ResolveWithSource is Resolve plus the rule that produced the date.
func (r *Resolver) ResolveWithSource(content []byte, filename string) (time.Time, Source) {
	if t, tag, ok := fromEXIF(content); ok {
		r.Log.Debug().Str("filename", filename).Str("tag", string(tag)).Time("date", t).Msg("capture date from EXIF")
		return t, SourceEXIF
	}
	if t, ok := FromFilename(filename); ok {
		r.Log.Debug().Str("filename", filename).Time("date", t).Msg("capture date from filename")
		return t, SourceFilename
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	t := now()
	r.Log.Warn().Str("filename", filename).Time("date", t).Msg("no valid date found, using current time")
	return t, SourceFallback
}

// fromEXIF reads the first parseable date tag. Panics from the decoder count as no tag.
func fromEXIF(content []byte) (t time.Time, tag exif.FieldName, ok bool) {
	if len(content) == 0 {
		return time.Time{}, "", false
	}
	defer func() {
		if rec := recover(); rec != nil {
			t, tag, ok = time.Time{}, "", false
		}
	}()

	// png and webp rarely carry exif; Decode just errors out for them
	x, err := exif.Decode(bytes.NewReader(content))
	if err != nil || x == nil {
		return time.Time{}, "", false
	}
	for _, name := range exifDateTags {
		field, err := x.Get(name)
		if err != nil {
			continue
		}
		raw, err := field.StringVal()
		if err != nil {
			continue
		}
		if parsed, ok := ParseEXIFDate(raw); ok {
			return parsed, name, true
		}
	}
	return time.Time{}, "", false
}

// ParseEXIFDate parses "YYYY:MM:DD HH:MM:SS" (or a date-only form) as UTC.
func ParseEXIFDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	s = strings.Replace(s, ":", "-", 2)
	for _, layout := range exifLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FromFilename extracts a calendar date from the first match of each pattern, in order.
// Dates that do not exist (month 13, 31 February) are rejected.
func FromFilename(filename string) (time.Time, bool) {
	lower := strings.ToLower(filename)
	for _, re := range filenamePatterns {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		var y, mo, d int
		if len(m[1]) == 4 {
			y, mo, d = atoi(m[1]), atoi(m[2]), atoi(m[3])
		} else {
			d, mo, y = atoi(m[1]), atoi(m[2]), atoi(m[3])
		}
		if t, ok := calendarDate(y, mo, d); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func calendarDate(y, m, d int) (time.Time, bool) {
	if y < 1 || m < 1 || m > 12 || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// time.Date normalises overflow; a round trip mismatch means the date does not exist
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
