package cdp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout mtime is rendered with when matching a Query's
// exact date, e.g. "2024-01-15 10:30:00 +0100".
const DateLayout = "2006-01-02 15:04:05 -0700"

// Query selects HostFileRecords from a backend listing. Hostname, UID,
// GID, Owner and Group are required and must match exactly; the remaining
// fields are optional and, when set, must all match.
type Query struct {
	Hostname string
	UID      uint32
	GID      uint32
	Owner    string
	Group    string

	// FilenamePattern is a case-insensitive regular expression matched
	// against the record's name.
	FilenamePattern string

	// Date is a prefix of the mtime rendered with DateLayout.
	Date string

	// AfterDate and BeforeDate are "YYYY-MM-DD HH:MM:SS" dates that may be
	// truncated; missing fields take their minimum value. A record matches
	// when AfterDate <= mtime < BeforeDate.
	AfterDate  string
	BeforeDate string

	// Location is the zone dates are interpreted in. Nil means time.Local.
	Location *time.Location
}

// Matcher is a compiled Query.
type Matcher struct {
	q      Query
	loc    *time.Location
	nameRE *regexp.Regexp
	after  *time.Time
	before *time.Time
}

// Compile validates q and prepares it for matching. Errors wrap
// ErrMalformedQuery.
func (q Query) Compile() (*Matcher, error) {
	if q.Hostname == "" || q.Owner == "" || q.Group == "" {
		return nil, fmt.Errorf("%w: hostname, owner and group are required", ErrMalformedQuery)
	}

	m := &Matcher{q: q, loc: q.Location}
	if m.loc == nil {
		m.loc = time.Local
	}

	if q.FilenamePattern != "" {
		re, err := regexp.Compile("(?i)" + q.FilenamePattern)
		if err != nil {
			return nil, fmt.Errorf("%w: filename pattern: %v", ErrMalformedQuery, err)
		}
		m.nameRE = re
	}

	if q.AfterDate != "" {
		t, err := ParsePartialDate(q.AfterDate, m.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: afterdate: %v", ErrMalformedQuery, err)
		}
		m.after = &t
	}
	if q.BeforeDate != "" {
		t, err := ParsePartialDate(q.BeforeDate, m.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: beforedate: %v", ErrMalformedQuery, err)
		}
		m.before = &t
	}

	return m, nil
}

// Match reports whether rec satisfies every filter of the query.
func (m *Matcher) Match(rec *HostFileRecord) bool {
	if rec.Hostname != m.q.Hostname || rec.UID != m.q.UID || rec.GID != m.q.GID ||
		rec.Owner != m.q.Owner || rec.Group != m.q.Group {
		return false
	}
	if m.nameRE != nil && !m.nameRE.MatchString(rec.Name) {
		return false
	}

	mtime := time.Unix(rec.Mtime, 0).In(m.loc)
	if m.q.Date != "" && !strings.HasPrefix(mtime.Format(DateLayout), m.q.Date) {
		return false
	}
	if m.after != nil && mtime.Before(*m.after) {
		return false
	}
	if m.before != nil && !mtime.Before(*m.before) {
		return false
	}
	return true
}

// Filter returns the records matching m, in their original order.
func (m *Matcher) Filter(records []HostFileRecord) []HostFileRecord {
	var out []HostFileRecord
	for i := range records {
		if m.Match(&records[i]) {
			out = append(out, records[i])
		}
	}
	return out
}

// ParsePartialDate parses a "YYYY-MM-DD HH:MM:SS" date that may stop after
// any field. The year is mandatory.
func ParsePartialDate(s string, loc *time.Location) (time.Time, error) {
	fields := []struct {
		offset, width, min int
	}{
		{0, 4, 0},  // year
		{5, 2, 1},  // month
		{8, 2, 1},  // day
		{11, 2, 0}, // hour
		{14, 2, 0}, // minute
		{17, 2, 0}, // second
	}

	values := make([]int, len(fields))
	for i, f := range fields {
		values[i] = f.min
		if len(s) < f.offset+f.width {
			if i == 0 {
				return time.Time{}, fmt.Errorf("date %q has no year", s)
			}
			continue
		}
		v, err := strconv.Atoi(s[f.offset : f.offset+f.width])
		if err != nil {
			return time.Time{}, fmt.Errorf("date %q: field at offset %d is not a number", s, f.offset)
		}
		values[i] = v
	}

	return time.Date(values[0], time.Month(values[1]), values[2], values[3], values[4], values[5], 0, loc), nil
}
