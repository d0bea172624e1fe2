package cdp_test

import (
	"errors"
	"testing"
	"time"

	"cdp-go/internal/cdp"
)

func TestParsePartialDate(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "2024", want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{input: "2024-03", want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{input: "2024-03-15", want: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{input: "2024-03-15 14", want: time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)},
		{input: "2024-03-15 14:05:09", want: time.Date(2024, 3, 15, 14, 5, 9, 0, time.UTC)},
		{input: "24", wantErr: true},
		{input: "2024-xx", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cdp.ParsePartialDate(tt.input, time.UTC)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParsePartialDate() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePartialDate() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParsePartialDate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuery_Compile(t *testing.T) {
	base := cdp.Query{Hostname: "h", Owner: "o", Group: "g"}

	tests := []struct {
		name   string
		mutate func(q *cdp.Query)
	}{
		{"missing hostname", func(q *cdp.Query) { q.Hostname = "" }},
		{"missing owner", func(q *cdp.Query) { q.Owner = "" }},
		{"missing group", func(q *cdp.Query) { q.Group = "" }},
		{"bad regex", func(q *cdp.Query) { q.FilenamePattern = "[" }},
		{"bad after date", func(q *cdp.Query) { q.AfterDate = "yesterday" }},
		{"bad before date", func(q *cdp.Query) { q.BeforeDate = "x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			tt.mutate(&q)
			if _, err := q.Compile(); !errors.Is(err, cdp.ErrMalformedQuery) {
				t.Errorf("Compile() error = %v, want ErrMalformedQuery", err)
			}
		})
	}

	if _, err := base.Compile(); err != nil {
		t.Errorf("Compile() of a minimal query error = %v", err)
	}
}

func TestMatcher_Match(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	rec := cdp.HostFileRecord{
		Hostname: "h",
		FileMetadata: cdp.FileMetadata{
			FileType: cdp.FileTypeRegular,
			Owner:    "o", Group: "g", UID: 1, GID: 2,
			Name:  "/home/o/Photos/IMG_0001.JPG",
			Mtime: time.Date(2024, 1, 15, 10, 30, 0, 0, loc).Unix(),
		},
	}
	base := cdp.Query{Hostname: "h", Owner: "o", Group: "g", UID: 1, GID: 2, Location: loc}

	tests := []struct {
		name   string
		mutate func(q *cdp.Query)
		want   bool
	}{
		{"owner only", func(q *cdp.Query) {}, true},
		{"other host", func(q *cdp.Query) { q.Hostname = "x" }, false},
		{"other gid", func(q *cdp.Query) { q.GID = 3 }, false},
		{"other group", func(q *cdp.Query) { q.Group = "wheel" }, false},
		{"regex any case", func(q *cdp.Query) { q.FilenamePattern = `img_\d+\.jpg$` }, true},
		{"regex miss", func(q *cdp.Query) { q.FilenamePattern = `\.png$` }, false},
		{"date with zone", func(q *cdp.Query) { q.Date = "2024-01-15 10:30:00 +0100" }, true},
		{"date prefix", func(q *cdp.Query) { q.Date = "2024-01-15 10" }, true},
		{"date miss", func(q *cdp.Query) { q.Date = "2024-01-16" }, false},
		{"after is inclusive", func(q *cdp.Query) { q.AfterDate = "2024-01-15 10:30:00" }, true},
		{"after later", func(q *cdp.Query) { q.AfterDate = "2024-01-15 10:30:01" }, false},
		{"before is exclusive", func(q *cdp.Query) { q.BeforeDate = "2024-01-15 10:30:00" }, false},
		{"before later", func(q *cdp.Query) { q.BeforeDate = "2024-01-16" }, true},
		{"empty window", func(q *cdp.Query) {
			q.AfterDate = "2024-02"
			q.BeforeDate = "2024-01"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			tt.mutate(&q)
			m, err := q.Compile()
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if got := m.Match(&rec); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}
