package version

import (
	"strings"
	"testing"
)

func TestInfo_Text(t *testing.T) {
	info := Info{
		Name:     "cdp-go",
		Date:     "2024-01-15",
		Version:  "1.0.0",
		Revision: "abc123",
		Licence:  "GPL",
		Authors:  []string{"a", "b"},
	}

	got := info.Text()
	for _, want := range []string{
		"cdp-go version: 1.0.0-abc123 (2024-01-15)\n",
		"Author(s): a, b\n",
		"License: GPL\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Text() = %q, missing %q", got, want)
		}
	}
}

func TestGet_CopiesAuthors(t *testing.T) {
	info := Get()
	if len(info.Authors) == 0 {
		t.Fatal("Get() returned no authors")
	}
	info.Authors[0] = "changed"
	if Authors[0] == "changed" {
		t.Error("Get() shares the Authors slice with the package variable")
	}
}
