// Package version holds the build identity reported by the server and the
// CLI. Version, Revision and Date are set at link time:
//
//	go build -ldflags "-X cdp-go/internal/version.Version=1.2.0 -X cdp-go/internal/version.Revision=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	Name     = "cdp-go"
	Version  = "0.1.0"
	Revision = "dev"
	Date     = "unknown"
	Licence  = "GPL v3 or later"
	Authors  = []string{"cdp-go contributors"}
)

// Info is the identity served at /Version.json.
type Info struct {
	Name     string   `json:"name"`
	Date     string   `json:"date"`
	Version  string   `json:"version"`
	Revision string   `json:"revision"`
	Licence  string   `json:"licence"`
	Authors  []string `json:"authors"`
}

// Get returns the identity of the running binary.
func Get() Info {
	return Info{
		Name:     Name,
		Date:     Date,
		Version:  Version,
		Revision: Revision,
		Licence:  Licence,
		Authors:  append([]string(nil), Authors...),
	}
}

// Text renders the identity as the plain lines served at /Version and
// printed by "cdp version".
func (i Info) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s version: %s-%s (%s)\n", i.Name, i.Version, i.Revision, i.Date)
	fmt.Fprintf(&b, "Author(s): %s\n", strings.Join(i.Authors, ", "))
	fmt.Fprintf(&b, "License: %s\n", i.Licence)
	fmt.Fprintf(&b, "Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return b.String()
}
