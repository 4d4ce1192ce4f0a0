// Package version reports the build version
package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Set with -ldflags "-X github.com/effective-security/p11fixture/internal/version.Version=v1.2.3"
var (
	// Version is the release tag
	Version = "v0.0.0"
	// Commit is the source revision
	Commit = "dev"
)

// Info describes the build
type Info struct {
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	Patch   int    `json:"patch"`
	Commit  string `json:"commit"`
	Runtime string `json:"runtime"`
}

// Current returns the build version
func Current() Info {
	v := Info{
		Commit:  Commit,
		Runtime: runtime.Version(),
	}
	parts := strings.SplitN(strings.TrimPrefix(Version, "v"), ".", 3)
	nums := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		// pre-release suffix is dropped: 1.2.3-rc1
		p, _, _ = strings.Cut(p, "-")
		*nums[i], _ = strconv.Atoi(p)
	}
	return v
}

// String returns v1.2.3-commit
func (v Info) String() string {
	return fmt.Sprintf("v%d.%d.%d-%s", v.Major, v.Minor, v.Patch, v.Commit)
}
