// Package version exposes build metadata for the Kale binaries.
//
// Tag is stamped at link time:
//
//	go build -ldflags "-X github.com/KanopusDev/Kale/internal/version.Tag=v1.2.3"
//
// When it is not, the module version recorded by the Go toolchain is used.
package version

import (
	"runtime/debug"
	"strings"
)

var Tag = ""

var readBuildInfo = debug.ReadBuildInfo

// String returns the release tag, the module version from build info, or "dev".
func String() string {
	if t := strings.TrimSpace(Tag); t != "" {
		return t
	}
	if bi, ok := readBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}

// Revision returns the short VCS revision embedded by the toolchain, if any.
func Revision() string {
	bi, ok := readBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

// Mailer is the X-Mailer header value stamped on outgoing messages.
func Mailer() string {
	return "Kale Email API v" + strings.TrimPrefix(String(), "v")
}
