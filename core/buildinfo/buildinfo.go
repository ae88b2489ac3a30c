package buildinfo

// These variables are intended to be set via -ldflags at build time:
//
//	-X 'github.com/m3rciful/funnelbot/core/buildinfo.Version=v1.2.3'
//	-X 'github.com/m3rciful/funnelbot/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/funnelbot/core/buildinfo.Date=2025-08-30T12:00:00Z'
//
// Default values are useful for local dev.
var (
	// Version reports the semantic version or tag of the build.
	Version = "dev"
	// Commit reports the source control commit used for the build.
	Commit = "local"
	// Date reports the build timestamp in RFC3339 format.
	Date = ""
)

// String renders the build identity for logs, e.g. "v1.2.3 (abcdef0)".
func String() string {
	if Date == "" {
		return Version + " (" + Commit + ")"
	}
	return Version + " (" + Commit + ", " + Date + ")"
}
