package version

import "runtime"

// Overridden at build time with -ldflags "-X github.com/alvmarrod/outbound-weaver/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)
