package version

// Version is the current version of the daylist binary.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/HASMAC-AS/daylist/internal/version.Version=v1.0.0'"
var Version = "dev"
