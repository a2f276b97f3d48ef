// Package buildinfo carries values stamped in at link time:
//
//	go build -ldflags "-X palpable/internal/buildinfo.Version=1.4.0"
package buildinfo

// Version is the orchestrator binary version. The device image version is
// read from the version file instead.
var Version = "dev"
