//go:build linux

// setuid/setgid don't reliably work on Linux via Go because each Linux thread carries its own
// uid/gid and the Go runtime spans threads. For the long and sorry history see:
// https://github.com/golang/go/issues/1435

package osutil

const (
	setuidAllowed = false
	setgidAllowed = false
)
