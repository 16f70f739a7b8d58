//go:build windows

package osutil

import (
	"os"
	"os/signal"
	"syscall"
)

// SignalNotify sends the signals Windows can deliver to the supplied channel
func SignalNotify(c chan os.Signal) {
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
}

// IsSignalUSR1 always returns false as Windows has no USR1
func IsSignalUSR1(s os.Signal) bool {
	return false
}
