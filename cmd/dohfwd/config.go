package main

import (
	"time"

	"github.com/dnscore/dohfwd/internal/flagutil"
)

// cliConfig holds everything gleaned from the command line. The behavioral configuration of the
// daemon lives in the JSON document named by the sole positional argument; the command line only
// carries diagnostics and process-level settings.
type cliConfig struct {
	debug   bool
	gops    bool
	help    bool
	verbose bool
	version bool

	statusInterval time.Duration

	tlsCAFiles          flagutil.StringValue // Non-system root CAs to validate the DoH endpoint
	tlsUseSystemRootCAs bool

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string // Process constraint settings

	configPath string // The positional argument
}
