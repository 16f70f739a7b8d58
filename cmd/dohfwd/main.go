// listen for inbound DNS queries and answer them from a local zone, a response cache or an
// upstream DoH server
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dnscore/dohfwd/internal/config"
	"github.com/dnscore/dohfwd/internal/constants"
	"github.com/dnscore/dohfwd/internal/localzone"
	"github.com/dnscore/dohfwd/internal/metrics"
	"github.com/dnscore/dohfwd/internal/osutil"
	"github.com/dnscore/dohfwd/internal/proxy"
	"github.com/dnscore/dohfwd/internal/reporter"
	"github.com/dnscore/dohfwd/internal/responsecache"
	"github.com/dnscore/dohfwd/internal/server"
	"github.com/dnscore/dohfwd/internal/tlsutil"
	"github.com/dnscore/dohfwd/internal/upstream"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *cliConfig

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	startTime                = time.Now()
	mainStarted, mainStopped bool // Record state transitions thru main (used by tests)
	stopChannel              chan os.Signal
	flagSet                  *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

//////////////////////////////////////////////////////////////////////
// main wrappers make it easy for test programs
//////////////////////////////////////////////////////////////////////

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution. stopChannel is buffered as the reader may disappear if there is a fatal error and
// multiple writers may try and write to the channel and we don't want those writers to stall
// forever.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &cliConfig{}
	stdout = out
	stderr = err
	mainStarted = false
	mainStopped = false
	stopChannel = make(chan os.Signal, 4)
	osutil.SignalNotify(stopChannel)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	err := parseCommandLine(args)
	if err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return 0
	}

	log.SetOutput(stdout)
	if cfg.debug {
		log.SetLevel(log.DebugLevel)
	}

	if flagSet.NArg() != 1 {
		return fatal("Must supply exactly one configuration file path on the command line")
	}
	cfg.configPath = flagSet.Arg(0)

	conf, err := config.Load(cfg.configPath)
	if err != nil {
		return fatal(err)
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal(err)
		}
		defer agent.Close()
	}

	// Start CPU profiling now that most error checking is complete

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	// Memory profile is triggered at the end of the program but we open the output file and
	// hold it open prior to any possible chroot/setuid/setgid action.

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	// Construct the pipeline from the leaves up: metrics, zone, cache, upstream client, proxy.

	allMetrics := metrics.New()

	zone, err := localzone.New(conf.ForwardDomains, conf.ReverseDomains)
	if err != nil {
		return fatal(err)
	}

	cache, err := responsecache.New(conf.Cache.MaxSize)
	if err != nil {
		return fatal(err)
	}

	// The TLS configuration and http2-enabled transport for the DoH endpoint. Explicitly
	// configure http2 support - DoH servers practically all speak it and it gets us query
	// multiplexing over one connection.

	tlsConfig, err := tlsutil.NewClientTLSConfig(cfg.tlsUseSystemRootCAs, cfg.tlsCAFiles.Args())
	if err != nil {
		return fatal(err)
	}
	transport := &http.Transport{TLSClientConfig: tlsConfig, MaxConnsPerHost: conf.Client.MaxOutstandingRequests}
	if err := http2.ConfigureTransport(transport); err != nil {
		return fatal(err)
	}
	httpClient := &http.Client{Transport: transport, Timeout: conf.RequestTimeout()}

	client, err := upstream.New(upstream.Config{
		RemoteURL:              conf.Client.RemoteURL,
		RequestTimeout:         conf.RequestTimeout(),
		MaxOutstandingRequests: conf.Client.MaxOutstandingRequests,
	}, httpClient)
	if err != nil {
		return fatal(err)
	}

	prx := proxy.New(proxy.Config{
		ClampMinTTLSeconds: conf.Proxy.ClampMinTTLSeconds,
		ClampMaxTTLSeconds: conf.Proxy.ClampMaxTTLSeconds,
	}, zone, cache, client, allMetrics)

	udpServer := server.NewUDP(conf.Server, prx, allMetrics)
	tcpServer := server.NewTCP(conf.Server, prx, allMetrics)

	reporters := []reporter.Reporter{allMetrics, cache, client, udpServer, tcpServer}

	if cfg.verbose {
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version,
			"Starting:", conf.Client.RemoteURL, "Listen:", conf.Server.ListenAddress)
		if zone.Len() > 0 {
			fmt.Fprintln(stdout, "Local Zone Entries:", zone.Len())
		}
	}

	// Start the listeners and the purger. Listener bind errors arrive on the error channel and
	// are fatal; after a successful bind the listeners only return on shutdown.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errorChannel := make(chan error, 2)
	wg := &sync.WaitGroup{} // Wait on both listeners at shutdown

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := udpServer.Run(ctx); err != nil {
			errorChannel <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpServer.Run(ctx); err != nil {
			errorChannel <- err
		}
	}()

	go prx.RunPurger(ctx, conf.TimerInterval(), conf.Cache.MaxPurgesPerTimerPop)

	// Constrain the process via setuid/setgid/chroot. This is a no-op call if all parameters
	// are empty strings.

	err = osutil.Constrain(cfg.setuidName, cfg.setgidName, cfg.chrootDir)
	if err != nil {
		return fatal(err)
	}
	if cfg.verbose {
		fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
	}

	// Loop forever giving periodic status reports and checking for a termination event.

	mainStarted = true // Tell testers that we're up and running
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if osutil.IsSignalUSR1(s) {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running // All signals bar USR1 cause loop exit

		case err := <-errorChannel:
			return fatal(err) // No cleanup if we got a listener startup error

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	cancel()
	mainStopped = true
	wg.Wait() // Wait for both listeners to shut down

	if cfg.verbose {
		statusReport("Status", true, reporters) // One last report prior to exiting
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Exiting after", uptime())
	}

	// Memory profile is written at the end of the program

	if memProfileFile != nil {
		runtime.GC() // get up-to-date statistics
		err := pprof.WriteHeapProfile(memProfileFile)
		if err != nil {
			return fatal(err)
		}
	}

	return 0
}

// nextInterval calculates the duration to the modulo interval next time. If now is 00:01:17 and
// interval is 30s then return is 13s which is the duration to the next modulo of 00:01:30.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

// uptime calculates how long this server has been running and returns a print-friendly and
// granularity-appropriate representation of that duration.
func uptime() string {
	return time.Now().Sub(startTime).Truncate(time.Second).String()
}

// statusReport prints stats about the server and all known reporters
func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProgramName, consts.Version, uptime())
	for _, r := range reporters {
		reps := strings.Split(r.Report(resetCounters), "\n")
		for _, s := range reps {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
