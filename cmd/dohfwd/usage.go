package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative
// tty width for the usage output.

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- a caching DNS to DNS-over-HTTPS forwarding proxy

SYNOPSIS
          {{.ProgramName}} [options] configuration-file

DESCRIPTION
          {{.ProgramName}} accepts standard DNS queries over UDP and TCP and answers them from a
          statically configured local zone, from a live response cache, or by forwarding the query
          to a DNS over HTTPS ({{.RFC}}) resolver endpoint. Cached responses are stored with
          clamped TTLs and served with their TTLs aged down, so no record is ever served beyond
          its own lifetime.

          The intent is to provide secure and private resolution for a home or office network in
          the presence of unwanted DNS hijacking or snooping, while the local zone and cache keep
          latency for common lookups at LAN levels.

CONFIGURATION
          All behavioral settings - listen address, local zone entries, cache sizing, the DoH
          endpoint, TTL clamp bounds and the purge timer - come from the JSON configuration file
          named as the sole positional argument. The command line only carries diagnostics and
          process-level settings. A minimal configuration looks like:

              {
                "server": {
                  "listen_address": "127.0.0.1:53",
                  "udp_response_channel_capacity": 128,
                  "udp_receive_buffer_size": 2048
                },
                "cache": {"max_size": 10000, "max_purges_per_timer_pop": 100},
                "client": {
                  "remote_url": "https://cloudflare-dns.com/dns-query",
                  "request_timeout_seconds": 5,
                  "max_outstanding_requests": 20
                },
                "proxy": {"clamp_min_ttl_seconds": 10, "clamp_max_ttl_seconds": 3600},
                "timer_interval_seconds": 60
              }

SIGNALS
          SIGUSR1 triggers an immediate status report. SIGINT, SIGHUP and SIGTERM cause an orderly
          shutdown.

OPTIONS
`

// usage prints the usage text followed by the flag package's option summary.
func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		fmt.Fprintln(out, "Internal Error: usage template failed to parse:", err) // Should never happen
		return
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		fmt.Fprintln(out, "Internal Error: usage template failed to execute:", err)
		return
	}

	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
}

// parseCommandLine registers all flags with the program-wide flagSet and parses. Flag variables
// land directly in cfg.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.help, "help", false, "Alias of -h")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status reports and lifecycle messages")
	flagSet.BoolVar(&cfg.debug, "debug", false, "Per-request debug logging (very noisy)")

	flagSet.DurationVar(&cfg.statusInterval, "i", time.Minute*15, "Periodic Status Report `interval`")

	// TLS settings for the upstream DoH endpoint

	flagSet.Var(&cfg.tlsCAFiles, "tls-ca", "Non-system Root CA `file` used to validate the DoH endpoint")
	flagSet.BoolVar(&cfg.tlsUseSystemRootCAs, "tls-use-system-roots", true,
		"Validate the DoH endpoint with system root CAs")

	// gops and go pprof settings

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	// Process Constraint parameters

	flagSet.StringVar(&cfg.setuidName, "user", "",
		"setuid `username` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.setgidName, "group", "",
		"setgid `groupname` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	return flagSet.Parse(args[1:])
}
