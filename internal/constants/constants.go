/*
Package constants provides common values used across all dohfwd packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

	consts := constants.Get()
	fmt.Println("I am", consts.ProgramName, "based on", consts.RFC)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string // Package related constants
	Version     string
	PackageName string
	RFC         string

	AcceptHeader      string // Placed in every upstream request
	ContentTypeHeader string
	UserAgentHeader   string

	Rfc8484AcceptValue string

	DNSDefaultPort          string // DNS Related constants
	MinimumViableDNSMessage int    // MsgHdr + one Question with zero length name
	MaximumViableDNSMessage int    // RFC8484 defines an upper limit

	TCPLengthPrefixSize int // Big-endian length prefix preceding each TCP message

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole package.
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProgramName: "dohfwd",
		Version:     "v0.1.0",
		PackageName: "dohfwd caching DNS to DoH forwarder",
		RFC:         "RFC8484",

		AcceptHeader:      "Accept",
		ContentTypeHeader: "Content-Type",
		UserAgentHeader:   "User-Agent",

		Rfc8484AcceptValue: "application/dns-message",

		DNSDefaultPort:          "53",
		MinimumViableDNSMessage: 12 + 1 + 2 + 2, // A legit binary DNS Message *cannot* be shorter than this
		MaximumViableDNSMessage: 65535,

		TCPLengthPrefixSize: 2,

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
