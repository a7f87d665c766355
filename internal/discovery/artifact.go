package discovery

import (
	"regexp"
	"strings"
)

// Content is one decoded result line written by a VPS job. The job writes
// exactly one of the variants below as "<first>|<second>".
type Content interface {
	content()
}

// Endpoint is a reachable desktop address and its password.
type Endpoint struct {
	Address string
	Secret  string
}

// Pending means the job is still preparing the tunnel.
type Pending struct {
	Message string
}

// AwaitingAuth carries the login URL a user must open before the mesh
// address is assigned.
type AwaitingAuth struct {
	URL string
}

type TunnelTimeout struct {
	Message string
}

type ProvisionFailure struct {
	Message string
}

// Unrecognized holds a first field that is neither a marker nor an address.
type Unrecognized struct {
	Raw string
}

func (Endpoint) content()         {}
func (Pending) content()          {}
func (AwaitingAuth) content()     {}
func (TunnelTimeout) content()    {}
func (ProvisionFailure) content() {}
func (Unrecognized) content()     {}

var (
	errorPrefix  = regexp.MustCompile(`(?i)^ERROR:?`)
	hostPort     = regexp.MustCompile(`^[a-zA-Z0-9.-]+:\d+$`)
	ipv4WithPort = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+:\d+$`)
)

// Decode parses the trimmed text of the result file.
func Decode(text string) Content {
	parts := strings.Split(strings.TrimSpace(text), "|")
	first := strings.TrimSpace(parts[0])
	second := ""
	if len(parts) > 1 {
		second = strings.TrimSpace(parts[1])
	}

	switch {
	case first == "PENDING":
		return Pending{Message: second}
	case first == "WAITING_AUTH" && second != "":
		return AwaitingAuth{URL: second}
	case first == "TIMEOUT":
		return TunnelTimeout{Message: second}
	case strings.HasPrefix(strings.ToUpper(first), "ERROR"):
		msg := second
		if msg == "" {
			msg = strings.TrimSpace(errorPrefix.ReplaceAllLiteralString(first, ""))
		}
		if msg == "" {
			msg = "Unknown error"
		}
		return ProvisionFailure{Message: msg}
	case ValidAddress(first):
		return Endpoint{Address: first, Secret: second}
	default:
		return Unrecognized{Raw: first}
	}
}

// ValidAddress accepts scheme URLs, host:port and dotted IPv4 with a port,
// which covers mesh addresses such as 100.64.1.2:3389.
func ValidAddress(s string) bool {
	if s == "" {
		return false
	}
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		hostPort.MatchString(s) ||
		ipv4WithPort.MatchString(s)
}
