package accounts

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Client identifies where an account request came from.
type Client struct {
	IP    string
	IPRaw string
	UA    string
}

const unknownIP = "unknown"

// ClientFromRequest resolves the caller's public address. The CDN header
// wins, then the first public X-Forwarded-For hop, then X-Real-IP and
// finally the socket address.
func ClientFromRequest(r *http.Request) Client {
	c := Client{UA: r.Header.Get("User-Agent")}
	forwarded := r.Header.Get("X-Forwarded-For")
	cf := strings.TrimSpace(r.Header.Get("CF-Connecting-IP"))
	c.IPRaw = forwarded
	if c.IPRaw == "" {
		c.IPRaw = cf
	}

	switch {
	case cf != "":
		c.IP = cf
	case forwarded != "":
		c.IP = firstPublic(forwarded)
	case r.Header.Get("X-Real-IP") != "":
		c.IP = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	default:
		c.IP = remoteHost(r.RemoteAddr)
	}
	if c.IP == "" {
		c.IP = unknownIP
	}
	return c
}

func firstPublic(list string) string {
	var hops []string
	for _, h := range strings.Split(list, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hops = append(hops, h)
		}
	}
	for _, h := range hops {
		if !isPrivate(h) {
			return h
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return ""
}

func isPrivate(raw string) bool {
	if raw == "" || raw == unknownIP {
		return true
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		ap, perr := netip.ParseAddrPort(raw)
		if perr != nil {
			return false
		}
		addr = ap.Addr()
	}
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// known reports whether ip can key the multi-account registry.
func known(ip string) bool {
	return ip != "" && ip != unknownIP
}
