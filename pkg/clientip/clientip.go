package clientip

import (
	"net"
	"net/http"
	"strings"
)

// DefaultHeaders is the lookup order used when Config.TrustedHeaders is empty.
var DefaultHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"}

// Config lists the proxy headers trusted to carry the client address, in
// priority order. Deployments without a proxy should set it to "-" so only
// RemoteAddr is used.
type Config struct {
	TrustedHeaders []string `env:"CLIENTIP_TRUSTED_HEADERS" envSeparator:","`
}

// Resolver extracts the client IP from a request.
type Resolver struct {
	headers []string
}

// New returns a Resolver for cfg.
func New(cfg Config) *Resolver {
	headers := cfg.TrustedHeaders
	switch {
	case len(headers) == 0:
		headers = DefaultHeaders
	case len(headers) == 1 && headers[0] == "-":
		headers = nil
	}
	return &Resolver{headers: headers}
}

// GetIP returns the first valid address from the trusted headers, falling
// back to RemoteAddr. X-Forwarded-For style lists yield their first valid entry.
func (res *Resolver) GetIP(r *http.Request) string {
	for _, h := range res.headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		for candidate := range strings.SplitSeq(v, ",") {
			if ip := parseIP(candidate); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

// parseIP validates and normalizes an address. Invalid input yields "".
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
