package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// EndpointValidator rejects outbound URLs that point into private networks.
// Scanned LNURLs and lightning addresses are user input, so every callback
// is checked before the server fetches it.
type EndpointValidator struct {
	resolver Resolver
}

// NewEndpointValidator uses the system resolver.
func NewEndpointValidator() *EndpointValidator {
	return &EndpointValidator{resolver: net.DefaultResolver}
}

// WithResolver replaces the DNS resolver.
func (v *EndpointValidator) WithResolver(r Resolver) *EndpointValidator {
	v.resolver = r
	return v
}

// Validate checks rawURL's scheme and host. Both an IP literal and every
// resolved address must be public.
func (v *EndpointValidator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := v.resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host %s: %w", host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
