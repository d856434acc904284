package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeEndpoint is returned for outbound URLs that could reach internal
// infrastructure.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint URL")

// ValidateNotifyURL checks that the outbound notification webhook URL is
// https and does not point at private, loopback, link-local or unspecified
// addresses, either literally or after DNS resolution.
func ValidateNotifyURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrUnsafeEndpoint)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrUnsafeEndpoint)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrUnsafeEndpoint)
	}

	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrUnsafeEndpoint, host)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrUnsafeEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrUnsafeEndpoint)
	}
	return nil
}
