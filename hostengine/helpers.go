package hostengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

const (
	// DefaultPublicIPEndpoint answers with the caller's IPv4 address as plain text
	DefaultPublicIPEndpoint = "https://ifconfig.me/ip"

	publicIPTimeout = 10 * time.Second
	maxIPResponse   = 256
)

var privateRanges = []*net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},     // RFC 1918
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},  // RFC 1918
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)}, // RFC 1918
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},    // loopback
}

// GetPublicIP asks endpoint for the public IPv4 address of this machine. The answer must
// be a bare IP address.
func GetPublicIP(ctx context.Context, endpoint string) (string, error) {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "tcp4", addr)
		},
		TLSHandshakeTimeout: publicIPTimeout,
	}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := (&http.Client{Transport: transport}).Do(req) //nolint:gosec // endpoint comes from code, not from peers
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("[HostEngine] public IP lookup returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIPResponse))
	if err != nil {
		return "", err
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("[HostEngine] public IP lookup returned %q", ip)
	}

	return ip, nil
}

// addrIP returns the IP of an ip4 or ip6 multiaddr, nil for anything else.
func addrIP(addr multiaddr.Multiaddr) net.IP {
	ip, err := manet.ToIP(addr)
	if err != nil {
		return nil
	}

	return ip
}

// isPrivateIP reports whether addr is an IPv4 address in a private or loopback range.
func isPrivateIP(addr multiaddr.Multiaddr) bool {
	ip := addrIP(addr)
	if ip == nil || ip.To4() == nil {
		return false
	}

	for _, r := range privateRanges {
		if r.Contains(ip) {
			return true
		}
	}

	return false
}
