package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Default public RPC endpoints used whenever --rpc-url is not passed.
var defaultRPCByChainID = map[int64]string{
	1:     "https://eth.llamarpc.com",
	42161: "https://arb1.arbitrum.io/rpc",
	31337: "http://127.0.0.1:8545",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		value := strings.TrimSpace(override)
		if err := ValidateRPCURL(value); err != nil {
			return "", err
		}
		return value, nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; provide --rpc-url", chainID)
}

// ValidateRPCURL checks that endpoint is an absolute http(s) or ws(s) URL.
// Plain http is only accepted for loopback hosts.
func ValidateRPCURL(endpoint string) error {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return fmt.Errorf("parse rpc url: %w", err)
	}
	host := strings.TrimSpace(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("rpc url %q has no host", endpoint)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https", "wss":
		return nil
	case "http", "ws":
		if isLoopbackHost(host) || isPrivateHost(host) {
			return nil
		}
		return fmt.Errorf("rpc url %q must use https outside local networks", endpoint)
	default:
		return fmt.Errorf("rpc url %q has unsupported scheme %q", endpoint, parsed.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func isPrivateHost(host string) bool {
	ip := net.ParseIP(strings.TrimSpace(host))
	return ip != nil && ip.IsPrivate()
}
