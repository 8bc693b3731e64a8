package a2a

import (
	"fmt"
	"net"
	"net/url"
)

// privateNetworks lists the CIDR ranges an agent URL may never resolve
// to. Reaching them would let a configured agent pivot into internal
// services (localhost, cloud metadata endpoints).
var privateNetworks []*net.IPNet

func init() {
	cidrs := []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC 1918 private
		"172.16.0.0/12",  // RFC 1918 private
		"192.168.0.0/16", // RFC 1918 private
		"169.254.0.0/16", // Link-local (AWS/GCP metadata at 169.254.169.254)
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in privateNetworks: " + cidr)
		}
		privateNetworks = append(privateNetworks, network)
	}
}

// isPrivateIP checks whether an IP address falls within a blocked range.
func isPrivateIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// checkURL rejects URLs whose host resolves to any private, loopback,
// link-local, or unspecified address. The check runs once at client
// construction, before any request is made.
func checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse agent URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("agent URL scheme %q is not supported", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("agent URL %q has no host", rawURL)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("resolve agent host %q: %w", host, err)
		}
		ips = addrs
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("Private or local URLs are not allowed: %s resolves to %s", host, ip)
		}
	}
	return nil
}
