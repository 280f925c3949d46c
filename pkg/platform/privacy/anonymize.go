// Package privacy masks client identifiers before they reach logs.
package privacy

import (
	"net/netip"
)

// AnonymizeIP truncates an address to its network prefix for logging:
// IPv4 keeps the /24, IPv6 keeps the /48. Limiter keys use the full address;
// only log lines and audit attributes go through this function.
//
// Returns "unknown" for empty input or the "unknown" sentinel and "invalid"
// for anything that does not parse.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap()

	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}
