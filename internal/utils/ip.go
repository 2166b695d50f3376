package utils

import (
	"net/netip"
	"strings"
)

// IsAllowedIP reports whether ip falls inside one of allowed. Entries are
// CIDR prefixes or single addresses; invalid entries are skipped.
func IsAllowedIP(ip string, allowed []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			if single, err := netip.ParseAddr(entry); err == nil && single.Unmap() == addr {
				return true
			}
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
