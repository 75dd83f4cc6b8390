package transport

import (
	"net/netip"

	"github.com/c360/echomux/errors"
)

// ExtractAddress maps a peer's source-identity string ("host:port") to a
// comparable network address. The port half is transient and discarded; only
// the address participates in ownership checks.
func ExtractAddress(sourceIdentity string) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(sourceIdentity)
	if err != nil {
		// A bare address without a port is still acceptable.
		addr, aerr := netip.ParseAddr(sourceIdentity)
		if aerr != nil {
			return netip.Addr{}, errors.WrapInvalid(err,
				"transport", "ExtractAddress", "parse source identity")
		}
		return addr.Unmap(), nil
	}
	return ap.Addr().Unmap(), nil
}
