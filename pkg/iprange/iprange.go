// Package iprange converts between dotted-quad IPv4 literals, CIDR blocks and
// the 32-bit numbers the range tables are keyed on.
package iprange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedAddress = errors.New("malformed ipv4 address")
	ErrMalformedCIDR    = errors.New("malformed cidr block")
)

// IPToInt folds the four octets of a dotted-quad literal into a big-endian
// uint32. Each octet must be 1-3 decimal digits in [0,255].
func IPToInt(ip string) (uint32, error) {
	var acc uint32
	rest := ip
	for i := range 4 {
		var part string
		if i < 3 {
			idx := strings.IndexByte(rest, '.')
			if idx < 0 {
				return 0, fmt.Errorf("%w: %q", ErrMalformedAddress, ip)
			}
			part, rest = rest[:idx], rest[idx+1:]
		} else {
			part = rest
		}
		if len(part) == 0 || len(part) > 3 {
			return 0, fmt.Errorf("%w: %q", ErrMalformedAddress, ip)
		}
		if !allDigits(part) {
			return 0, fmt.Errorf("%w: %q", ErrMalformedAddress, ip)
		}
		octet, err := strconv.Atoi(part)
		if err != nil || octet > 255 {
			return 0, fmt.Errorf("%w: %q", ErrMalformedAddress, ip)
		}
		acc = acc*256 + uint32(octet)
	}
	return acc, nil
}

// IntToIP renders n as a dotted-quad literal.
func IntToIP(n uint32) string {
	var b [15]byte
	out := b[:0]
	for shift := 24; shift >= 0; shift -= 8 {
		out = strconv.AppendUint(out, uint64(n>>uint(shift)&0xff), 10)
		if shift > 0 {
			out = append(out, '.')
		}
	}
	return string(out)
}

// CIDRToRange returns the inclusive numeric range covered by an
// "address/prefix" block. The address is not masked to the network boundary:
// end is start + 2^(32-prefix) - 1 in uint32 arithmetic, so a non-canonical
// address near the top of the space wraps.
func CIDRToRange(cidr string) (start, end uint32, err error) {
	addr, prefixStr, ok := strings.Cut(cidr, "/")
	if !ok || prefixStr == "" {
		return 0, 0, fmt.Errorf("%w: missing prefix in %q", ErrMalformedCIDR, cidr)
	}
	if len(prefixStr) > 2 || !allDigits(prefixStr) {
		return 0, 0, fmt.Errorf("%w: invalid prefix in %q", ErrMalformedCIDR, cidr)
	}
	prefix, err := strconv.Atoi(prefixStr)
	if err != nil || prefix > 32 {
		return 0, 0, fmt.Errorf("%w: invalid prefix in %q", ErrMalformedCIDR, cidr)
	}
	start, err = IPToInt(addr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrMalformedCIDR, err)
	}
	return start, start + BlockSize(prefix) - 1, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// BlockSize returns 2^(32-prefix) modulo 2^32, so /0 yields 0 and start-1
// wraps to the full space.
func BlockSize(prefix int) uint32 {
	return uint32(uint64(1) << uint(32-prefix))
}

// Contains reports whether ip falls inside the inclusive range.
func Contains(start, end, ip uint32) bool {
	return start <= ip && ip <= end
}
