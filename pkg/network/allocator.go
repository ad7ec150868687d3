package network

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cuemby/berth/pkg/types"
)

// Allocator hands out fixed-size subnets from a base range, first fit
type Allocator struct {
	base netip.Prefix
	bits int
}

// NewAllocator creates an allocator carving /bits subnets out of base
func NewAllocator(base string, bits int) (*Allocator, error) {
	prefix, err := netip.ParsePrefix(base)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet base %q: %w", base, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("subnet base %s is not IPv4", base)
	}
	if bits < prefix.Bits() || bits > 30 {
		return nil, fmt.Errorf("prefix length /%d does not fit in %s", bits, prefix)
	}
	return &Allocator{base: prefix.Masked(), bits: bits}, nil
}

// Next returns the lowest subnet in the base range that overlaps none of used
func (a *Allocator) Next(used []netip.Prefix) (netip.Prefix, error) {
	start := binary.BigEndian.Uint32(a.base.Addr().AsSlice())
	step := uint64(1) << (32 - a.bits)
	end := uint64(start) + uint64(1)<<(32-a.base.Bits())

	for addr := uint64(start); addr < end; addr += step {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(addr))
		candidate := netip.PrefixFrom(netip.AddrFrom4(b), a.bits)
		if !overlapsAny(candidate, used) {
			return candidate, nil
		}
	}
	return netip.Prefix{}, &types.Error{
		Kind: types.KindSubnetConflict,
		Op:   "allocate subnet",
		Msg:  fmt.Sprintf("no free /%d left in %s", a.bits, a.base),
	}
}

func overlapsAny(p netip.Prefix, used []netip.Prefix) bool {
	for _, u := range used {
		if p.Overlaps(u) {
			return true
		}
	}
	return false
}

// usedSubnets parses the subnets held by records, skipping unparsable ones
func usedSubnets(records []*types.NetworkRecord) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(records))
	for _, r := range records {
		if p, err := netip.ParsePrefix(r.Subnet); err == nil {
			out = append(out, p.Masked())
		}
	}
	return out
}
