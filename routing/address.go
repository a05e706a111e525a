package routing

import (
	"fmt"
	"strconv"
	"strings"
)

// AddressType selects which router owns an address.
type AddressType uint8

const (
	// LocalAddress is handled by a worker registered on the local node.
	LocalAddress AddressType = 0
	// TCPAddress is handled by the TCP transport router.
	TCPAddress AddressType = 1
)

// typeSeparator splits an address type prefix from its value.
const typeSeparator = "#"

// Address identifies a worker or an external endpoint.
type Address string

// NewAddress builds an address of the given type. Local addresses carry no
// prefix.
func NewAddress(t AddressType, value string) Address {
	if t == LocalAddress {
		return Address(value)
	}
	return Address(strconv.Itoa(int(t)) + typeSeparator + value)
}

// Type returns the router type encoded in the address prefix. Addresses
// without a numeric prefix are local.
func (a Address) Type() AddressType {
	prefix, _, ok := strings.Cut(string(a), typeSeparator)
	if !ok {
		return LocalAddress
	}
	n, err := strconv.ParseUint(prefix, 10, 8)
	if err != nil {
		return LocalAddress
	}
	return AddressType(n)
}

// Value returns the address without its type prefix.
func (a Address) Value() string {
	if a.Type() == LocalAddress {
		return string(a)
	}
	_, value, _ := strings.Cut(string(a), typeSeparator)
	return value
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return string(a)
}

// Validate rejects empty addresses.
func (a Address) Validate() error {
	if a == "" {
		return fmt.Errorf("%w: empty address", ErrMalformed)
	}
	return nil
}
