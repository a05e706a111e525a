package routing

import (
	"errors"
	"strings"
)

// ErrEmptyRoute is returned when a hop is requested from a route with no
// remaining addresses.
var ErrEmptyRoute = errors.New("route has no remaining hops")

// Route is the ordered list of remaining hops to a destination.
type Route []Address

// NewRoute builds a route from addresses in travel order.
func NewRoute(addrs ...Address) Route {
	r := make(Route, len(addrs))
	copy(r, addrs)
	return r
}

// Next returns the first hop and the route that remains after it.
func (r Route) Next() (Address, Route, error) {
	if len(r) == 0 {
		return "", nil, ErrEmptyRoute
	}
	return r[0], r[1:].Clone(), nil
}

// Step removes the first hop and returns it.
func (r *Route) Step() (Address, error) {
	if len(*r) == 0 {
		return "", ErrEmptyRoute
	}
	first := (*r)[0]
	*r = (*r)[1:].Clone()
	return first, nil
}

// Prepend inserts addr as the new first hop.
func (r *Route) Prepend(addr Address) {
	next := make(Route, 0, len(*r)+1)
	next = append(next, addr)
	*r = append(next, *r...)
}

// Append adds addr as the new last hop.
func (r *Route) Append(addr Address) {
	*r = append(r.Clone(), addr)
}

// Clone returns a copy that shares no backing storage with r.
func (r Route) Clone() Route {
	if r == nil {
		return nil
	}
	c := make(Route, len(r))
	copy(c, r)
	return c
}

// Equal reports whether two routes list the same hops in the same order.
func (r Route) Equal(other Route) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the route as "a => b => c".
func (r Route) String() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = string(a)
	}
	return strings.Join(parts, " => ")
}
