package peer

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
)

var ErrMalformed = errors.New("malformed peer address")

// Address identifies a remote node by host and port. Two addresses are equal only if both fields match exactly,
// no name resolution or canonicalisation is applied.
// On the wire and on disk an Address is a two-element array: [host, port].
type Address struct {
	_    struct{} `cbor:",toarray"`
	Host string
	Port int
}

func New(host string, port int) Address {
	return Address{Host: host, Port: port}
}

// Parse parses a "host:port" string.
func Parse(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w: port %q: %v", ErrMalformed, portStr, err)
	}
	a := New(host, port)
	return a, a.Validate()
}

// FromNetAddr converts the observed address of a connection.
func FromNetAddr(addr net.Addr) (Address, error) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return New(tcpAddr.IP.String(), tcpAddr.Port), nil
	}
	return Parse(addr.String())
}

func (a Address) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("%w: empty host", ErrMalformed)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrMalformed, a.Port)
	}
	return nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Host, a.Port})
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: expected [host, port], got %d elements", ErrMalformed, len(pair))
	}

	var host string
	var port int
	if err := json.Unmarshal(pair[0], &host); err != nil {
		return fmt.Errorf("%w: host: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(pair[1], &port); err != nil {
		return fmt.Errorf("%w: port: %v", ErrMalformed, err)
	}

	parsed := New(host, port)
	if err := parsed.Validate(); err != nil {
		return err
	}
	*a = parsed
	return nil
}

func Compare(a, b Address) int {
	if c := cmp.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}

// Set is a set of peer addresses. It is not safe for concurrent use, the owning Store serializes access.
type Set map[Address]struct{}

func NewSet(addrs ...Address) Set {
	s := make(Set, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Add reports whether the address was not present before.
func (s Set) Add(a Address) bool {
	if _, ok := s[a]; ok {
		return false
	}
	s[a] = struct{}{}
	return true
}

// Remove reports whether the address was present.
func (s Set) Remove(a Address) bool {
	if _, ok := s[a]; !ok {
		return false
	}
	delete(s, a)
	return true
}

func (s Set) Has(a Address) bool {
	_, ok := s[a]
	return ok
}

// Union adds every address in addrs and returns how many were new.
func (s Set) Union(addrs []Address) int {
	added := 0
	for _, a := range addrs {
		if s.Add(a) {
			added++
		}
	}
	return added
}

func (s Set) Clone() Set {
	c := make(Set, len(s))
	for a := range s {
		c[a] = struct{}{}
	}
	return c
}

// Slice returns the addresses sorted by host, then port.
func (s Set) Slice() []Address {
	out := make([]Address, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	slices.SortFunc(out, Compare)
	return out
}

// Store holds the set of known peers and mirrors every change to durable storage.
type Store interface {
	// Add inserts the address and persists the set, even if the address was already known.
	Add(Address) error

	// Remove deletes the address and persists the set.
	Remove(Address) error

	// Merge adds every address of a remote snapshot and persists once. It returns the number of new entries.
	Merge([]Address) (int, error)

	// Snapshot returns a copy of the current set.
	Snapshot() []Address

	Has(Address) bool
	Len() int
}
