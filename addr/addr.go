// Package addr provides the DECnet addressing primitives: node addresses,
// Ethernet/DDCMP MAC addresses derived from them, and routing-layer protocol
// versions. See companion document "DECnet Digital Network Architecture
// Phase IV, Routing Layer Specification", section 3.
package addr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Area and node bit widths for a Phase III/IV 16-bit address.
const (
	areaBits = 6
	nodeBits = 10
	nodeMask = 1<<nodeBits - 1
	maxArea  = 1<<areaBits - 1 // 63
	maxNode  = 1<<nodeBits - 1 // 1023
)

// ErrRange signals an area or node value outside its allowed range.
var ErrRange = errors.New("decnet: area.node out of range")

// ErrSyntax signals an unparsable address string.
var ErrSyntax = errors.New("decnet: address syntax")

// NodeId is a 16-bit DECnet node address, encoded as (area<<10)|node.
// Area ranges [1, 63] and node ranges [1, 1023] for a valid Phase III/IV
// address, while a Phase II address has area 0 (see IsPhase2); the
// zero value means "the local node" when used as parse/format input, but
// is never a valid value to put on the wire.
type NodeId uint16

// NewNodeId builds a NodeId from an area and a node number. Area 0 is
// accepted only together with node 0, meaning "local node"; otherwise both
// parts must be in range.
func NewNodeId(area, node uint) (NodeId, error) {
	if area == 0 && node == 0 {
		return 0, nil
	}
	if area < 1 || area > maxArea || node < 1 || node > maxNode {
		return 0, ErrRange
	}
	return NodeId(area<<nodeBits | node), nil
}

// Area returns the area number in [0, 63].
func (n NodeId) Area() uint { return uint(n) >> nodeBits }

// Node returns the node-in-area number in [0, 1023].
func (n NodeId) Node() uint { return uint(n) & nodeMask }

// IsPhase2 reports whether the address has no area component, which is how
// a Phase II peer address is represented.
func (n NodeId) IsPhase2() bool { return n.Area() == 0 }

// String formats the address as "area.node", or bare "node" when area is 0,
// conform the conventional DECnet notation.
func (n NodeId) String() string {
	if n.Area() == 0 {
		return strconv.FormatUint(uint64(n.Node()), 10)
	}
	return fmt.Sprintf("%d.%d", n.Area(), n.Node())
}

// ParseNodeId parses the "area.node" or bare "node" notation; a bare node
// number yields a Phase II address (area 0). The empty string and "0" parse
// to the zero NodeId (local node).
func ParseNodeId(s string) (NodeId, error) {
	if s == "" {
		return 0, nil
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		area, err := strconv.ParseUint(s[:i], 10, 16)
		if err != nil {
			return 0, ErrSyntax
		}
		node, err := strconv.ParseUint(s[i+1:], 10, 16)
		if err != nil {
			return 0, ErrSyntax
		}
		return NewNodeId(uint(area), uint(node))
	}
	node, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, ErrSyntax
	}
	if node > maxNode {
		return 0, ErrRange
	}
	return NodeId(node), nil
}

// Bytes encodes the address little-endian, as it appears on the wire.
func (n NodeId) Bytes() [2]byte {
	return [2]byte{byte(n), byte(n >> 8)}
}

// NodeIdFromBytes decodes a little-endian wire address.
func NodeIdFromBytes(b []byte) NodeId {
	return NodeId(uint16(b[0]) | uint16(b[1])<<8)
}

// decnetOUI is the organizationally unique identifier DEC registered for
// DECnet MAC addresses: AA-00-04-00.
var decnetOUI = [4]byte{0xAA, 0x00, 0x04, 0x00}

// Macaddr is a 6-octet IEEE 802 MAC address.
type Macaddr [6]byte

// String formats the address in the conventional AA-BB-CC-DD-EE-FF form.
func (m Macaddr) String() string {
	return fmt.Sprintf("%02X-%02X-%02X-%02X-%02X-%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MacaddrOf derives the DECnet MAC address for a node: the fixed
// AA-00-04-00 prefix followed by the node address, little-endian.
func MacaddrOf(n NodeId) Macaddr {
	var m Macaddr
	copy(m[:4], decnetOUI[:])
	b := n.Bytes()
	m[4], m[5] = b[0], b[1]
	return m
}

// ErrNotDECnet signals a MAC address outside the DECnet OUI range.
var ErrNotDECnet = errors.New("decnet: not a DECnet MAC address")

// NodeIdOf recovers the NodeId embedded in a DECnet MAC address.
func NodeIdOf(m Macaddr) (NodeId, error) {
	if m[0] != decnetOUI[0] || m[1] != decnetOUI[1] || m[2] != decnetOUI[2] || m[3] != decnetOUI[3] {
		return 0, ErrNotDECnet
	}
	return NodeIdFromBytes(m[4:6]), nil
}

// Version is a three-octet routing-layer protocol version, printed dotted.
type Version [3]uint8

// Known tiver (transport init version) constants, see spec.md §3.
var (
	TiverPhase2 = Version{0, 0, 0}
	TiverPhase3 = Version{1, 3, 0}
	TiverPhase4 = Version{2, 0, 0}
)

// String formats the version as "v1.v2.v3".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// AtLeast reports whether v is the same or a later version than other,
// compared lexicographically on (v1, v2, v3).
func (v Version) AtLeast(other Version) bool {
	for i := range v {
		if v[i] != other[i] {
			return v[i] > other[i]
		}
	}
	return true
}
