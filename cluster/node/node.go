// Package node holds the immutable membership data model: Node, Vnode, and
// the VnodeInfo ring snapshot derived from a member set.
package node

import (
	"bytes"
	"encoding/binary"
	"net"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Node is a cluster member: its address, port, failure zone, and the number
// of vnodes it contributes to the placement ring. A Node with NrVnodes == 0
// is a pure gateway and never owns any vnode.
type Node struct {
	Addr     [16]byte
	Port     uint16
	Zone     uint32
	NrVnodes uint16
}

// NewNode builds a Node from a net.IP (v4 or v6) and port, storing the
// address in its 16-byte (v4-mapped-in-v6 where needed) form.
func NewNode(ip net.IP, port uint16, zone uint32, nrVnodes uint16) Node {
	var n Node
	v16 := ip.To16()
	copy(n.Addr[:], v16)
	n.Port = port
	n.Zone = zone
	n.NrVnodes = nrVnodes
	return n
}

// IsGateway reports whether this node contributes no vnodes (and therefore
// no replicated storage zone).
func (n Node) IsGateway() bool { return n.NrVnodes == 0 }

// Equal compares nodes by (addr, port) only, per the data model.
func (n Node) Equal(o Node) bool {
	return n.Addr == o.Addr && n.Port == o.Port
}

// Less implements the total order on nodes: lexicographic on (addr, port).
func (n Node) Less(o Node) bool {
	if c := bytes.Compare(n.Addr[:], o.Addr[:]); c != 0 {
		return c < 0
	}
	return n.Port < o.Port
}

// SortNodes sorts a slice of nodes by the (addr, port) total order, in place,
// and returns it for convenience.
func SortNodes(nodes []Node) []Node {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })
	return nodes
}

// EqualSets reports whether two node slices contain the same members,
// ignoring order (both are sorted internally; callers may pass unsorted
// slices).
func EqualSets(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]Node(nil), a...)
	sb := append([]Node(nil), b...)
	SortNodes(sa)
	SortNodes(sb)
	for i := range sa {
		if !sa[i].Equal(sb[i]) {
			return false
		}
	}
	return true
}

// Contains reports whether nodes contains a node equal to n.
func Contains(nodes []Node, n Node) bool {
	for _, m := range nodes {
		if m.Equal(n) {
			return true
		}
	}
	return false
}

// NrZonesFrom counts the distinct failure zones contributed by non-gateway
// nodes, mirroring the original get_zones_nr_from: pure gateways do not
// contribute to the redundancy level.
func NrZonesFrom(nodes []Node) int {
	seen := make(map[uint32]struct{}, len(nodes))
	for _, n := range nodes {
		if n.IsGateway() {
			continue
		}
		seen[n.Zone] = struct{}{}
	}
	return len(seen)
}

// MaxNrCopiesFrom returns the redundancy level achievable given the zones
// present in nodes, i.e. get_max_nr_copies_from from the original source.
func MaxNrCopiesFrom(nodes []Node, configured int) int {
	zones := NrZonesFrom(nodes)
	if zones < configured {
		return zones
	}
	return configured
}

// Vnode is a single token position on the placement ring, owned by one
// node.
type Vnode struct {
	Node  Node
	Token uint64
}

// VnodeInfo is an immutable, reference-counted snapshot of the placement
// ring computed from a member set. Exactly one VnodeInfo is "current" in
// cluster/membership at any instant; cluster/membership builds the
// replacement in full and swaps the pointer under its lock, so readers
// never observe a half-built ring.
type VnodeInfo struct {
	Entries []Vnode
	NrZones int

	refcnt *int32
}

// Rebuild computes a fresh VnodeInfo from the given member set: every
// non-gateway member emits NrVnodes vnodes whose tokens derive
// deterministically from (addr, port, index), the whole set is sorted by
// token (ties broken by (addr, port)), and the number of distinct
// contributing zones is recorded. The returned snapshot starts with a
// refcount of 1.
func Rebuild(members []Node) *VnodeInfo {
	var entries []Vnode
	for _, m := range members {
		if m.IsGateway() {
			continue
		}
		for i := uint16(0); i < m.NrVnodes; i++ {
			entries = append(entries, Vnode{Node: m, Token: vnodeToken(m, i)})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Token != entries[j].Token {
			return entries[i].Token < entries[j].Token
		}
		return entries[i].Node.Less(entries[j].Node)
	})
	rc := int32(1)
	return &VnodeInfo{
		Entries: entries,
		NrZones: NrZonesFrom(members),
		refcnt:  &rc,
	}
}

// vnodeToken computes a stable per-(node, index) ring token using xxhash,
// the same hash family badger relies on internally for its own block
// checksums.
func vnodeToken(n Node, index uint16) uint64 {
	var buf [20]byte
	copy(buf[0:16], n.Addr[:])
	binary.BigEndian.PutUint16(buf[16:18], n.Port)
	binary.BigEndian.PutUint16(buf[18:20], index)
	return xxhash.Sum64(buf[:])
}

// OidToken hashes an object id down to a ring token for placement lookups.
func OidToken(oid uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], oid)
	return xxhash.Sum64(buf[:])
}

// Get increments the refcount and returns the same snapshot, per the
// "scoped acquisition" discipline: every holder must call Release exactly
// once on every exit path.
func (vi *VnodeInfo) Get() *VnodeInfo {
	if vi == nil {
		return nil
	}
	addRefcnt(vi.refcnt, 1)
	return vi
}

// Release decrements the refcount. The snapshot's backing array becomes
// eligible for GC once the last holder releases it; there is no explicit
// free step in Go, unlike the C original, but the accounting is kept so the
// invariant ("refcnt >= 1 whenever reachable") remains testable.
func (vi *VnodeInfo) Release() {
	if vi == nil {
		return
	}
	addRefcnt(vi.refcnt, -1)
}

// Refcnt returns the current reference count, for tests and invariant
// checks only.
func (vi *VnodeInfo) Refcnt() int32 {
	return loadRefcnt(vi.refcnt)
}

// NrCopies returns min(configured, vi.NrZones), i.e. get_nr_copies.
func (vi *VnodeInfo) NrCopies(configured int) int {
	if vi == nil || vi.NrZones < configured {
		if vi == nil {
			return 0
		}
		return vi.NrZones
	}
	return configured
}

// OidToVnodes walks the ring clockwise from hash(oid), collecting vnodes
// until n distinct owning nodes have been seen (duplicates of an
// already-chosen node are skipped). If fewer than n distinct nodes exist,
// it returns as many as are available.
func (vi *VnodeInfo) OidToVnodes(oid uint64, n int) []Vnode {
	if vi == nil || len(vi.Entries) == 0 || n <= 0 {
		return nil
	}
	start := ringIndex(vi.Entries, OidToken(oid))

	result := make([]Vnode, 0, n)
	total := len(vi.Entries)
	for i := 0; i < total && len(result) < n; i++ {
		v := vi.Entries[(start+i)%total]
		dup := false
		for _, r := range result {
			if r.Node.Equal(v.Node) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		result = append(result, v)
	}
	return result
}

// ringIndex returns the index of the first entry whose token is >= target,
// wrapping to 0 if none is.
func ringIndex(entries []Vnode, target uint64) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].Token < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(entries) {
		return 0
	}
	return lo
}
