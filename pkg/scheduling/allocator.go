package scheduling

import (
	"fmt"
	"sort"
)

// NodeFree is one node's remaining capacity within a scheduling pass. The
// scheduler mutates Free as it reserves RAM; the snapshot never outlives the
// pass.
type NodeFree struct {
	Name string
	Free int64
}

// Allocator picks a node with at least ram MiB free, or nil when none fits.
type Allocator func(nodes []*NodeFree, ram int64) *NodeFree

// Binpack picks the candidate with the least free RAM, packing nodes tightly.
// Ties break on name.
func Binpack(nodes []*NodeFree, ram int64) *NodeFree {
	return pick(nodes, ram, func(a, b *NodeFree) bool {
		if a.Free != b.Free {
			return a.Free < b.Free
		}
		return a.Name < b.Name
	})
}

// Spread picks the candidate with the most free RAM, balancing load. Ties
// break on name.
func Spread(nodes []*NodeFree, ram int64) *NodeFree {
	return pick(nodes, ram, func(a, b *NodeFree) bool {
		if a.Free != b.Free {
			return a.Free > b.Free
		}
		return a.Name < b.Name
	})
}

func pick(nodes []*NodeFree, ram int64, less func(a, b *NodeFree) bool) *NodeFree {
	var candidates []*NodeFree
	for _, n := range nodes {
		if n.Free >= ram {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
	return candidates[0]
}

// AllocatorFor resolves the configured strategy name.
func AllocatorFor(strategy string) (Allocator, error) {
	switch strategy {
	case "binpack":
		return Binpack, nil
	case "spread":
		return Spread, nil
	}
	return nil, fmt.Errorf("unknown scheduling strategy: %s", strategy)
}

// fits reports whether an (application RAM, data RAM) pair can be hosted,
// together or split across two nodes. A dcRAM of zero means no data
// container is needed.
func fits(nodes []*NodeFree, acRAM, dcRAM int64) bool {
	if len(nodes) == 0 {
		return false
	}
	var first, second int64
	for _, n := range nodes {
		if n.Free > first {
			second = first
			first = n.Free
		} else if n.Free > second {
			second = n.Free
		}
	}
	if dcRAM == 0 {
		return first >= acRAM
	}
	if first >= acRAM+dcRAM {
		return true
	}
	larger, smaller := acRAM, dcRAM
	if smaller > larger {
		larger, smaller = smaller, larger
	}
	return first >= larger && second >= smaller
}
