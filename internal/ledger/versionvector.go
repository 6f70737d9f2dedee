// Package ledger implements the domain entities and the CRDT merge engine:
// version-vector causality, per-kind merge policies, the double-entry balance
// invariant, and conflict records for edits that cannot be merged
// automatically.
package ledger

// VersionVector maps a principal id to a monotonic counter. It captures the
// causal history of an entity so two versions can be compared for dominance.
type VersionVector map[string]int64

// Ordering is the result of comparing two version vectors.
type Ordering int

const (
	// Equal: both vectors describe the same causal history.
	Equal Ordering = iota
	// Dominates: the receiver strictly dominates the argument.
	Dominates
	// Dominated: the argument strictly dominates the receiver.
	Dominated
	// Concurrent: neither dominates; the versions were edited concurrently.
	Concurrent
)

// Compare returns the causal ordering of v relative to other.
func (v VersionVector) Compare(other VersionVector) Ordering {
	greater := false
	less := false

	for p, c := range v {
		oc := other[p]
		if c > oc {
			greater = true
		} else if c < oc {
			less = true
		}
	}
	for p, oc := range other {
		if _, ok := v[p]; !ok && oc > 0 {
			less = true
		}
	}

	switch {
	case greater && less:
		return Concurrent
	case greater:
		return Dominates
	case less:
		return Dominated
	default:
		return Equal
	}
}

// Merge returns the component-wise maximum of v and other.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	out := make(VersionVector, len(v)+len(other))
	for p, c := range v {
		out[p] = c
	}
	for p, c := range other {
		if c > out[p] {
			out[p] = c
		}
	}
	return out
}

// Increment bumps the counter for the given principal, returning a copy.
// The engine is the only caller; nothing else mutates version vectors.
func (v VersionVector) Increment(principalID string) VersionVector {
	out := make(VersionVector, len(v)+1)
	for p, c := range v {
		out[p] = c
	}
	out[principalID]++
	return out
}

// Clone returns a deep copy of v.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for p, c := range v {
		out[p] = c
	}
	return out
}
