package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionVector_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b VersionVector
		want Ordering
	}{
		{"both empty", VersionVector{}, VersionVector{}, Equal},
		{"identical", VersionVector{"p1": 2, "p2": 1}, VersionVector{"p1": 2, "p2": 1}, Equal},
		{"dominates", VersionVector{"p1": 3, "p2": 1}, VersionVector{"p1": 2, "p2": 1}, Dominates},
		{"dominated", VersionVector{"p1": 1}, VersionVector{"p1": 1, "p2": 1}, Dominated},
		{"concurrent", VersionVector{"p1": 2, "p2": 1}, VersionVector{"p1": 1, "p2": 2}, Concurrent},
		{"missing component treated as zero", VersionVector{"p1": 1}, VersionVector{"p1": 1, "p2": 0}, Equal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestVersionVector_Merge(t *testing.T) {
	a := VersionVector{"p1": 2, "p2": 1}
	b := VersionVector{"p1": 1, "p3": 4}

	got := a.Merge(b)
	assert.Equal(t, VersionVector{"p1": 2, "p2": 1, "p3": 4}, got)

	// Inputs untouched.
	assert.Equal(t, VersionVector{"p1": 2, "p2": 1}, a)
	assert.Equal(t, VersionVector{"p1": 1, "p3": 4}, b)
}

func TestVersionVector_Increment(t *testing.T) {
	a := VersionVector{"p1": 2}
	got := a.Increment("p1")
	assert.Equal(t, int64(3), got["p1"])
	assert.Equal(t, int64(2), a["p1"])

	got = a.Increment("p9")
	assert.Equal(t, int64(1), got["p9"])
}

func TestFieldStamp_After_TieBreak(t *testing.T) {
	at := FieldStamp{PrincipalID: "device-a"}
	bt := FieldStamp{PrincipalID: "device-b"}

	// Identical timestamps: the lexicographically larger principal wins on
	// every replica.
	assert.True(t, bt.After(at))
	assert.False(t, at.After(bt))
}
