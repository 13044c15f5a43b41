package checksum

import (
	"testing"

	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

func TestMapKeyOrderDoesNotAffectChecksum(t *testing.T) {
	a := value.NewMap()
	a.Set("x", value.Int(1))
	a.Set("y", value.Int(2))

	b := value.NewMap()
	b.Set("y", value.Int(2))
	b.Set("x", value.Int(1))

	if Of(value.FromMap(a)) != Of(value.FromMap(b)) {
		t.Fatalf("checksum depends on map insertion order")
	}
}

func TestSetElementOrderDoesNotAffectChecksum(t *testing.T) {
	a := value.NewSet()
	a.Add(value.String("p"))
	a.Add(value.String("q"))

	b := value.NewSet()
	b.Add(value.String("q"))
	b.Add(value.String("p"))

	if Of(value.FromSet(a)) != Of(value.FromSet(b)) {
		t.Fatalf("checksum depends on set insertion order")
	}
}

func TestSeqOrderMatters(t *testing.T) {
	a := value.Seq(value.Int(1), value.Int(2))
	b := value.Seq(value.Int(2), value.Int(1))
	if Of(a) == Of(b) {
		t.Fatalf("sequence order must affect the checksum")
	}
}

func TestDistinctValuesDistinctChecksums(t *testing.T) {
	cases := []value.Value{
		value.Null(),
		value.Bool(false),
		value.Int(0),
		value.Float(0),
		value.String(""),
		value.Seq(),
		value.FromMap(value.NewMap()),
		value.FromSet(value.NewSet()),
	}
	seen := map[string]int{}
	for i, v := range cases {
		sum := Of(v)
		if prev, dup := seen[sum]; dup {
			t.Fatalf("cases %d and %d collided: %s", prev, i, sum)
		}
		seen[sum] = i
	}
}

func TestStringEncodingUnambiguous(t *testing.T) {
	// "ab"+"c" vs "a"+"bc" as adjacent map values must not collide; the
	// length-prefixed string encoding keeps the boundary explicit.
	a := value.NewMap()
	a.Set("k1", value.String("ab"))
	a.Set("k2", value.String("c"))

	b := value.NewMap()
	b.Set("k1", value.String("a"))
	b.Set("k2", value.String("bc"))

	if Of(value.FromMap(a)) == Of(value.FromMap(b)) {
		t.Fatalf("string boundaries are ambiguous in the canonical encoding")
	}
}
