package vclock

import (
	"reflect"
	"testing"

	"github.com/agrimesh/agrimesh/pkg/model"
)

func TestTickStartsFromZero(t *testing.T) {
	c := New()
	if v := c.Get("alpha"); v != 0 {
		t.Fatalf("new clock: got %d, want 0", v)
	}
	if v := c.Tick("alpha"); v != 1 {
		t.Fatalf("first Tick: got %d, want 1", v)
	}
}

func TestTickMonotonicallyIncreases(t *testing.T) {
	c := New()
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		v := c.Tick("alpha")
		if v <= prev {
			t.Fatalf("Tick %d: got %d, want > %d", i, v, prev)
		}
		prev = v
	}
}

func TestTickDoesNotTouchOtherAgents(t *testing.T) {
	c := Clock{"beta": 7}
	c.Tick("alpha")
	if v := c.Get("beta"); v != 7 {
		t.Fatalf("beta after alpha's tick: got %d, want 7", v)
	}
}

func TestMergeTakesEntrywiseMax(t *testing.T) {
	a := Clock{"alpha": 3, "beta": 1}
	a.Merge(Clock{"beta": 5, "gamma": 2})
	want := Clock{"alpha": 3, "beta": 5, "gamma": 2}
	if !reflect.DeepEqual(a, want) {
		t.Fatalf("merge: got %v, want %v", a, want)
	}
}

func TestMergeCommutative(t *testing.T) {
	a := Clock{"alpha": 3, "beta": 1}
	b := Clock{"beta": 5, "gamma": 2}

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)
	if !reflect.DeepEqual(ab, ba) {
		t.Fatalf("merge not commutative: a+b=%v, b+a=%v", ab, ba)
	}
}

func TestMergeAssociative(t *testing.T) {
	a := Clock{"alpha": 1}
	b := Clock{"beta": 2}
	c := Clock{"alpha": 3, "gamma": 1}

	left := a.Clone()
	left.Merge(b)
	left.Merge(c)

	bc := b.Clone()
	bc.Merge(c)
	right := a.Clone()
	right.Merge(bc)

	if !reflect.DeepEqual(left, right) {
		t.Fatalf("merge not associative: (a+b)+c=%v, a+(b+c)=%v", left, right)
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := Clock{"alpha": 3, "beta": 1}
	b := Clock{"beta": 5}

	a.Merge(b)
	once := a.Clone()
	a.Merge(b)
	if !reflect.DeepEqual(a, once) {
		t.Fatalf("second merge changed state: got %v, want %v", a, once)
	}
}

func TestCausalMonotonicityAcrossTicksAndMerges(t *testing.T) {
	c := New()
	prev := uint64(0)
	merges := []Clock{
		{"beta": 4},
		{"alpha": 1, "beta": 9}, // stale alpha entry must not regress
		{"gamma": 2},
	}
	for i := 0; i < 30; i++ {
		c.Tick("alpha")
		c.Merge(merges[i%len(merges)])
		if v := c.Get("alpha"); v < prev {
			t.Fatalf("iteration %d: own counter regressed from %d to %d", i, prev, v)
		} else {
			prev = v
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Clock
		want Ordering
	}{
		{"both empty", Clock{}, Clock{}, Equal},
		{"identical", Clock{"alpha": 2, "beta": 1}, Clock{"alpha": 2, "beta": 1}, Equal},
		{"dominated", Clock{"alpha": 1}, Clock{"alpha": 2}, Before},
		{"dominates", Clock{"alpha": 2}, Clock{"alpha": 1}, After},
		{"subset keys before", Clock{"alpha": 1}, Clock{"alpha": 1, "beta": 1}, Before},
		{"superset keys after", Clock{"alpha": 1, "beta": 1}, Clock{"alpha": 1}, After},
		{"mixed entries", Clock{"alpha": 2, "beta": 1}, Clock{"alpha": 1, "beta": 2}, Concurrent},
		{"disjoint keys", Clock{"alpha": 1}, Clock{"beta": 1}, Concurrent},
		{"explicit zero entry ignored", Clock{"alpha": 1, "beta": 0}, Clock{"alpha": 1}, Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Fatalf("Compare(%v, %v): got %s, want %s", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareAntisymmetric(t *testing.T) {
	a := Clock{"alpha": 1}
	b := Clock{"alpha": 1, "beta": 3}
	if a.Compare(b) != Before {
		t.Fatalf("a vs b: got %s, want before", a.Compare(b))
	}
	if b.Compare(a) != After {
		t.Fatalf("b vs a: got %s, want after", b.Compare(a))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := Clock{"alpha": 1}
	b := a.Clone()
	b.Tick("alpha")
	if a.Get("alpha") != 1 {
		t.Fatalf("clone mutation leaked into original: %v", a)
	}
}

func TestDominates(t *testing.T) {
	a := Clock{"alpha": 2, "beta": 1}
	if !a.Dominates(Clock{"alpha": 1}) {
		t.Fatal("a should dominate a strict subset")
	}
	if !a.Dominates(a.Clone()) {
		t.Fatal("a should dominate its equal")
	}
	if a.Dominates(Clock{"gamma": 1}) {
		t.Fatal("a should not dominate a concurrent clock")
	}
}

func TestUnknownAgentReadsAsZero(t *testing.T) {
	c := Clock{"alpha": 5}
	if v := c.Get(model.AgentID("never-seen")); v != 0 {
		t.Fatalf("unknown agent: got %d, want 0", v)
	}
}
