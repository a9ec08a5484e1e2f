package knowledge

import (
	"testing"
)

func TestKernelDerivesConflicts(t *testing.T) {
	k := NewKernel()
	err := k.ReplaceFacts([]Fact{
		{Predicate: "continuity_fact", Args: []interface{}{"hero", "eye_color", "green"}},
		{Predicate: "continuity_fact", Args: []interface{}{"hero", "home", "lighthouse"}},
		{Predicate: "draft_claim", Args: []interface{}{"hero", "eye_color", "brown"}},
		{Predicate: "draft_claim", Args: []interface{}{"hero", "home", "lighthouse"}},
	})
	if err != nil {
		t.Fatalf("ReplaceFacts: %v", err)
	}

	conflicts, err := k.Query("continuity_conflict")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1: %v", len(conflicts), conflicts)
	}
	got := conflicts[0]
	if argString(got.Args[0]) != "hero" || argString(got.Args[1]) != "eye_color" {
		t.Errorf("conflict args = %v", got.Args)
	}
	if argString(got.Args[2]) != "green" || argString(got.Args[3]) != "brown" {
		t.Errorf("conflict values = %v", got.Args)
	}
}

func TestKernelNoConflictWhenClaimsAgree(t *testing.T) {
	k := NewKernel()
	err := k.ReplaceFacts([]Fact{
		{Predicate: "continuity_fact", Args: []interface{}{"hero", "eye_color", "green"}},
		{Predicate: "draft_claim", Args: []interface{}{"hero", "eye_color", "green"}},
	})
	if err != nil {
		t.Fatalf("ReplaceFacts: %v", err)
	}
	conflicts, err := k.Query("continuity_conflict")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("conflicts = %v, want none", conflicts)
	}
}

func TestKernelEmptyEDBEvaluates(t *testing.T) {
	k := NewKernel()
	if err := k.ReplaceFacts(nil); err != nil {
		t.Fatalf("ReplaceFacts: %v", err)
	}
	facts, err := k.Query("continuity_fact")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("facts = %v, want none", facts)
	}
}

func TestKernelAssertAndRetract(t *testing.T) {
	k := NewKernel()
	if err := k.Assert(Fact{Predicate: "unit_archived", Args: []interface{}{1}}); err != nil {
		t.Fatalf("Assert: %v", err)
	}
	if err := k.Assert(Fact{Predicate: "unit_archived", Args: []interface{}{2}}); err != nil {
		t.Fatalf("Assert: %v", err)
	}
	if k.FactCount() != 2 {
		t.Errorf("FactCount = %d, want 2", k.FactCount())
	}

	archived, err := k.Query("unit_archived")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(archived) != 2 {
		t.Errorf("unit_archived = %v", archived)
	}

	if err := k.Retract("unit_archived"); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	if k.FactCount() != 0 {
		t.Errorf("FactCount = %d after retract", k.FactCount())
	}
}

func TestKernelQueryBeforeLoad(t *testing.T) {
	k := NewKernel()
	if _, err := k.Query("continuity_fact"); err == nil {
		t.Fatal("expected error before first evaluation")
	}
}

func TestFactString(t *testing.T) {
	tests := []struct {
		fact Fact
		want string
	}{
		{
			Fact{Predicate: "continuity_fact", Args: []interface{}{"hero", "eye_color", "green"}},
			`continuity_fact("hero", "eye_color", "green").`,
		},
		{
			Fact{Predicate: "unit_status", Args: []interface{}{1, "/archived"}},
			`unit_status(1, /archived).`,
		},
		{
			Fact{Predicate: "flag", Args: []interface{}{true}},
			`flag(/true).`,
		},
	}
	for _, tt := range tests {
		if got := tt.fact.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}
