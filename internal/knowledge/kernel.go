package knowledge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// defaultSchemas declares the continuity predicates. The Decl statements
// guarantee the predicates exist even when the EDB is empty.
const defaultSchemas = `
Decl continuity_fact(Entity, Attribute, Value).
Decl draft_claim(Entity, Attribute, Value).
Decl unit_archived(Unit).
`

// defaultPolicy derives contradictions between established facts and
// claims extracted from a draft under review.
const defaultPolicy = `
continuity_conflict(Entity, Attribute, Known, Claimed) :-
  continuity_fact(Entity, Attribute, Known),
  draft_claim(Entity, Attribute, Claimed),
  Known != Claimed.
`

// Kernel wraps the google/mangle engine with EDB/IDB separation. Facts
// form the EDB; the policy rules derive conflicts at fixpoint.
type Kernel struct {
	mu          sync.RWMutex
	facts       []Fact
	store       factstore.FactStore
	programInfo *analysis.ProgramInfo
	schemas     string
	policy      string
	initialized bool
}

// NewKernel creates a kernel with the default continuity schema and policy.
func NewKernel() *Kernel {
	return &Kernel{
		facts:   make([]Fact, 0),
		store:   factstore.NewSimpleInMemoryStore(),
		schemas: defaultSchemas,
		policy:  defaultPolicy,
	}
}

// SetPolicy replaces the IDB rules. Used by tests and future rule packs.
func (k *Kernel) SetPolicy(policy string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.policy = policy
}

// LoadFacts appends facts to the EDB and re-evaluates to fixpoint.
func (k *Kernel) LoadFacts(facts []Fact) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.facts = append(k.facts, facts...)
	return k.rebuild()
}

// ReplaceFacts swaps the whole EDB and re-evaluates.
func (k *Kernel) ReplaceFacts(facts []Fact) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.facts = append([]Fact(nil), facts...)
	return k.rebuild()
}

// Assert adds a single fact and re-evaluates. Derived predicates must
// stay current, so this is a full rebuild rather than a store append.
func (k *Kernel) Assert(fact Fact) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.facts = append(k.facts, fact)
	return k.rebuild()
}

// Retract removes all facts of a predicate and re-evaluates.
func (k *Kernel) Retract(predicate string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	filtered := k.facts[:0]
	for _, f := range k.facts {
		if f.Predicate != predicate {
			filtered = append(filtered, f)
		}
	}
	k.facts = filtered
	return k.rebuild()
}

// rebuild reconstructs the program source and evaluates it to fixpoint.
func (k *Kernel) rebuild() error {
	var sb strings.Builder
	sb.WriteString(k.schemas)
	sb.WriteString("\n")
	for _, f := range k.facts {
		sb.WriteString(f.String())
		sb.WriteString("\n")
	}
	sb.WriteString(k.policy)

	parsed, err := parse.Unit(strings.NewReader(sb.String()))
	if err != nil {
		return fmt.Errorf("parse continuity program: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return fmt.Errorf("analyze continuity program: %w", err)
	}
	k.programInfo = programInfo

	k.store = factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalProgramWithStats(programInfo, k.store); err != nil {
		return fmt.Errorf("evaluate continuity program: %w", err)
	}
	k.initialized = true
	return nil
}

// Query returns all facts (base or derived) matching a predicate.
func (k *Kernel) Query(predicate string) ([]Fact, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.initialized {
		return nil, fmt.Errorf("kernel not initialized")
	}

	results := make([]Fact, 0)
	if k.programInfo == nil {
		return results, nil
	}
	for pred := range k.programInfo.Decls {
		if pred.Symbol == predicate {
			k.store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
				results = append(results, atomToFact(a))
				return nil
			})
			break
		}
	}
	return results, nil
}

// FactCount returns the number of EDB facts loaded.
func (k *Kernel) FactCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.facts)
}
