package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"inkwright/internal/logging"
)

// EntityFact is one established continuity fact with its provenance.
type EntityFact struct {
	Entity     string    `json:"entity"`
	Attribute  string    `json:"attribute"`
	Value      string    `json:"value"`
	SourceUnit int       `json:"source_unit"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Claim is one assertion extracted from a draft.
type Claim struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
	Quote     string `json:"quote,omitempty"`
}

// Inconsistency is a contradiction between the ledger and a draft claim.
type Inconsistency struct {
	UnitID    int    `json:"unit_id"`
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
	Known     string `json:"known"`
	Claimed   string `json:"claimed"`
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s.%s: established %q, draft claims %q",
		i.Entity, i.Attribute, i.Known, i.Claimed)
}

// Filter narrows a continuity query. Empty fields match everything.
type Filter struct {
	Entity    string
	Attribute string
}

// Extractor pulls structured claims out of draft prose. The production
// implementation is LLM-backed; tests supply a stub.
type Extractor interface {
	ExtractClaims(ctx context.Context, draft string) ([]Claim, error)
}

// FactPersister stores continuity facts durably.
type FactPersister interface {
	SaveFact(f EntityFact) error
	LoadFacts() ([]EntityFact, error)
}

// ContinuityStore is the knowledge side of the project ledger. The map
// is the source of truth; the kernel is rebuilt from it on every change
// so derived predicates stay current.
type ContinuityStore struct {
	mu        sync.RWMutex
	facts     map[string]EntityFact // key: entity + "\x00" + attribute
	kernel    *Kernel
	extractor Extractor
	persister FactPersister
}

// NewContinuityStore creates a store. persister may be nil for
// in-memory operation.
func NewContinuityStore(extractor Extractor, persister FactPersister) *ContinuityStore {
	return &ContinuityStore{
		facts:     make(map[string]EntityFact),
		kernel:    NewKernel(),
		extractor: extractor,
		persister: persister,
	}
}

func factKey(entity, attribute string) string {
	return entity + "\x00" + attribute
}

// Load restores persisted facts and primes the kernel.
func (s *ContinuityStore) Load() error {
	if s.persister == nil {
		return s.rebuildKernel()
	}
	persisted, err := s.persister.LoadFacts()
	if err != nil {
		return fmt.Errorf("load continuity facts: %w", err)
	}
	s.mu.Lock()
	for _, f := range persisted {
		s.facts[factKey(f.Entity, f.Attribute)] = f
	}
	s.mu.Unlock()
	logging.Knowledge("loaded %d continuity facts", len(persisted))
	return s.rebuildKernel()
}

// Upsert records or overwrites a continuity fact. Last writer wins:
// later units legitimately change world state.
func (s *ContinuityStore) Upsert(ctx context.Context, f EntityFact) error {
	if f.Entity == "" || f.Attribute == "" {
		return fmt.Errorf("continuity fact requires entity and attribute")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.UpdatedAt = time.Now()

	s.mu.Lock()
	s.facts[factKey(f.Entity, f.Attribute)] = f
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveFact(f); err != nil {
			return fmt.Errorf("persist continuity fact: %w", err)
		}
	}
	logging.KnowledgeDebug("upsert %s.%s = %q (unit %d)", f.Entity, f.Attribute, f.Value, f.SourceUnit)
	return s.rebuildKernel()
}

// Query returns established facts matching the filter, ordered by
// entity then attribute.
func (s *ContinuityStore) Query(ctx context.Context, filter Filter) ([]EntityFact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EntityFact
	for _, f := range s.facts {
		if filter.Entity != "" && f.Entity != filter.Entity {
			continue
		}
		if filter.Attribute != "" && f.Attribute != filter.Attribute {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Attribute < out[j].Attribute
	})
	return out, nil
}

// CheckConsistency extracts claims from the draft and reports every
// contradiction against established facts. The check runs in a scratch
// kernel so in-flight claims never leak into the ledger.
func (s *ContinuityStore) CheckConsistency(ctx context.Context, unitID int, draft string) ([]Inconsistency, error) {
	if s.extractor == nil {
		return nil, nil
	}
	claims, err := s.extractor.ExtractClaims(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	return s.CheckClaims(ctx, unitID, claims)
}

// CheckClaims evaluates pre-extracted claims against the ledger.
func (s *ContinuityStore) CheckClaims(ctx context.Context, unitID int, claims []Claim) ([]Inconsistency, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, nil
	}

	scratch := NewKernel()
	edb := s.kernelFacts()
	for _, c := range claims {
		edb = append(edb, Fact{
			Predicate: "draft_claim",
			Args:      []interface{}{c.Entity, c.Attribute, c.Value},
		})
	}
	if err := scratch.ReplaceFacts(edb); err != nil {
		return nil, fmt.Errorf("evaluate claims: %w", err)
	}

	derived, err := scratch.Query("continuity_conflict")
	if err != nil {
		return nil, err
	}

	var out []Inconsistency
	for _, f := range derived {
		if len(f.Args) != 4 {
			continue
		}
		out = append(out, Inconsistency{
			UnitID:    unitID,
			Entity:    argString(f.Args[0]),
			Attribute: argString(f.Args[1]),
			Known:     argString(f.Args[2]),
			Claimed:   argString(f.Args[3]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Attribute < out[j].Attribute
	})
	if len(out) > 0 {
		logging.Knowledge("unit %d: %d continuity conflicts", unitID, len(out))
	}
	return out, nil
}

// FactCount returns the number of established facts.
func (s *ContinuityStore) FactCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// kernelFacts renders the fact map as kernel EDB facts.
func (s *ContinuityStore) kernelFacts() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, Fact{
			Predicate: "continuity_fact",
			Args:      []interface{}{f.Entity, f.Attribute, f.Value},
		})
	}
	return out
}

func (s *ContinuityStore) rebuildKernel() error {
	return s.kernel.ReplaceFacts(s.kernelFacts())
}
