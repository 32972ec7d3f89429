// Package score implements the weighted-factor credit score engine.
// Scoring is integer-only so every replica derives bit-identical
// results, and each stored record carries a content-addressed integrity
// hash binding the score to the factors that produced it.
package score

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tessera-Labs/credstate/pkg/audit"
	"github.com/Tessera-Labs/credstate/pkg/canonical"
	"github.com/Tessera-Labs/credstate/pkg/config"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

var (
	// ErrInvalidFactor rejects an empty factor list or a factor with a
	// zero value or an out-of-range weight.
	ErrInvalidFactor = errors.New("score: invalid factor")
	// ErrTooManyFactors rejects factor lists above the configured cap.
	ErrTooManyFactors = errors.New("score: too many factors")
	// ErrScoreOutOfRange rejects a computed score outside the chain's
	// configured bounds.
	ErrScoreOutOfRange = errors.New("score: out of range")
	// ErrScoreNotFound indicates the principal has no score record.
	ErrScoreNotFound = errors.New("score: record not found")
)

// FactorType tags the origin of a score factor. The set is closed.
type FactorType string

const (
	FactorPaymentHistory    FactorType = "payment_history"
	FactorCreditUtilization FactorType = "credit_utilization"
	FactorCreditAge         FactorType = "credit_age"
	FactorCreditMix         FactorType = "credit_mix"
	FactorNewCredit         FactorType = "new_credit"
	FactorIncomeStability   FactorType = "income_stability"
	FactorEmploymentHistory FactorType = "employment_history"
	FactorDebtToIncome      FactorType = "debt_to_income"
)

// Factor is one weighted input into the score computation.
type Factor struct {
	Type   FactorType `json:"factor_type"`
	Value  uint32     `json:"value"`
	Weight uint32     `json:"weight"`
}

// Record is the live score record for a principal. Replacing it does
// not version it; history lives in the audit trail.
type Record struct {
	Principal         string   `json:"principal"`
	Score             uint32   `json:"score"`
	Factors           []Factor `json:"factors"`
	Tick              uint64   `json:"tick"`
	IntegrityHash     string   `json:"integrity_hash"`
	IsVerified        bool     `json:"is_verified"`
	VerificationCount uint32   `json:"verification_count"`
}

// UpdateReason records why a score changed.
type UpdateReason string

const (
	ReasonInitialCalculation UpdateReason = "initial_calculation"
	ReasonUserUpdate         UpdateReason = "user_update"
	ReasonSystemUpdate       UpdateReason = "system_update"
	ReasonVerificationUpdate UpdateReason = "verification_update"
	ReasonComplianceUpdate   UpdateReason = "compliance_update"
)

// ChangeEvent is the audited record of one score change.
type ChangeEvent struct {
	Principal string       `json:"principal"`
	OldScore  *uint32      `json:"old_score,omitempty"`
	NewScore  uint32       `json:"new_score"`
	Factors   []Factor     `json:"factors"`
	Tick      uint64       `json:"tick"`
	Reason    UpdateReason `json:"reason"`
}

// storedFactor is the latest standalone value per (principal, type),
// written by AddFactor without touching the score record.
type storedFactor struct {
	Factor Factor `json:"factor"`
	Tick   uint64 `json:"tick"`
}

// Engine computes, stores and verifies score records.
type Engine struct {
	store  state.Store
	params *config.Params
	trail  *audit.Trail
	stats  *stats.Accumulator
}

// NewEngine wires the engine to the shared state store.
func NewEngine(store state.Store, params *config.Params, trail *audit.Trail, acc *stats.Accumulator) *Engine {
	return &Engine{store: store, params: params, trail: trail, stats: acc}
}

func recordKey(principal string) string {
	return "score/record/" + principal
}

func factorKey(principal string, ft FactorType) string {
	return "score/factor/" + principal + "/" + string(ft)
}

// ComputeScore derives the score from a validated factor set using
// integer arithmetic only:
//
//	score = min(1000, Σ(value·weight) · 1000 / (Σweight · 100))
//
// Division is floor division; intermediates are uint64 so the largest
// legal factor set cannot overflow.
func (e *Engine) ComputeScore(factors []Factor) (uint32, error) {
	if err := e.validateFactors(factors); err != nil {
		return 0, err
	}
	var weightedSum, weightSum uint64
	for _, f := range factors {
		weightedSum += uint64(f.Value) * uint64(f.Weight)
		weightSum += uint64(f.Weight)
	}
	score := weightedSum * 1000 / (weightSum * 100)
	if score > 1000 {
		score = 1000
	}
	return uint32(score), nil
}

// IntegrityHash binds a principal, factor set and score into a
// reproducible content-addressed digest.
func (e *Engine) IntegrityHash(principal string, factors []Factor, score uint32) (string, error) {
	return canonical.Hash(struct {
		Principal string   `json:"principal"`
		Score     uint32   `json:"score"`
		Factors   []Factor `json:"factors"`
	}{canonical.NormalizeString(principal), score, factors})
}

// Apply validates the factors, computes the score, replaces the
// principal's record and appends the change to the audit trail. All
// writes go into the caller's batch.
func (e *Engine) Apply(ctx context.Context, b *state.Batch, principal string, factors []Factor, reason UpdateReason, tick uint64) (*ChangeEvent, error) {
	computed, err := e.ComputeScore(factors)
	if err != nil {
		return nil, err
	}
	if computed < e.params.MinScore || computed > e.params.MaxScore {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrScoreOutOfRange, computed, e.params.MinScore, e.params.MaxScore)
	}

	prev, err := e.Get(ctx, principal)
	if err != nil && !errors.Is(err, ErrScoreNotFound) {
		return nil, err
	}

	hash, err := e.IntegrityHash(principal, factors, computed)
	if err != nil {
		return nil, err
	}

	rec := Record{
		Principal:     principal,
		Score:         computed,
		Factors:       factors,
		Tick:          tick,
		IntegrityHash: hash,
	}
	raw, err := canonical.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("score: encode record: %w", err)
	}
	b.Set(recordKey(principal), raw)

	change := &ChangeEvent{
		Principal: principal,
		NewScore:  computed,
		Factors:   factors,
		Tick:      tick,
		Reason:    reason,
	}
	if prev != nil {
		old := prev.Score
		change.OldScore = &old
	}
	if _, err := e.trail.Append(ctx, b, principal, tick, change); err != nil {
		return nil, err
	}
	if _, err := e.stats.Bump(ctx, b, stats.DomainScore, map[string]uint64{stats.CounterCalculated: 1}); err != nil {
		return nil, err
	}
	return change, nil
}

// Verify marks the principal's record as verified by verifier and
// returns a fresh verification hash over (principal, score, verifier,
// tick).
func (e *Engine) Verify(ctx context.Context, b *state.Batch, principal, verifier string, tick uint64) (string, error) {
	rec, err := e.Get(ctx, principal)
	if err != nil {
		return "", err
	}
	rec.IsVerified = true
	rec.VerificationCount++

	raw, err := canonical.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("score: encode record: %w", err)
	}
	b.Set(recordKey(principal), raw)

	vh, err := canonical.Hash(struct {
		Principal string `json:"principal"`
		Score     uint32 `json:"score"`
		Verifier  string `json:"verifier"`
		Tick      uint64 `json:"tick"`
	}{canonical.NormalizeString(principal), rec.Score, canonical.NormalizeString(verifier), tick})
	if err != nil {
		return "", err
	}
	if _, err := e.stats.Bump(ctx, b, stats.DomainScore, map[string]uint64{stats.CounterVerified: 1}); err != nil {
		return "", err
	}
	return vh, nil
}

// AddFactor stores the latest standalone value for one factor type
// without recomputing the score.
func (e *Engine) AddFactor(ctx context.Context, b *state.Batch, principal string, f Factor, tick uint64) error {
	if err := validateFactor(f); err != nil {
		return err
	}
	raw, err := canonical.Marshal(storedFactor{Factor: f, Tick: tick})
	if err != nil {
		return fmt.Errorf("score: encode factor: %w", err)
	}
	b.Set(factorKey(principal, f.Type), raw)
	return nil
}

// Get loads the principal's current score record.
func (e *Engine) Get(ctx context.Context, principal string) (*Record, error) {
	raw, err := e.store.Get(ctx, recordKey(principal))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrScoreNotFound, principal)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("score: decode record: %w", err)
	}
	return &rec, nil
}

// Factor loads the latest standalone factor value for a type.
func (e *Engine) Factor(ctx context.Context, principal string, ft FactorType) (*Factor, uint64, error) {
	raw, err := e.store.Get(ctx, factorKey(principal, ft))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("%w: factor %s for %s", ErrScoreNotFound, ft, principal)
	}
	if err != nil {
		return nil, 0, err
	}
	var sf storedFactor
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, 0, fmt.Errorf("score: decode factor: %w", err)
	}
	return &sf.Factor, sf.Tick, nil
}

func (e *Engine) validateFactors(factors []Factor) error {
	if len(factors) == 0 {
		return fmt.Errorf("%w: empty factor list", ErrInvalidFactor)
	}
	if len(factors) > e.params.MaxScoreFactors {
		return fmt.Errorf("%w: %d factors, cap %d", ErrTooManyFactors, len(factors), e.params.MaxScoreFactors)
	}
	for _, f := range factors {
		if err := validateFactor(f); err != nil {
			return err
		}
	}
	return nil
}

func validateFactor(f Factor) error {
	if f.Value == 0 {
		return fmt.Errorf("%w: %s value must be positive", ErrInvalidFactor, f.Type)
	}
	if f.Weight < 1 || f.Weight > 100 {
		return fmt.Errorf("%w: %s weight %d not in [1,100]", ErrInvalidFactor, f.Type, f.Weight)
	}
	return nil
}
