// Package payments tracks payment records through their settlement
// lifecycle. The verification step (pending, verified-or-rejected,
// timeout expiry) rides the generic verification registry; the
// settlement states beyond it (completed, failed, disputed) live on the
// payment record itself.
//
// Allowed transitions:
//
//	Pending  -> Verified | Failed | Expired
//	Verified -> Completed | Failed | Disputed
//	Completed -> Disputed
//	Disputed -> Completed (dispute resolution)
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tessera-Labs/credstate/pkg/canonical"
	"github.com/Tessera-Labs/credstate/pkg/config"
	"github.com/Tessera-Labs/credstate/pkg/registry"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

var (
	// ErrPaymentNotFound indicates no payment exists with the given id.
	ErrPaymentNotFound = errors.New("payments: not found")
	// ErrInvalidAmount rejects amounts outside the configured bounds.
	ErrInvalidAmount = errors.New("payments: invalid amount")
	// ErrInvalidPayment rejects records missing a payee or currency.
	ErrInvalidPayment = errors.New("payments: invalid payment")
	// ErrInvalidStatus rejects a transition the current status does not
	// allow.
	ErrInvalidStatus = errors.New("payments: invalid status transition")
	// ErrNotParty rejects a dispute raised by anyone but payer or payee.
	ErrNotParty = errors.New("payments: disputer is not a payment party")
)

// Status is the settlement state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDisputed  Status = "disputed"
	StatusExpired   Status = "expired"
)

// Payment is one payment record. ID doubles as the id of the
// verification registry item created alongside it.
type Payment struct {
	ID              uint64  `json:"id"`
	Payer           string  `json:"payer"`
	Payee           string  `json:"payee"`
	Amount          uint64  `json:"amount"`
	Currency        string  `json:"currency"`
	Description     string  `json:"description,omitempty"`
	Status          Status  `json:"status"`
	CreatedTick     uint64  `json:"created_tick"`
	VerifiedTick    *uint64 `json:"verified_tick,omitempty"`
	CompletedTick   *uint64 `json:"completed_tick,omitempty"`
	TransactionHash string  `json:"transaction_hash,omitempty"`
	Metadata        string  `json:"metadata,omitempty"`
}

// queuePayload is the registry payload for a payment's verification
// item.
type queuePayload struct {
	Payer  string `json:"payer"`
	Payee  string `json:"payee"`
	Amount uint64 `json:"amount"`
}

// Service manages payment records.
type Service struct {
	store  state.Store
	reg    *registry.Registry
	params *config.Params
	stats  *stats.Accumulator
}

// NewService wires the payments service to the payment registry.
func NewService(store state.Store, reg *registry.Registry, params *config.Params, acc *stats.Accumulator) *Service {
	return &Service{store: store, reg: reg, params: params, stats: acc}
}

// Registry exposes the underlying payment registry for the tick sweep.
func (s *Service) Registry() *registry.Registry { return s.reg }

func paymentKey(id uint64) string {
	return fmt.Sprintf("payments/record/%020d", id)
}

// Create validates and records a new pending payment from payer.
func (s *Service) Create(ctx context.Context, b *state.Batch, payer, payee string, amount uint64, currency, description, metadata string, tick uint64) (*Payment, error) {
	if amount < s.params.MinPaymentAmount || amount > s.params.MaxPaymentAmount {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidAmount, amount, s.params.MinPaymentAmount, s.params.MaxPaymentAmount)
	}
	if payee == "" {
		return nil, fmt.Errorf("%w: empty payee", ErrInvalidPayment)
	}
	if currency == "" {
		return nil, fmt.Errorf("%w: empty currency", ErrInvalidPayment)
	}

	item, err := s.reg.Submit(ctx, b, payer, queuePayload{Payer: payer, Payee: payee, Amount: amount}, tick)
	if err != nil {
		return nil, err
	}

	p := &Payment{
		ID:          item.ID,
		Payer:       payer,
		Payee:       payee,
		Amount:      amount,
		Currency:    canonical.NormalizeString(currency),
		Description: description,
		Status:      StatusPending,
		CreatedTick: tick,
		Metadata:    metadata,
	}
	if err := s.stage(b, p); err != nil {
		return nil, err
	}
	if _, err := s.stats.Bump(ctx, b, stats.DomainPayments, map[string]uint64{
		stats.CounterCreated: 1,
		stats.CounterVolume:  amount,
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// Verify attaches a transaction proof and moves a pending payment to
// Verified.
func (s *Service) Verify(ctx context.Context, b *state.Batch, id uint64, verifier, proof string, tick uint64) (*Payment, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: payment %d is %s", ErrInvalidStatus, id, p.Status)
	}
	if _, err := s.reg.Resolve(ctx, b, id, verifier, registry.OutcomeApprove, proof, tick); err != nil {
		return nil, err
	}

	p.Status = StatusVerified
	p.VerifiedTick = &tick
	p.TransactionHash = proof
	if err := s.stage(b, p); err != nil {
		return nil, err
	}
	if _, err := s.stats.Bump(ctx, b, stats.DomainPayments, map[string]uint64{stats.CounterVerified: 1}); err != nil {
		return nil, err
	}
	return p, nil
}

// Complete settles a verified payment.
func (s *Service) Complete(ctx context.Context, b *state.Batch, id uint64, tick uint64) (*Payment, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusVerified {
		return nil, fmt.Errorf("%w: payment %d is %s", ErrInvalidStatus, id, p.Status)
	}
	p.Status = StatusCompleted
	p.CompletedTick = &tick
	if err := s.stage(b, p); err != nil {
		return nil, err
	}
	if _, err := s.stats.Bump(ctx, b, stats.DomainPayments, map[string]uint64{stats.CounterCompleted: 1}); err != nil {
		return nil, err
	}
	return p, nil
}

// Fail marks a pending or verified payment as failed.
func (s *Service) Fail(ctx context.Context, b *state.Batch, id uint64, resolver, reason string, tick uint64) (*Payment, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusPending:
		// Dequeue the verification item alongside.
		if _, err := s.reg.Resolve(ctx, b, id, resolver, registry.OutcomeReject, reason, tick); err != nil {
			return nil, err
		}
	case StatusVerified:
	default:
		return nil, fmt.Errorf("%w: payment %d is %s", ErrInvalidStatus, id, p.Status)
	}
	p.Status = StatusFailed
	if err := s.stage(b, p); err != nil {
		return nil, err
	}
	if _, err := s.stats.Bump(ctx, b, stats.DomainPayments, map[string]uint64{stats.CounterFailed: 1}); err != nil {
		return nil, err
	}
	return p, nil
}

// Dispute lets the payer or payee contest a verified or completed
// payment.
func (s *Service) Dispute(ctx context.Context, b *state.Batch, id uint64, disputer, reason string, tick uint64) (*Payment, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if disputer != p.Payer && disputer != p.Payee {
		return nil, fmt.Errorf("%w: %s on payment %d", ErrNotParty, disputer, id)
	}
	if p.Status != StatusVerified && p.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: payment %d is %s", ErrInvalidStatus, id, p.Status)
	}
	p.Status = StatusDisputed
	if err := s.stage(b, p); err != nil {
		return nil, err
	}
	if _, err := s.stats.Bump(ctx, b, stats.DomainPayments, map[string]uint64{stats.CounterDisputed: 1}); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveDispute settles a disputed payment as completed.
func (s *Service) ResolveDispute(ctx context.Context, b *state.Batch, id uint64, resolution string, tick uint64) (*Payment, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: payment %d is %s", ErrInvalidStatus, id, p.Status)
	}
	p.Status = StatusCompleted
	p.CompletedTick = &tick
	if err := s.stage(b, p); err != nil {
		return nil, err
	}
	if _, err := s.stats.Bump(ctx, b, stats.DomainPayments, map[string]uint64{stats.CounterResolved: 1}); err != nil {
		return nil, err
	}
	return p, nil
}

// Sweep expires pending payments whose verification window elapsed and
// returns the affected records.
func (s *Service) Sweep(ctx context.Context, b *state.Batch, currentTick uint64) ([]Payment, error) {
	items, err := s.reg.Sweep(ctx, b, currentTick)
	if err != nil {
		return nil, err
	}
	expired := make([]Payment, 0, len(items))
	for _, item := range items {
		p, err := s.Get(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if p.Status != StatusPending {
			continue
		}
		p.Status = StatusExpired
		if err := s.stage(b, p); err != nil {
			return nil, err
		}
		expired = append(expired, *p)
	}
	return expired, nil
}

// Get loads a payment by id.
func (s *Service) Get(ctx context.Context, id uint64) (*Payment, error) {
	raw, err := s.store.Get(ctx, paymentKey(id))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPaymentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("payments: decode %d: %w", id, err)
	}
	return &p, nil
}

func (s *Service) stage(b *state.Batch, p *Payment) error {
	raw, err := canonical.Marshal(p)
	if err != nil {
		return fmt.Errorf("payments: encode %d: %w", p.ID, err)
	}
	b.Set(paymentKey(p.ID), raw)
	return nil
}
