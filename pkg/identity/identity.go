// Package identity manages identity documents and KYC profiles.
// Documents flow through the generic verification registry; approving
// one recomputes the owner's profile, whose verification level is the
// maximum level across approved documents per a closed lookup table.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tessera-Labs/credstate/pkg/canonical"
	"github.com/Tessera-Labs/credstate/pkg/config"
	"github.com/Tessera-Labs/credstate/pkg/registry"
	"github.com/Tessera-Labs/credstate/pkg/state"
)

var (
	// ErrInvalidDocumentType rejects types outside the closed set.
	ErrInvalidDocumentType = errors.New("identity: invalid document type")
	// ErrInvalidDocument rejects documents missing a number or hash.
	ErrInvalidDocument = errors.New("identity: invalid document")
	// ErrProfileNotFound indicates the principal has no profile yet.
	ErrProfileNotFound = errors.New("identity: profile not found")
)

// DocumentType is a supported identity document type.
type DocumentType string

const (
	DocumentCPF              DocumentType = "cpf"
	DocumentCNH              DocumentType = "cnh"
	DocumentRG               DocumentType = "rg"
	DocumentPassport         DocumentType = "passport"
	DocumentBirthCertificate DocumentType = "birth_certificate"
	DocumentAddressProof     DocumentType = "address_proof"
	DocumentIncomeProof      DocumentType = "income_proof"
)

// verificationLevels maps each document type to the profile level an
// approved document of that type contributes.
var verificationLevels = map[DocumentType]uint8{
	DocumentCPF:              1,
	DocumentRG:               1,
	DocumentAddressProof:     1,
	DocumentCNH:              2,
	DocumentBirthCertificate: 2,
	DocumentIncomeProof:      2,
	DocumentPassport:         3,
}

// VerificationLevel returns the level contributed by a document type,
// or an error for unknown types.
func VerificationLevel(dt DocumentType) (uint8, error) {
	level, ok := verificationLevels[dt]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDocumentType, dt)
	}
	return level, nil
}

// Document is the registry payload for an identity document.
type Document struct {
	Type     DocumentType `json:"document_type"`
	Number   string       `json:"document_number"`
	Hash     string       `json:"document_hash"`
	Metadata string       `json:"metadata,omitempty"`
}

// KYCStatus is the profile-level verification outcome.
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
)

// Profile aggregates a principal's approved documents.
type Profile struct {
	Principal         string    `json:"principal"`
	VerificationLevel uint8     `json:"verification_level"`
	Documents         []uint64  `json:"documents"`
	KYCStatus         KYCStatus `json:"kyc_status"`
	CreatedTick       uint64    `json:"created_tick"`
	UpdatedTick       uint64    `json:"updated_tick"`
}

// Service is the identity document and profile manager.
type Service struct {
	store  state.Store
	reg    *registry.Registry
	params *config.Params
}

// NewService wires the identity service to the document registry.
func NewService(store state.Store, reg *registry.Registry, params *config.Params) *Service {
	return &Service{store: store, reg: reg, params: params}
}

// Registry exposes the underlying document registry for the tick sweep.
func (s *Service) Registry() *registry.Registry { return s.reg }

func profileKey(principal string) string {
	return "identity/profile/" + principal
}

// SubmitDocument validates and enqueues a document for verification.
func (s *Service) SubmitDocument(ctx context.Context, b *state.Batch, owner string, doc Document, tick uint64) (*registry.Item, error) {
	if _, err := VerificationLevel(doc.Type); err != nil {
		return nil, err
	}
	if doc.Number == "" {
		return nil, fmt.Errorf("%w: empty document number", ErrInvalidDocument)
	}
	if doc.Hash == "" {
		return nil, fmt.Errorf("%w: empty document hash", ErrInvalidDocument)
	}
	doc.Number = canonical.NormalizeString(doc.Number)
	return s.reg.Submit(ctx, b, owner, doc, tick)
}

// VerifyDocument approves a pending document and recomputes the
// owner's profile in the same command.
func (s *Service) VerifyDocument(ctx context.Context, b *state.Batch, id uint64, verifier string, tick uint64) (*registry.Item, *Profile, bool, error) {
	item, err := s.reg.Resolve(ctx, b, id, verifier, registry.OutcomeApprove, "", tick)
	if err != nil {
		return nil, nil, false, err
	}
	profile, changed, err := s.RecomputeProfile(ctx, b, item.Owner, tick, item)
	if err != nil {
		return nil, nil, false, err
	}
	return item, profile, changed, nil
}

// RejectDocument rejects a pending document with a reason.
func (s *Service) RejectDocument(ctx context.Context, b *state.Batch, id uint64, verifier, reason string, tick uint64) (*registry.Item, error) {
	return s.reg.Resolve(ctx, b, id, verifier, registry.OutcomeReject, reason, tick)
}

// RecomputeProfile rebuilds the principal's profile from their
// documents. Overrides carry items resolved earlier in the same command
// whose new status is staged but not yet applied; they shadow the
// stored copy during the scan. Returns the profile and whether the KYC
// status changed.
func (s *Service) RecomputeProfile(ctx context.Context, b *state.Batch, principal string, tick uint64, overrides ...*registry.Item) (*Profile, bool, error) {
	shadow := make(map[uint64]*registry.Item, len(overrides))
	for _, o := range overrides {
		shadow[o.ID] = o
	}

	var docIDs []uint64
	var level uint8
	err := s.reg.OwnerItems(ctx, principal, func(item registry.Item) error {
		if o, ok := shadow[item.ID]; ok {
			item = *o
		}
		docIDs = append(docIDs, item.ID)
		if item.Status != registry.StatusApproved {
			return nil
		}
		var doc Document
		if err := json.Unmarshal(item.Payload, &doc); err != nil {
			return fmt.Errorf("identity: decode document %d: %w", item.ID, err)
		}
		l, err := VerificationLevel(doc.Type)
		if err != nil {
			return err
		}
		if l > level {
			level = l
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	status := KYCPending
	if level >= s.params.RequiredVerificationLevel {
		status = KYCVerified
	}

	prevStatus := KYCPending
	created := tick
	if prev, err := s.Profile(ctx, principal); err == nil {
		prevStatus = prev.KYCStatus
		created = prev.CreatedTick
	} else if !errors.Is(err, ErrProfileNotFound) {
		return nil, false, err
	}

	profile := &Profile{
		Principal:         principal,
		VerificationLevel: level,
		Documents:         docIDs,
		KYCStatus:         status,
		CreatedTick:       created,
		UpdatedTick:       tick,
	}
	raw, err := canonical.Marshal(profile)
	if err != nil {
		return nil, false, fmt.Errorf("identity: encode profile: %w", err)
	}
	b.Set(profileKey(principal), raw)
	return profile, status != prevStatus, nil
}

// Profile loads the principal's stored profile.
func (s *Service) Profile(ctx context.Context, principal string) (*Profile, error) {
	raw, err := s.store.Get(ctx, profileKey(principal))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, principal)
	}
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("identity: decode profile: %w", err)
	}
	return &p, nil
}
