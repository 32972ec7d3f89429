package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params is the consensus-critical parameter set. All replicas of one
// chain must agree on these values; changing any of them is a chain
// upgrade, not a host restart.
type Params struct {
	MinScore        uint32 `yaml:"min_score" json:"min_score"`
	MaxScore        uint32 `yaml:"max_score" json:"max_score"`
	MaxScoreFactors int    `yaml:"max_score_factors" json:"max_score_factors"`

	MaxDocumentsPerOwner int    `yaml:"max_documents_per_owner" json:"max_documents_per_owner"`
	DocumentTimeout      uint64 `yaml:"document_timeout_ticks" json:"document_timeout_ticks"`
	// RequiredVerificationLevel is the minimum aggregate document level
	// for a profile to count as KYC-verified.
	RequiredVerificationLevel uint8 `yaml:"required_verification_level" json:"required_verification_level"`

	MaxPaymentsPerOwner int    `yaml:"max_payments_per_owner" json:"max_payments_per_owner"`
	PaymentTimeout      uint64 `yaml:"payment_timeout_ticks" json:"payment_timeout_ticks"`
	MinPaymentAmount    uint64 `yaml:"min_payment_amount" json:"min_payment_amount"`
	MaxPaymentAmount    uint64 `yaml:"max_payment_amount" json:"max_payment_amount"`

	MaxDataSources int `yaml:"max_data_sources" json:"max_data_sources"`

	// TrustedOrigins is the allow-list of cross-ledger origin
	// identifiers accepted by the bridge.
	TrustedOrigins []string `yaml:"trusted_origins" json:"trusted_origins"`
}

// DefaultParams returns the parameter set used by a fresh development
// chain.
func DefaultParams() *Params {
	return &Params{
		MinScore:                  0,
		MaxScore:                  1000,
		MaxScoreFactors:           10,
		MaxDocumentsPerOwner:      10,
		DocumentTimeout:           100,
		RequiredVerificationLevel: 2,
		MaxPaymentsPerOwner:       100,
		PaymentTimeout:            50,
		MinPaymentAmount:          1,
		MaxPaymentAmount:          1_000_000_000,
		MaxDataSources:            10,
		TrustedOrigins:            nil,
	}
}

// LoadParams reads a YAML parameter profile. Missing file is an error;
// a chain must never silently fall back to defaults.
func LoadParams(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read params %s: %w", path, err)
	}
	p := DefaultParams()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("config: parse params %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects parameter sets that cannot produce a working chain.
func (p *Params) Validate() error {
	if p.MaxScore < p.MinScore {
		return errors.New("config: max_score below min_score")
	}
	if p.MaxScore > 1000 {
		return errors.New("config: max_score above 1000")
	}
	if p.MaxScoreFactors < 1 {
		return errors.New("config: max_score_factors must be positive")
	}
	if p.MaxDocumentsPerOwner < 1 || p.MaxPaymentsPerOwner < 1 {
		return errors.New("config: per-owner caps must be positive")
	}
	if p.DocumentTimeout == 0 || p.PaymentTimeout == 0 {
		return errors.New("config: timeouts must be positive")
	}
	if p.MinPaymentAmount == 0 || p.MaxPaymentAmount < p.MinPaymentAmount {
		return errors.New("config: invalid payment amount bounds")
	}
	if p.MaxDataSources < 1 {
		return errors.New("config: max_data_sources must be positive")
	}
	return nil
}
