// Package bridge handles cross-ledger interchange of credit data. Each
// record kind has a serialize/validate-and-ingest pair; inbound
// envelopes pass an origin allow-list, a semver version gate and a
// per-kind JSON Schema before anything is stored.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Tessera-Labs/credstate/pkg/canonical"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

var (
	// ErrUntrustedOrigin rejects envelopes from origins outside the
	// allow-list.
	ErrUntrustedOrigin = errors.New("bridge: untrusted origin")
	// ErrUnknownKind rejects record kinds outside the closed set.
	ErrUnknownKind = errors.New("bridge: unknown record kind")
	// ErrUnsupportedVersion rejects envelope versions outside the
	// accepted range.
	ErrUnsupportedVersion = errors.New("bridge: unsupported envelope version")
	// ErrInvalidRecord rejects payloads failing kind-specific
	// structural validation.
	ErrInvalidRecord = errors.New("bridge: invalid record")
)

// EnvelopeVersion is stamped on outbound envelopes. Inbound envelopes
// are accepted for any 1.x version.
const EnvelopeVersion = "1.0.0"

// Kind names an interchange record kind.
type Kind string

const (
	KindCreditScore Kind = "credit_score"
	KindPayment     Kind = "payment"
	KindIdentity    Kind = "identity"
	KindCompliance  Kind = "compliance"
	KindFraud       Kind = "fraud"
	KindAnalytics   Kind = "analytics"
)

// Envelope wraps one interchange record on the wire.
type Envelope struct {
	Version string          `json:"version"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// CreditScoreRecord carries a score across ledgers.
type CreditScoreRecord struct {
	Principal string `json:"principal"`
	Score     uint32 `json:"score"`
}

// PaymentRecord carries a settled payment across ledgers.
type PaymentRecord struct {
	PaymentID string `json:"payment_id"`
	Principal string `json:"principal"`
	Amount    uint64 `json:"amount"`
}

// IdentityRecord carries verified identity attributes across ledgers.
type IdentityRecord struct {
	CPF            string `json:"cpf"`
	Name           string `json:"name"`
	BirthDate      string `json:"birth_date"`
	DocumentNumber string `json:"document_number"`
}

// ComplianceRecord carries a compliance attestation across ledgers.
type ComplianceRecord struct {
	Compliant       bool     `json:"is_compliant"`
	Regulations     []string `json:"regulations"`
	ComplianceScore uint32   `json:"compliance_score"`
	LastCheck       uint64   `json:"last_check"`
}

// FraudRecord carries a fraud assessment across ledgers. Risk level and
// confidence are integer percentages.
type FraudRecord struct {
	RiskLevel       uint32   `json:"risk_level"`
	Indicators      []string `json:"fraud_indicators"`
	Confidence      uint32   `json:"confidence"`
	DetectionMethod string   `json:"detection_method"`
}

// AnalyticsRecord carries aggregate metrics across ledgers.
type AnalyticsRecord struct {
	Metrics []Metric `json:"metrics"`
}

// Metric is one named analytics value. Value is scaled to an integer by
// the producer.
type Metric struct {
	Name      string `json:"name"`
	Value     int64  `json:"value"`
	Unit      string `json:"unit"`
	Timestamp uint64 `json:"timestamp"`
}

// kindSchemas holds the structural rule for each kind: scores stay
// within 1000, payment amounts are positive, document numbers are
// non-empty, compliance records assert compliance, fraud risk stays
// within 100, analytics carry at least one metric.
var kindSchemas = map[Kind]string{
	KindCreditScore: `{
		"type": "object",
		"required": ["principal", "score"],
		"properties": {
			"principal": {"type": "string", "minLength": 1},
			"score": {"type": "integer", "minimum": 0, "maximum": 1000}
		}
	}`,
	KindPayment: `{
		"type": "object",
		"required": ["payment_id", "principal", "amount"],
		"properties": {
			"payment_id": {"type": "string", "minLength": 1},
			"principal": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "minimum": 1}
		}
	}`,
	KindIdentity: `{
		"type": "object",
		"required": ["document_number"],
		"properties": {
			"cpf": {"type": "string"},
			"name": {"type": "string"},
			"birth_date": {"type": "string"},
			"document_number": {"type": "string", "minLength": 1}
		}
	}`,
	KindCompliance: `{
		"type": "object",
		"required": ["is_compliant"],
		"properties": {
			"is_compliant": {"const": true},
			"regulations": {"type": "array", "items": {"type": "string"}},
			"compliance_score": {"type": "integer", "minimum": 0},
			"last_check": {"type": "integer", "minimum": 0}
		}
	}`,
	KindFraud: `{
		"type": "object",
		"required": ["risk_level"],
		"properties": {
			"risk_level": {"type": "integer", "minimum": 0, "maximum": 100},
			"fraud_indicators": {"type": "array", "items": {"type": "string"}},
			"confidence": {"type": "integer", "minimum": 0, "maximum": 100},
			"detection_method": {"type": "string"}
		}
	}`,
	KindAnalytics: `{
		"type": "object",
		"required": ["metrics"],
		"properties": {
			"metrics": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["name", "value"],
					"properties": {
						"name": {"type": "string", "minLength": 1},
						"value": {"type": "integer"}
					}
				}
			}
		}
	}`,
}

// Bridge validates and stores interchange records.
type Bridge struct {
	store   state.Store
	origins map[string]struct{}
	schemas map[Kind]*jsonschema.Schema
	stats   *stats.Accumulator
}

// New compiles the per-kind schemas and builds a bridge trusting the
// given origins.
func New(store state.Store, trustedOrigins []string, acc *stats.Accumulator) (*Bridge, error) {
	origins := make(map[string]struct{}, len(trustedOrigins))
	for _, o := range trustedOrigins {
		origins[o] = struct{}{}
	}

	schemas := make(map[Kind]*jsonschema.Schema, len(kindSchemas))
	for kind, src := range kindSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://credstate.schemas.local/bridge/%s.schema.json", kind)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("bridge: load %s schema: %w", kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("bridge: compile %s schema: %w", kind, err)
		}
		schemas[kind] = compiled
	}

	return &Bridge{store: store, origins: origins, schemas: schemas, stats: acc}, nil
}

func inboundKey(kind Kind, origin string) string {
	return fmt.Sprintf("bridge/inbound/%s/%s", kind, origin)
}

// Serialize wraps a record in a versioned envelope using the canonical
// encoding, so two replicas serializing the same record emit identical
// bytes.
func (br *Bridge) Serialize(kind Kind, record any) ([]byte, error) {
	if _, ok := br.schemas[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	payload, err := canonical.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s record: %w", kind, err)
	}
	return canonical.Marshal(Envelope{
		Version: EnvelopeVersion,
		Kind:    kind,
		Payload: payload,
	})
}

// ValidateAndIngest checks an inbound envelope against the origin
// allow-list, version gate and kind schema, then stages the payload as
// the latest record for (kind, origin).
func (br *Bridge) ValidateAndIngest(ctx context.Context, b *state.Batch, raw []byte, originID string, tick uint64) (*Envelope, error) {
	if _, ok := br.origins[originID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUntrustedOrigin, originID)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrInvalidRecord, err)
	}

	version, err := semver.NewVersion(env.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}
	if version.Major() != 1 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, env.Version)
	}

	schema, ok := br.schemas[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	var payload any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrInvalidRecord, env.Kind, err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, env.Kind, err)
	}

	stored, err := canonical.Marshal(struct {
		Origin  string          `json:"origin"`
		Kind    Kind            `json:"kind"`
		Payload json.RawMessage `json:"payload"`
		Tick    uint64          `json:"tick"`
	}{originID, env.Kind, env.Payload, tick})
	if err != nil {
		return nil, fmt.Errorf("bridge: encode inbound record: %w", err)
	}
	b.Set(inboundKey(env.Kind, originID), stored)

	if _, err := br.stats.Bump(ctx, b, stats.DomainBridge, map[string]uint64{stats.CounterIngested: 1}); err != nil {
		return nil, err
	}
	return &env, nil
}

// Latest returns the most recent payload ingested for (kind, origin).
func (br *Bridge) Latest(ctx context.Context, kind Kind, origin string) (json.RawMessage, uint64, error) {
	raw, err := br.store.Get(ctx, inboundKey(kind, origin))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("%w: no %s record from %s", ErrInvalidRecord, kind, origin)
	}
	if err != nil {
		return nil, 0, err
	}
	var rec struct {
		Payload json.RawMessage `json:"payload"`
		Tick    uint64          `json:"tick"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, 0, fmt.Errorf("bridge: decode inbound record: %w", err)
	}
	return rec.Payload, rec.Tick, nil
}
