package runtime

import (
	"encoding/json"

	"github.com/Tessera-Labs/credstate/pkg/events"
	"github.com/Tessera-Labs/credstate/pkg/identity"
	"github.com/Tessera-Labs/credstate/pkg/oracle"
	"github.com/Tessera-Labs/credstate/pkg/score"
)

// Op names an authenticated command.
type Op string

const (
	OpCalculateScore Op = "calculate_score"
	OpUpdateScore    Op = "update_score"
	OpVerifyScore    Op = "verify_score"
	OpAddScoreFactor Op = "add_score_factor"

	OpSubmitDocument        Op = "submit_document"
	OpVerifyDocument        Op = "verify_document"
	OpRejectDocument        Op = "reject_document"
	OpUpdateIdentityProfile Op = "update_identity_profile"

	OpCreatePayment   Op = "create_payment"
	OpVerifyPayment   Op = "verify_payment"
	OpCompletePayment Op = "complete_payment"
	OpFailPayment     Op = "fail_payment"
	OpDisputePayment  Op = "dispute_payment"
	OpResolveDispute  Op = "resolve_dispute"

	OpRegisterOracle       Op = "register_oracle"
	OpAddDataSource        Op = "add_data_source"
	OpUpdateExternalData   Op = "update_external_data"
	OpCreateOracleRequest  Op = "create_oracle_request"
	OpFulfillOracleRequest Op = "fulfill_oracle_request"
	OpFailOracleRequest    Op = "fail_oracle_request"

	OpIngestBridge Op = "ingest_bridge"
)

// Command is one authenticated state-mutation request. The principal
// arrives on the context, not in the envelope.
type Command struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result reports a committed command.
type Result struct {
	Op     Op             `json:"op"`
	Tick   uint64         `json:"tick"`
	Events []events.Event `json:"events,omitempty"`
	Data   any            `json:"data,omitempty"`
}

// Per-op payload shapes.

type CalculateScorePayload struct {
	Factors []score.Factor `json:"factors"`
}

type VerifyScorePayload struct {
	Target string `json:"target"`
}

type AddScoreFactorPayload struct {
	Type   score.FactorType `json:"factor_type"`
	Value  uint32           `json:"value"`
	Weight uint32           `json:"weight"`
}

type SubmitDocumentPayload struct {
	Type     identity.DocumentType `json:"document_type"`
	Number   string                `json:"document_number"`
	Hash     string                `json:"document_hash"`
	Metadata string                `json:"metadata,omitempty"`
}

type VerifyDocumentPayload struct {
	ID uint64 `json:"id"`
}

type RejectDocumentPayload struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

type CreatePaymentPayload struct {
	Payee       string `json:"payee"`
	Amount      uint64 `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
}

type VerifyPaymentPayload struct {
	ID    uint64 `json:"id"`
	Proof string `json:"proof"`
}

type CompletePaymentPayload struct {
	ID uint64 `json:"id"`
}

type FailPaymentPayload struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

type DisputePaymentPayload struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

type ResolveDisputePayload struct {
	ID         uint64 `json:"id"`
	Resolution string `json:"resolution"`
}

type RegisterOraclePayload struct {
	SourceIDs []string `json:"source_ids"`
}

type AddDataSourcePayload struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	URL      string          `json:"url"`
	DataType oracle.DataType `json:"data_type"`
}

type UpdateExternalDataPayload struct {
	DataType  oracle.DataType `json:"data_type"`
	Value     []byte          `json:"value"`
	Timestamp uint64          `json:"timestamp"`
}

type CreateOracleRequestPayload struct {
	DataType oracle.DataType `json:"data_type"`
	MaxFee   uint64          `json:"max_fee"`
}

type FulfillOracleRequestPayload struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type FailOracleRequestPayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type IngestBridgePayload struct {
	Origin   string `json:"origin"`
	Envelope []byte `json:"envelope"`
}
