// Package oracle aggregates externally sourced data under a permission
// model: data sources are registered first, oracles bind to sources,
// and only an oracle holding a source of the right data type may
// publish a value. Values are latest-write-wins; history is the audit
// concern of whoever feeds them onward.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Tessera-Labs/credstate/pkg/canonical"
	"github.com/Tessera-Labs/credstate/pkg/config"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

var (
	// ErrSourceExists rejects a duplicate data source id.
	ErrSourceExists = errors.New("oracle: data source already exists")
	// ErrSourceNotFound indicates an unknown data source id.
	ErrSourceNotFound = errors.New("oracle: data source not found")
	// ErrInvalidURL rejects source URLs without an http(s) scheme.
	ErrInvalidURL = errors.New("oracle: invalid source url")
	// ErrOracleExists rejects re-registration of a principal.
	ErrOracleExists = errors.New("oracle: already registered")
	// ErrOracleNotFound indicates the principal is not a registered
	// oracle.
	ErrOracleNotFound = errors.New("oracle: not registered")
	// ErrTooManySources rejects oracle registrations above the source
	// cap.
	ErrTooManySources = errors.New("oracle: data source limit exceeded")
	// ErrInsufficientPermission rejects a publication for a data type
	// none of the oracle's sources carries.
	ErrInsufficientPermission = errors.New("oracle: insufficient permission for data type")
	// ErrInvalidDataFormat rejects payloads failing the per-type rule.
	ErrInvalidDataFormat = errors.New("oracle: invalid data format")
	// ErrDataNotFound indicates no data point has been published for a
	// data type.
	ErrDataNotFound = errors.New("oracle: no data for type")
	// ErrRequestNotFound indicates an unknown request id.
	ErrRequestNotFound = errors.New("oracle: request not found")
	// ErrRequestResolved rejects fulfillment of a non-pending request.
	ErrRequestResolved = errors.New("oracle: request already resolved")
)

// DataType classifies external data. The set is closed.
type DataType string

const (
	DataCreditScore          DataType = "credit_score"
	DataPaymentHistory       DataType = "payment_history"
	DataIdentityVerification DataType = "identity_verification"
	DataExternal             DataType = "external_data"
)

func validDataType(dt DataType) bool {
	switch dt {
	case DataCreditScore, DataPaymentHistory, DataIdentityVerification, DataExternal:
		return true
	}
	return false
}

// Source is a registered external data source.
type Source struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	DataType    DataType `json:"data_type"`
	Active      bool     `json:"active"`
	UpdatedTick uint64   `json:"updated_tick"`
}

// Info is a registered oracle's standing.
type Info struct {
	Principal   string   `json:"principal"`
	SourceIDs   []string `json:"source_ids"`
	Active      bool     `json:"active"`
	Reputation  uint32   `json:"reputation"`
	UpdatedTick uint64   `json:"updated_tick"`
}

// DataPoint is the latest published value for one data type.
type DataPoint struct {
	DataType  DataType `json:"data_type"`
	Oracle    string   `json:"oracle"`
	Value     []byte   `json:"value"`
	Timestamp uint64   `json:"timestamp"`
	Tick      uint64   `json:"tick"`
}

// RequestStatus is the request lifecycle state.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestFailed    RequestStatus = "failed"
)

// Request is one oracle data request. IDs derive from (tick, per-tick
// sequence), so they are unique without randomness.
type Request struct {
	ID           string        `json:"id"`
	Requester    string        `json:"requester"`
	DataType     DataType      `json:"data_type"`
	MaxFee       uint64        `json:"max_fee"`
	Status       RequestStatus `json:"status"`
	CreatedTick  uint64        `json:"created_tick"`
	ResolvedTick *uint64       `json:"resolved_tick,omitempty"`
	Fulfiller    string        `json:"fulfiller,omitempty"`
	Result       []byte        `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// requestSeq tracks the per-tick request sequence.
type requestSeq struct {
	Tick uint64 `json:"tick"`
	Seq  uint64 `json:"seq"`
}

// Aggregator is the oracle data manager.
type Aggregator struct {
	store  state.Store
	params *config.Params
	stats  *stats.Accumulator
}

// NewAggregator wires the aggregator to the shared state store.
func NewAggregator(store state.Store, params *config.Params, acc *stats.Accumulator) *Aggregator {
	return &Aggregator{store: store, params: params, stats: acc}
}

func sourceKey(id string) string { return "oracle/source/" + id }

func infoKey(principal string) string { return "oracle/info/" + principal }

func dataKey(dt DataType) string { return "oracle/data/" + string(dt) }

func requestKey(id string) string { return "oracle/request/" + id }

func requestSeqKey() string { return "oracle/reqseq" }

// AddSource registers a new data source.
func (a *Aggregator) AddSource(ctx context.Context, b *state.Batch, id, name, url string, dt DataType, tick uint64) (*Source, error) {
	if !validDataType(dt) {
		return nil, fmt.Errorf("%w: unknown data type %q", ErrInvalidDataFormat, dt)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	if _, err := a.GetSource(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceExists, id)
	} else if !errors.Is(err, ErrSourceNotFound) {
		return nil, err
	}

	src := &Source{ID: id, Name: name, URL: url, DataType: dt, Active: true, UpdatedTick: tick}
	raw, err := canonical.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("oracle: encode source: %w", err)
	}
	b.Set(sourceKey(id), raw)
	return src, nil
}

// Register records a principal as an oracle bound to existing sources.
// Reputation starts at 100.
func (a *Aggregator) Register(ctx context.Context, b *state.Batch, principal string, sourceIDs []string, tick uint64) (*Info, error) {
	if _, err := a.GetOracle(ctx, principal); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrOracleExists, principal)
	} else if !errors.Is(err, ErrOracleNotFound) {
		return nil, err
	}
	if len(sourceIDs) > a.params.MaxDataSources {
		return nil, fmt.Errorf("%w: %d sources, cap %d", ErrTooManySources, len(sourceIDs), a.params.MaxDataSources)
	}
	for _, id := range sourceIDs {
		if _, err := a.GetSource(ctx, id); err != nil {
			return nil, err
		}
	}

	info := &Info{Principal: principal, SourceIDs: sourceIDs, Active: true, Reputation: 100, UpdatedTick: tick}
	raw, err := canonical.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("oracle: encode info: %w", err)
	}
	b.Set(infoKey(principal), raw)
	return info, nil
}

// Publish validates and stores the latest value for a data type. The
// oracle must hold at least one active source of that type.
func (a *Aggregator) Publish(ctx context.Context, b *state.Batch, oracle string, dt DataType, value []byte, timestamp, tick uint64) (*DataPoint, error) {
	info, err := a.GetOracle(ctx, oracle)
	if err != nil {
		return nil, err
	}

	permitted := false
	for _, id := range info.SourceIDs {
		src, err := a.GetSource(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSourceNotFound) {
				continue
			}
			return nil, err
		}
		if src.DataType == dt && src.Active {
			permitted = true
			break
		}
	}
	if !permitted {
		return nil, fmt.Errorf("%w: %s cannot publish %s", ErrInsufficientPermission, oracle, dt)
	}

	if err := validatePayload(dt, value); err != nil {
		return nil, err
	}

	dp := &DataPoint{DataType: dt, Oracle: oracle, Value: value, Timestamp: timestamp, Tick: tick}
	raw, err := canonical.Marshal(dp)
	if err != nil {
		return nil, fmt.Errorf("oracle: encode data point: %w", err)
	}
	b.Set(dataKey(dt), raw)

	if _, err := a.stats.Bump(ctx, b, stats.DomainOracle, map[string]uint64{stats.CounterPublished: 1}); err != nil {
		return nil, err
	}
	return dp, nil
}

// validatePayload applies the per-type structural rule: credit scores
// must parse as an integer within [0, 1000]; every other type only
// needs a non-empty payload.
func validatePayload(dt DataType, value []byte) error {
	switch dt {
	case DataCreditScore:
		n, err := strconv.ParseUint(string(value), 10, 32)
		if err != nil {
			return fmt.Errorf("%w: credit score %q is not an integer", ErrInvalidDataFormat, value)
		}
		if n > 1000 {
			return fmt.Errorf("%w: credit score %d above 1000", ErrInvalidDataFormat, n)
		}
	default:
		if len(value) == 0 {
			return fmt.Errorf("%w: empty %s payload", ErrInvalidDataFormat, dt)
		}
	}
	return nil
}

// CreateRequest opens a new pending data request. The id derives from
// (tick, sequence-within-tick).
func (a *Aggregator) CreateRequest(ctx context.Context, b *state.Batch, requester string, dt DataType, maxFee, tick uint64) (*Request, error) {
	if !validDataType(dt) {
		return nil, fmt.Errorf("%w: unknown data type %q", ErrInvalidDataFormat, dt)
	}
	id, err := a.nextRequestID(ctx, b, tick)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:          id,
		Requester:   requester,
		DataType:    dt,
		MaxFee:      maxFee,
		Status:      RequestPending,
		CreatedTick: tick,
	}
	if err := a.stageRequest(b, req); err != nil {
		return nil, err
	}
	if _, err := a.stats.Bump(ctx, b, stats.DomainOracle, map[string]uint64{stats.CounterCreated: 1}); err != nil {
		return nil, err
	}
	return req, nil
}

// Fulfill resolves a pending request with data.
func (a *Aggregator) Fulfill(ctx context.Context, b *state.Batch, oracle, id string, data []byte, tick uint64) (*Request, error) {
	if _, err := a.GetOracle(ctx, oracle); err != nil {
		return nil, err
	}
	req, err := a.resolvableRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Status = RequestFulfilled
	req.ResolvedTick = &tick
	req.Fulfiller = oracle
	req.Result = data
	if err := a.stageRequest(b, req); err != nil {
		return nil, err
	}
	if _, err := a.stats.Bump(ctx, b, stats.DomainOracle, map[string]uint64{stats.CounterFulfilled: 1}); err != nil {
		return nil, err
	}
	return req, nil
}

// Fail resolves a pending request with an error.
func (a *Aggregator) Fail(ctx context.Context, b *state.Batch, oracle, id, reason string, tick uint64) (*Request, error) {
	if _, err := a.GetOracle(ctx, oracle); err != nil {
		return nil, err
	}
	req, err := a.resolvableRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Status = RequestFailed
	req.ResolvedTick = &tick
	req.Fulfiller = oracle
	req.Error = reason
	if err := a.stageRequest(b, req); err != nil {
		return nil, err
	}
	if _, err := a.stats.Bump(ctx, b, stats.DomainOracle, map[string]uint64{stats.CounterFailed: 1}); err != nil {
		return nil, err
	}
	return req, nil
}

// Latest loads the most recent value for a data type.
func (a *Aggregator) Latest(ctx context.Context, dt DataType) (*DataPoint, error) {
	raw, err := a.store.Get(ctx, dataKey(dt))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDataNotFound, dt)
	}
	if err != nil {
		return nil, err
	}
	var dp DataPoint
	if err := json.Unmarshal(raw, &dp); err != nil {
		return nil, fmt.Errorf("oracle: decode data point: %w", err)
	}
	return &dp, nil
}

// GetSource loads a data source by id.
func (a *Aggregator) GetSource(ctx context.Context, id string) (*Source, error) {
	raw, err := a.store.Get(ctx, sourceKey(id))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var src Source
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("oracle: decode source: %w", err)
	}
	return &src, nil
}

// GetOracle loads an oracle registration.
func (a *Aggregator) GetOracle(ctx context.Context, principal string) (*Info, error) {
	raw, err := a.store.Get(ctx, infoKey(principal))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOracleNotFound, principal)
	}
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("oracle: decode info: %w", err)
	}
	return &info, nil
}

// GetRequest loads a request by id.
func (a *Aggregator) GetRequest(ctx context.Context, id string) (*Request, error) {
	raw, err := a.store.Get(ctx, requestKey(id))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("oracle: decode request: %w", err)
	}
	return &req, nil
}

func (a *Aggregator) resolvableRequest(ctx context.Context, id string) (*Request, error) {
	req, err := a.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != RequestPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrRequestResolved, id, req.Status)
	}
	return req, nil
}

func (a *Aggregator) stageRequest(b *state.Batch, req *Request) error {
	raw, err := canonical.Marshal(req)
	if err != nil {
		return fmt.Errorf("oracle: encode request: %w", err)
	}
	b.Set(requestKey(req.ID), raw)
	return nil
}

// nextRequestID allocates the next request id for tick, reading the
// sequence through the batch so two requests in one command sequence
// cannot collide.
func (a *Aggregator) nextRequestID(ctx context.Context, b *state.Batch, tick uint64) (string, error) {
	key := requestSeqKey()
	var seq requestSeq
	raw, ok, kind := b.Pending(key)
	if !ok || kind != state.OpSet {
		var err error
		raw, err = a.store.Get(ctx, key)
		if errors.Is(err, state.ErrKeyNotFound) {
			raw = nil
		} else if err != nil {
			return "", err
		}
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &seq); err != nil {
			return "", fmt.Errorf("oracle: decode request sequence: %w", err)
		}
	}

	if seq.Tick == tick {
		seq.Seq++
	} else {
		seq = requestSeq{Tick: tick, Seq: 1}
	}
	next, err := canonical.Marshal(seq)
	if err != nil {
		return "", fmt.Errorf("oracle: encode request sequence: %w", err)
	}
	b.Set(key, next)
	return fmt.Sprintf("%020d-%06d", tick, seq.Seq), nil
}
