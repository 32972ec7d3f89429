// Package runtime drives the deterministic state machine: it owns the
// logical tick, admits authenticated commands one at a time, and
// guarantees each command either commits atomically or leaves no trace.
// The per-tick expiry sweep always runs before any command of that
// tick.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tessera-Labs/credstate/pkg/audit"
	"github.com/Tessera-Labs/credstate/pkg/auth"
	"github.com/Tessera-Labs/credstate/pkg/bridge"
	"github.com/Tessera-Labs/credstate/pkg/config"
	"github.com/Tessera-Labs/credstate/pkg/events"
	"github.com/Tessera-Labs/credstate/pkg/identity"
	"github.com/Tessera-Labs/credstate/pkg/observability"
	"github.com/Tessera-Labs/credstate/pkg/oracle"
	"github.com/Tessera-Labs/credstate/pkg/payments"
	"github.com/Tessera-Labs/credstate/pkg/registry"
	"github.com/Tessera-Labs/credstate/pkg/score"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

// ErrUnknownOp rejects commands whose op is not in the closed set.
var ErrUnknownOp = errors.New("runtime: unknown op")

const (
	tickKey    = "runtime/tick"
	genesisKey = "runtime/genesis"
)

// Runtime is the single-threaded command executor. All mutation flows
// through it; the mutex serializes callers so replicas that feed it the
// same command order derive the same state.
type Runtime struct {
	mu sync.Mutex

	store   state.Store
	params  *config.Params
	log     *slog.Logger
	bus     *events.Bus
	metrics *observability.Metrics

	trail    *audit.Trail
	stats    *stats.Accumulator
	scores   *score.Engine
	identity *identity.Service
	payments *payments.Service
	oracles  *oracle.Aggregator
	bridge   *bridge.Bridge

	tick uint64
}

// New wires a runtime over the shared state store. The persisted tick
// is restored so a restarted host resumes where it stopped.
func New(ctx context.Context, store state.Store, params *config.Params, logger *slog.Logger, bus *events.Bus, metrics *observability.Metrics) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus()
	}

	trail := audit.NewTrail(store)
	acc := stats.NewAccumulator(store)

	docReg := registry.New(store, registry.KindDocument, params.MaxDocumentsPerOwner, params.DocumentTimeout, stats.DomainIdentity, acc)
	payReg := registry.New(store, registry.KindPayment, params.MaxPaymentsPerOwner, params.PaymentTimeout, stats.DomainPayments, acc)

	br, err := bridge.New(store, params.TrustedOrigins, acc)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		store:    store,
		params:   params,
		log:      logger.With("component", "runtime"),
		bus:      bus,
		metrics:  metrics,
		trail:    trail,
		stats:    acc,
		scores:   score.NewEngine(store, params, trail, acc),
		identity: identity.NewService(store, docReg, params),
		payments: payments.NewService(store, payReg, params, acc),
		oracles:  oracle.NewAggregator(store, params, acc),
		bridge:   br,
	}

	raw, err := store.Get(ctx, tickKey)
	if err != nil && !errors.Is(err, state.ErrKeyNotFound) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(raw, &r.tick); err != nil {
			return nil, fmt.Errorf("runtime: decode tick: %w", err)
		}
	}
	return r, nil
}

// Tick returns the current logical tick.
func (r *Runtime) Tick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

// Bus returns the notification bus.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// Audit returns the audit trail for read-side queries.
func (r *Runtime) Audit() *audit.Trail { return r.trail }

// Stats returns the counter accumulator for read-side queries.
func (r *Runtime) Stats() *stats.Accumulator { return r.stats }

// Scores returns the score engine for read-side queries.
func (r *Runtime) Scores() *score.Engine { return r.scores }

// Seed applies a genesis counter profile. It commits exactly once per
// store: a store that already carries the genesis marker is left
// untouched, so re-running a host with the same profile is safe.
func (r *Runtime) Seed(ctx context.Context, g *config.Genesis) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.store.Get(ctx, genesisKey)
	if err == nil {
		return nil
	}
	if !errors.Is(err, state.ErrKeyNotFound) {
		return err
	}

	b := state.NewBatch()
	for domain, counters := range g.Counters {
		c := stats.Counters{}
		for name, v := range counters {
			c.Add(name, v)
		}
		if err := r.stats.Stage(b, stats.Domain(domain), c); err != nil {
			return err
		}
	}
	b.Set(genesisKey, []byte(`"seeded"`))
	if err := r.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("runtime: commit genesis: %w", err)
	}
	r.log.Info("genesis applied", "domains", len(g.Counters))
	return nil
}

// BeginTick advances the logical clock and runs the expiry sweep for
// the new tick. It must be called before any command of that tick is
// executed; the sweep and the tick advance commit in one atomic batch.
func (r *Runtime) BeginTick(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	next := r.tick + 1
	b := state.NewBatch()

	expiredDocs, err := r.identity.Registry().Sweep(ctx, b, next)
	if err != nil {
		return 0, fmt.Errorf("runtime: document sweep at tick %d: %w", next, err)
	}
	expiredPayments, err := r.payments.Sweep(ctx, b, next)
	if err != nil {
		return 0, fmt.Errorf("runtime: payment sweep at tick %d: %w", next, err)
	}

	rawTick, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("runtime: encode tick: %w", err)
	}
	b.Set(tickKey, rawTick)

	if err := r.store.Apply(ctx, b); err != nil {
		return 0, fmt.Errorf("runtime: commit tick %d: %w", next, err)
	}
	r.tick = next

	evts := make([]events.Event, 0, len(expiredDocs)+len(expiredPayments))
	for _, item := range expiredDocs {
		evts = append(evts, events.New(events.TypeDocumentExpired, next, item.Owner, map[string]any{"id": item.ID}))
	}
	for _, p := range expiredPayments {
		evts = append(evts, events.New(events.TypePaymentExpired, next, p.Payer, map[string]any{"id": p.ID}))
	}
	r.bus.Emit(evts...)

	if r.metrics != nil {
		r.metrics.ItemsExpired(ctx, string(registry.KindDocument), int64(len(expiredDocs)))
		r.metrics.ItemsExpired(ctx, string(registry.KindPayment), int64(len(expiredPayments)))
		r.metrics.SweepObserved(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	if len(expiredDocs)+len(expiredPayments) > 0 {
		r.log.Info("sweep expired items",
			"tick", next,
			"documents", len(expiredDocs),
			"payments", len(expiredPayments))
	}
	return next, nil
}

// Execute runs one authenticated command at the current tick. On
// success the staged batch commits atomically and the command's
// notification events are emitted in order; on failure nothing is
// written and a classified CommandError is returned.
func (r *Runtime) Execute(ctx context.Context, cmd Command) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	principal, err := auth.FromContext(ctx)
	if err != nil {
		return nil, r.reject(ctx, cmd.Op, err)
	}

	b := state.NewBatch()
	data, evts, err := r.dispatch(ctx, b, string(principal), cmd)
	if err != nil {
		return nil, r.reject(ctx, cmd.Op, err)
	}

	if err := r.store.Apply(ctx, b); err != nil {
		return nil, r.reject(ctx, cmd.Op, err)
	}
	r.bus.Emit(evts...)
	if r.metrics != nil {
		r.metrics.CommandApplied(ctx, string(cmd.Op))
	}
	r.log.Info("command applied", "op", cmd.Op, "principal", principal, "tick", r.tick)

	return &Result{Op: cmd.Op, Tick: r.tick, Events: evts, Data: data}, nil
}

func (r *Runtime) reject(ctx context.Context, op Op, err error) error {
	werr := commandError(op, err)
	var ce *CommandError
	class := ClassInternal
	if errors.As(werr, &ce) {
		class = ce.Class
	}
	if r.metrics != nil {
		r.metrics.CommandRejected(ctx, string(op), string(class))
	}
	r.log.Warn("command rejected", "op", op, "class", class, "error", err)
	return werr
}

// dispatch decodes the payload and runs the op handler, returning the
// result data and the notification events to emit after commit.
func (r *Runtime) dispatch(ctx context.Context, b *state.Batch, principal string, cmd Command) (any, []events.Event, error) {
	tick := r.tick
	switch cmd.Op {
	case OpCalculateScore, OpUpdateScore:
		var p CalculateScorePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		reason := score.ReasonInitialCalculation
		evtType := events.TypeScoreCalculated
		if cmd.Op == OpUpdateScore {
			reason = score.ReasonUserUpdate
			evtType = events.TypeScoreUpdated
		}
		change, err := r.scores.Apply(ctx, b, principal, p.Factors, reason, tick)
		if err != nil {
			return nil, nil, err
		}
		return change, []events.Event{events.New(evtType, tick, principal, map[string]any{
			"new_score": change.NewScore,
		})}, nil

	case OpVerifyScore:
		var p VerifyScorePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		hash, err := r.scores.Verify(ctx, b, p.Target, principal, tick)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"verification_hash": hash}, []events.Event{
			events.New(events.TypeScoreVerified, tick, p.Target, map[string]any{
				"verifier": principal,
				"hash":     hash,
			}),
		}, nil

	case OpAddScoreFactor:
		var p AddScoreFactorPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		f := score.Factor{Type: p.Type, Value: p.Value, Weight: p.Weight}
		if err := r.scores.AddFactor(ctx, b, principal, f, tick); err != nil {
			return nil, nil, err
		}
		return f, []events.Event{events.New(events.TypeScoreFactorAdded, tick, principal, map[string]any{
			"factor_type": string(p.Type),
		})}, nil

	case OpSubmitDocument:
		var p SubmitDocumentPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		item, err := r.identity.SubmitDocument(ctx, b, principal, identity.Document{
			Type:     p.Type,
			Number:   p.Number,
			Hash:     p.Hash,
			Metadata: p.Metadata,
		}, tick)
		if err != nil {
			return nil, nil, err
		}
		return item, []events.Event{events.New(events.TypeDocumentSubmitted, tick, principal, map[string]any{
			"id":            item.ID,
			"document_type": string(p.Type),
		})}, nil

	case OpVerifyDocument:
		var p VerifyDocumentPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		item, profile, statusChanged, err := r.identity.VerifyDocument(ctx, b, p.ID, principal, tick)
		if err != nil {
			return nil, nil, err
		}
		evts := []events.Event{
			events.New(events.TypeDocumentVerified, tick, item.Owner, map[string]any{"id": item.ID}),
			events.New(events.TypeProfileUpdated, tick, item.Owner, map[string]any{
				"verification_level": profile.VerificationLevel,
			}),
		}
		if statusChanged {
			evts = append(evts, events.New(events.TypeKYCStatusChanged, tick, item.Owner, map[string]any{
				"kyc_status": string(profile.KYCStatus),
			}))
		}
		return profile, evts, nil

	case OpRejectDocument:
		var p RejectDocumentPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		item, err := r.identity.RejectDocument(ctx, b, p.ID, principal, p.Reason, tick)
		if err != nil {
			return nil, nil, err
		}
		return item, []events.Event{events.New(events.TypeDocumentRejected, tick, item.Owner, map[string]any{
			"id":     item.ID,
			"reason": p.Reason,
		})}, nil

	case OpUpdateIdentityProfile:
		profile, statusChanged, err := r.identity.RecomputeProfile(ctx, b, principal, tick)
		if err != nil {
			return nil, nil, err
		}
		evts := []events.Event{events.New(events.TypeProfileUpdated, tick, principal, map[string]any{
			"verification_level": profile.VerificationLevel,
		})}
		if statusChanged {
			evts = append(evts, events.New(events.TypeKYCStatusChanged, tick, principal, map[string]any{
				"kyc_status": string(profile.KYCStatus),
			}))
		}
		return profile, evts, nil

	case OpCreatePayment:
		var p CreatePaymentPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		payment, err := r.payments.Create(ctx, b, principal, p.Payee, p.Amount, p.Currency, p.Description, p.Metadata, tick)
		if err != nil {
			return nil, nil, err
		}
		return payment, []events.Event{events.New(events.TypePaymentCreated, tick, principal, map[string]any{
			"id":     payment.ID,
			"payee":  payment.Payee,
			"amount": payment.Amount,
		})}, nil

	case OpVerifyPayment:
		var p VerifyPaymentPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		payment, err := r.payments.Verify(ctx, b, p.ID, principal, p.Proof, tick)
		if err != nil {
			return nil, nil, err
		}
		return payment, []events.Event{events.New(events.TypePaymentVerified, tick, payment.Payer, map[string]any{
			"id": payment.ID,
		})}, nil

	case OpCompletePayment:
		var p CompletePaymentPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		payment, err := r.payments.Complete(ctx, b, p.ID, tick)
		if err != nil {
			return nil, nil, err
		}
		return payment, []events.Event{events.New(events.TypePaymentCompleted, tick, payment.Payer, map[string]any{
			"id": payment.ID,
		})}, nil

	case OpFailPayment:
		var p FailPaymentPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		payment, err := r.payments.Fail(ctx, b, p.ID, principal, p.Reason, tick)
		if err != nil {
			return nil, nil, err
		}
		return payment, []events.Event{events.New(events.TypePaymentFailed, tick, payment.Payer, map[string]any{
			"id":     payment.ID,
			"reason": p.Reason,
		})}, nil

	case OpDisputePayment:
		var p DisputePaymentPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		payment, err := r.payments.Dispute(ctx, b, p.ID, principal, p.Reason, tick)
		if err != nil {
			return nil, nil, err
		}
		return payment, []events.Event{events.New(events.TypePaymentDisputed, tick, principal, map[string]any{
			"id":     payment.ID,
			"reason": p.Reason,
		})}, nil

	case OpResolveDispute:
		var p ResolveDisputePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		payment, err := r.payments.ResolveDispute(ctx, b, p.ID, p.Resolution, tick)
		if err != nil {
			return nil, nil, err
		}
		return payment, []events.Event{events.New(events.TypePaymentDisputeResolved, tick, payment.Payer, map[string]any{
			"id":         payment.ID,
			"resolution": p.Resolution,
		})}, nil

	case OpRegisterOracle:
		var p RegisterOraclePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		info, err := r.oracles.Register(ctx, b, principal, p.SourceIDs, tick)
		if err != nil {
			return nil, nil, err
		}
		return info, []events.Event{events.New(events.TypeOracleRegistered, tick, principal, map[string]any{
			"sources": len(p.SourceIDs),
		})}, nil

	case OpAddDataSource:
		var p AddDataSourcePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		src, err := r.oracles.AddSource(ctx, b, p.ID, p.Name, p.URL, p.DataType, tick)
		if err != nil {
			return nil, nil, err
		}
		return src, []events.Event{events.New(events.TypeDataSourceAdded, tick, principal, map[string]any{
			"id":        src.ID,
			"data_type": string(src.DataType),
		})}, nil

	case OpUpdateExternalData:
		var p UpdateExternalDataPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		dp, err := r.oracles.Publish(ctx, b, principal, p.DataType, p.Value, p.Timestamp, tick)
		if err != nil {
			return nil, nil, err
		}
		if r.metrics != nil {
			r.metrics.OraclePublished(ctx, string(p.DataType))
		}
		return dp, []events.Event{events.New(events.TypeExternalDataUpdated, tick, principal, map[string]any{
			"data_type": string(p.DataType),
		})}, nil

	case OpCreateOracleRequest:
		var p CreateOracleRequestPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		req, err := r.oracles.CreateRequest(ctx, b, principal, p.DataType, p.MaxFee, tick)
		if err != nil {
			return nil, nil, err
		}
		return req, []events.Event{events.New(events.TypeOracleRequestCreated, tick, principal, map[string]any{
			"id":        req.ID,
			"data_type": string(p.DataType),
		})}, nil

	case OpFulfillOracleRequest:
		var p FulfillOracleRequestPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		req, err := r.oracles.Fulfill(ctx, b, principal, p.ID, p.Data, tick)
		if err != nil {
			return nil, nil, err
		}
		return req, []events.Event{events.New(events.TypeOracleRequestFulfilled, tick, req.Requester, map[string]any{
			"id": req.ID,
		})}, nil

	case OpFailOracleRequest:
		var p FailOracleRequestPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		req, err := r.oracles.Fail(ctx, b, principal, p.ID, p.Reason, tick)
		if err != nil {
			return nil, nil, err
		}
		return req, []events.Event{events.New(events.TypeOracleRequestFailed, tick, req.Requester, map[string]any{
			"id":     req.ID,
			"reason": p.Reason,
		})}, nil

	case OpIngestBridge:
		var p IngestBridgePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, nil, err
		}
		env, err := r.bridge.ValidateAndIngest(ctx, b, p.Envelope, p.Origin, tick)
		if err != nil {
			return nil, nil, err
		}
		if r.metrics != nil {
			r.metrics.BridgeIngested(ctx, string(env.Kind), p.Origin)
		}
		return env, []events.Event{events.New(events.TypeBridgeIngested, tick, principal, map[string]any{
			"kind":   string(env.Kind),
			"origin": p.Origin,
		})}, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
}

// decode strictly unmarshals a command payload. Unknown fields are
// rejected so a mistyped field name fails loudly instead of silently
// reading as the zero value.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &CommandError{Class: ClassValidation, Err: fmt.Errorf("runtime: malformed payload: %w", err)}
	}
	return nil
}
