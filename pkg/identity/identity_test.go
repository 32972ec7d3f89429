package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tessera-Labs/credstate/pkg/config"
	"github.com/Tessera-Labs/credstate/pkg/identity"
	"github.com/Tessera-Labs/credstate/pkg/registry"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

func newService(t *testing.T) (*identity.Service, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	params := config.DefaultParams()
	acc := stats.NewAccumulator(store)
	reg := registry.New(store, registry.KindDocument, params.MaxDocumentsPerOwner, params.DocumentTimeout, stats.DomainIdentity, acc)
	return identity.NewService(store, reg, params), store
}

func submitDoc(t *testing.T, s *identity.Service, store state.Store, owner string, dt identity.DocumentType, tick uint64) *registry.Item {
	t.Helper()
	ctx := context.Background()
	b := state.NewBatch()
	item, err := s.SubmitDocument(ctx, b, owner, identity.Document{
		Type:   dt,
		Number: "12345678900",
		Hash:   "blake2b:abc",
	}, tick)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b))
	return item
}

func verifyDoc(t *testing.T, s *identity.Service, store state.Store, id uint64, tick uint64) (*identity.Profile, bool) {
	t.Helper()
	ctx := context.Background()
	b := state.NewBatch()
	_, profile, changed, err := s.VerifyDocument(ctx, b, id, "verifier", tick)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b))
	return profile, changed
}

func TestVerificationLevelTable(t *testing.T) {
	tests := []struct {
		dt    identity.DocumentType
		level uint8
	}{
		{identity.DocumentCPF, 1},
		{identity.DocumentRG, 1},
		{identity.DocumentAddressProof, 1},
		{identity.DocumentCNH, 2},
		{identity.DocumentBirthCertificate, 2},
		{identity.DocumentIncomeProof, 2},
		{identity.DocumentPassport, 3},
	}
	for _, tt := range tests {
		level, err := identity.VerificationLevel(tt.dt)
		require.NoError(t, err)
		assert.Equal(t, tt.level, level, string(tt.dt))
	}

	_, err := identity.VerificationLevel("library_card")
	assert.ErrorIs(t, err, identity.ErrInvalidDocumentType)
}

func TestSubmitDocument_Validation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	b := state.NewBatch()
	_, err := s.SubmitDocument(ctx, b, "alice", identity.Document{Type: "unknown", Number: "1", Hash: "h"}, 1)
	assert.ErrorIs(t, err, identity.ErrInvalidDocumentType)

	_, err = s.SubmitDocument(ctx, b, "alice", identity.Document{Type: identity.DocumentCPF, Hash: "h"}, 1)
	assert.ErrorIs(t, err, identity.ErrInvalidDocument)

	_, err = s.SubmitDocument(ctx, b, "alice", identity.Document{Type: identity.DocumentCPF, Number: "1"}, 1)
	assert.ErrorIs(t, err, identity.ErrInvalidDocument)
}

func TestVerifyDocument_UpdatesProfile(t *testing.T) {
	s, store := newService(t)
	item := submitDoc(t, s, store, "alice", identity.DocumentCPF, 1)

	profile, changed := verifyDoc(t, s, store, item.ID, 2)
	assert.Equal(t, uint8(1), profile.VerificationLevel)
	assert.Equal(t, identity.KYCPending, profile.KYCStatus)
	assert.False(t, changed)
	assert.Equal(t, []uint64{item.ID}, profile.Documents)
}

func TestVerifyDocument_ReachesKYCVerified(t *testing.T) {
	// Default required level is 2: a CNH alone satisfies it.
	s, store := newService(t)
	item := submitDoc(t, s, store, "alice", identity.DocumentCNH, 1)

	profile, changed := verifyDoc(t, s, store, item.ID, 2)
	assert.Equal(t, uint8(2), profile.VerificationLevel)
	assert.Equal(t, identity.KYCVerified, profile.KYCStatus)
	assert.True(t, changed)
}

func TestVerifyDocument_LevelIsMaxAcrossDocuments(t *testing.T) {
	s, store := newService(t)
	cpf := submitDoc(t, s, store, "alice", identity.DocumentCPF, 1)
	passport := submitDoc(t, s, store, "alice", identity.DocumentPassport, 1)

	verifyDoc(t, s, store, cpf.ID, 2)
	profile, _ := verifyDoc(t, s, store, passport.ID, 3)
	assert.Equal(t, uint8(3), profile.VerificationLevel)
	assert.Equal(t, identity.KYCVerified, profile.KYCStatus)
}

func TestRejectDocument_DoesNotRaiseLevel(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)
	item := submitDoc(t, s, store, "alice", identity.DocumentPassport, 1)

	b := state.NewBatch()
	rejected, err := s.RejectDocument(ctx, b, item.ID, "verifier", "illegible", 2)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b))
	assert.Equal(t, registry.StatusRejected, rejected.Status)

	// Rejection leaves no profile behind; an explicit recompute yields
	// level zero.
	b2 := state.NewBatch()
	profile, _, err := s.RecomputeProfile(ctx, b2, "alice", 3)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b2))
	assert.Equal(t, uint8(0), profile.VerificationLevel)
	assert.Equal(t, identity.KYCPending, profile.KYCStatus)
}

func TestProfile_NotFound(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Profile(context.Background(), "nobody")
	assert.ErrorIs(t, err, identity.ErrProfileNotFound)
}

func TestProfile_CreatedTickPreserved(t *testing.T) {
	s, store := newService(t)
	cpf := submitDoc(t, s, store, "alice", identity.DocumentCPF, 1)
	cnh := submitDoc(t, s, store, "alice", identity.DocumentCNH, 1)

	first, _ := verifyDoc(t, s, store, cpf.ID, 5)
	second, _ := verifyDoc(t, s, store, cnh.ID, 9)
	assert.Equal(t, first.CreatedTick, second.CreatedTick)
	assert.Equal(t, uint64(5), second.CreatedTick)
	assert.Equal(t, uint64(9), second.UpdatedTick)
}

func TestExpiredDocument_CannotBeVerified(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)
	item := submitDoc(t, s, store, "alice", identity.DocumentCPF, 1)

	b := state.NewBatch()
	_, err := s.Registry().Sweep(ctx, b, 1+config.DefaultParams().DocumentTimeout+1)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b))

	b2 := state.NewBatch()
	_, _, _, err = s.VerifyDocument(ctx, b2, item.ID, "verifier", 200)
	assert.ErrorIs(t, err, registry.ErrAlreadyResolved)
}
