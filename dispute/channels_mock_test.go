package dispute_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/dispute"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/maze"
	"github.com/tolelom/braid/wallet"
)

type mockChannels struct {
	mock.Mock
}

func (m *mockChannels) Dungeon(sessionID string) (string, error) {
	args := m.Called(sessionID)
	return args.String(0), args.Error(1)
}

func (m *mockChannels) Status(sessionID string) (core.SessionStatus, error) {
	args := m.Called(sessionID)
	return args.Get(0).(core.SessionStatus), args.Error(1)
}

func (m *mockChannels) Maze(sessionID string) (*maze.Descriptor, error) {
	args := m.Called(sessionID)
	d, _ := args.Get(0).(*maze.Descriptor)
	return d, args.Error(1)
}

func (m *mockChannels) Bond(sessionID string) (uint64, error) {
	args := m.Called(sessionID)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockChannels) Record(sessionID, player string) (*core.ChannelRecord, error) {
	args := m.Called(sessionID, player)
	rec, _ := args.Get(0).(*core.ChannelRecord)
	return rec, args.Error(1)
}

func (m *mockChannels) Suspend(sessionID, player string) error {
	return m.Called(sessionID, player).Error(0)
}

func (m *mockChannels) Resume(sessionID, player string) error {
	return m.Called(sessionID, player).Error(0)
}

func (m *mockChannels) Adopt(sessionID, player string, st core.SignedState) error {
	return m.Called(sessionID, player, st).Error(0)
}

func (m *mockChannels) Terminate(sessionID, player, reason string) error {
	return m.Called(sessionID, player, reason).Error(0)
}

func (m *mockChannels) Exclude(sessionID, player string) error {
	return m.Called(sessionID, player).Error(0)
}

func (m *mockChannels) Forfeit(sessionID, beneficiary string, amount uint64) (uint64, error) {
	args := m.Called(sessionID, beneficiary, amount)
	return args.Get(0).(uint64), args.Error(1)
}

func mockResolver(ch dispute.Channels) *dispute.Resolver {
	return dispute.NewResolver(disputeCfg, dispute.Deps{
		Channels: ch,
		Gateway:  testutil.NewFakeGateway(grid),
		Emitter:  events.NewEmitter(),
		Clock:    testutil.NewClock(),
	})
}

func signedBy(t *testing.T, w *wallet.Wallet, seq uint64) core.SignedState {
	t.Helper()
	st := core.SignedState{State: core.ChannelState{
		SessionID:  "s1",
		Player:     w.PubKey(),
		Seq:        seq,
		Commitment: commitment.Commit([]byte{byte(seq)}),
	}}
	st.SignPlayer(w.PrivKey())
	return st
}

func TestConflictFromStrangerNeverSuspends(t *testing.T) {
	player, err := wallet.Generate()
	require.NoError(t, err)
	dungeon, err := wallet.Generate()
	require.NoError(t, err)
	stranger, err := wallet.Generate()
	require.NoError(t, err)

	ch := &mockChannels{}
	ch.On("Dungeon", "s1").Return(dungeon.PubKey(), nil)
	r := mockResolver(ch)
	defer r.Close()

	_, err = r.RaiseConflict(ctxT(t), signedBy(t, player, 3), stranger.PubKey())
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	ch.AssertNotCalled(t, "Suspend", mock.Anything, mock.Anything)
	ch.AssertExpectations(t)
}

func TestConflictClaimMustBeSignedByChallenger(t *testing.T) {
	player, err := wallet.Generate()
	require.NoError(t, err)
	dungeon, err := wallet.Generate()
	require.NoError(t, err)

	ch := &mockChannels{}
	ch.On("Dungeon", "s1").Return(dungeon.PubKey(), nil)
	r := mockResolver(ch)
	defer r.Close()

	// Player-signed only, but raised by the dungeon.
	_, err = r.RaiseConflict(ctxT(t), signedBy(t, player, 3), dungeon.PubKey())
	assert.ErrorIs(t, err, core.ErrBadSignature)
	ch.AssertNotCalled(t, "Suspend", mock.Anything, mock.Anything)
}

func TestConflictSuspendFailureRecordsNothing(t *testing.T) {
	player, err := wallet.Generate()
	require.NoError(t, err)
	dungeon, err := wallet.Generate()
	require.NoError(t, err)

	ch := &mockChannels{}
	ch.On("Dungeon", "s1").Return(dungeon.PubKey(), nil)
	ch.On("Record", "s1", player.PubKey()).Return(&core.ChannelRecord{}, nil)
	ch.On("Bond", "s1").Return(uint64(200), nil)
	ch.On("Suspend", "s1", player.PubKey()).Return(core.ErrChannelClosed)
	r := mockResolver(ch)
	defer r.Close()

	_, err = r.RaiseConflict(ctxT(t), signedBy(t, player, 3), player.PubKey())
	assert.ErrorIs(t, err, core.ErrChannelClosed)
	assert.Empty(t, r.Challenges("s1"))
	ch.AssertExpectations(t)
}

func TestLivenessOnSettledSessionNeverSuspends(t *testing.T) {
	player, err := wallet.Generate()
	require.NoError(t, err)
	sub := &core.MoveSubmission{State: signedBy(t, player, 4)}
	sub.State.State.ProofRef = sub.Proof.Ref()
	sub.Sign(player.PrivKey())

	ch := &mockChannels{}
	ch.On("Status", "s1").Return(core.SessionSettled, nil)
	r := mockResolver(ch)
	defer r.Close()

	_, err = r.RaiseLiveness(ctxT(t), sub)
	assert.ErrorIs(t, err, core.ErrSessionClosed)
	ch.AssertNotCalled(t, "Suspend", mock.Anything, mock.Anything)
	ch.AssertExpectations(t)
}
