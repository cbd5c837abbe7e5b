package core

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/proof"
)

// ChannelState is one step of a player's channel with the dungeon.
// Treasure is the dungeon's pot snapshot at this step; it travels with the
// state but is not covered by the signatures.
type ChannelState struct {
	SessionID  string          `json:"session_id"`
	Player     string          `json:"player"`
	Seq        uint64          `json:"seq"`
	Commitment commitment.Hash `json:"commitment"`
	ProofRef   string          `json:"proof_ref"`
	Treasure   TreasureState   `json:"treasure"`
}

type stateBody struct {
	SessionID  string          `json:"session_id"`
	Player     string          `json:"player"`
	Seq        uint64          `json:"seq"`
	Commitment commitment.Hash `json:"commitment"`
	ProofRef   string          `json:"proof_ref"`
}

// Digest is the hash both parties sign.
func (s ChannelState) Digest() []byte {
	data, _ := json.Marshal(stateBody{
		SessionID:  s.SessionID,
		Player:     s.Player,
		Seq:        s.Seq,
		Commitment: s.Commitment,
		ProofRef:   s.ProofRef,
	})
	return crypto.HashBytes(data)
}

// SignedState is a channel state with the player's and dungeon's signatures.
// It is final once both are present and valid.
type SignedState struct {
	State      ChannelState `json:"state"`
	PlayerSig  string       `json:"player_sig,omitempty"`
	DungeonSig string       `json:"dungeon_sig,omitempty"`
}

// SignPlayer sets the player signature.
func (s *SignedState) SignPlayer(priv crypto.PrivateKey) {
	s.PlayerSig = crypto.Sign(priv, s.State.Digest())
}

// SignDungeon sets the dungeon signature.
func (s *SignedState) SignDungeon(priv crypto.PrivateKey) {
	s.DungeonSig = crypto.Sign(priv, s.State.Digest())
}

// VerifyPlayer checks the player signature against State.Player.
func (s *SignedState) VerifyPlayer() error {
	if err := crypto.VerifyHex(s.State.Player, s.State.Digest(), s.PlayerSig); err != nil {
		return errors.Wrap(ErrBadSignature, "player signature")
	}
	return nil
}

// VerifyDungeon checks the dungeon signature.
func (s *SignedState) VerifyDungeon(dungeon string) error {
	if err := crypto.VerifyHex(dungeon, s.State.Digest(), s.DungeonSig); err != nil {
		return errors.Wrap(ErrBadSignature, "dungeon signature")
	}
	return nil
}

// VerifyBilateral checks both signatures.
func (s *SignedState) VerifyBilateral(dungeon string) error {
	if err := s.VerifyPlayer(); err != nil {
		return err
	}
	return s.VerifyDungeon(dungeon)
}

// SameContent reports whether two states commit to the same signed body.
func (s *SignedState) SameContent(o *SignedState) bool {
	return string(s.State.Digest()) == string(o.State.Digest())
}

// Prevailing picks which of two states for the same channel stands.
// A state without valid bilateral signatures never prevails over one that
// has them. Between two valid states the higher sequence wins. Two valid
// states with equal sequence and different content are a fork: neither
// prevails and ErrSequenceConflict is returned.
func Prevailing(a, b *SignedState, dungeon string) (*SignedState, error) {
	if a != nil && b != nil &&
		(a.State.SessionID != b.State.SessionID || a.State.Player != b.State.Player) {
		return nil, errors.Wrap(ErrInvalidTransition, "states belong to different channels")
	}
	va := a != nil && a.VerifyBilateral(dungeon) == nil
	vb := b != nil && b.VerifyBilateral(dungeon) == nil
	switch {
	case !va && !vb:
		return nil, errors.Wrap(ErrBadSignature, "no bilaterally signed state")
	case va && !vb:
		return a, nil
	case !va && vb:
		return b, nil
	}
	switch {
	case a.State.Seq > b.State.Seq:
		return a, nil
	case b.State.Seq > a.State.Seq:
		return b, nil
	case a.SameContent(b):
		return a, nil
	default:
		return nil, &ProtocolError{
			Err:       ErrSequenceConflict,
			SessionID: a.State.SessionID,
			Player:    a.State.Player,
			Seq:       a.State.Seq,
			Detail:    "fork: two countersigned states at the same sequence",
		}
	}
}

// Opening reveals the content of a move commitment to the dungeon.
type Opening struct {
	Action   commitment.Action   `json:"action"`
	Position commitment.Position `json:"position"`
	Salt     commitment.Salt     `json:"salt"`
}

// MoveSubmission is a player's proposed next state with its proof.
type MoveSubmission struct {
	State       SignedState `json:"state"`
	Proof       proof.Proof `json:"proof"`
	Opening     Opening     `json:"opening"`
	SubmittedAt int64       `json:"submitted_at"`
	Signature   string      `json:"signature"`
}

type submissionBody struct {
	State       []byte  `json:"state"`
	ProofRef    string  `json:"proof_ref"`
	Opening     Opening `json:"opening"`
	SubmittedAt int64   `json:"submitted_at"`
}

// Digest covers the proposal, the proof and the submission time.
func (m *MoveSubmission) Digest() []byte {
	data, _ := json.Marshal(submissionBody{
		State:       m.State.State.Digest(),
		ProofRef:    m.Proof.Ref(),
		Opening:     m.Opening,
		SubmittedAt: m.SubmittedAt,
	})
	return crypto.HashBytes(data)
}

// Sign sets both the state and submission signatures.
func (m *MoveSubmission) Sign(priv crypto.PrivateKey) {
	m.State.SignPlayer(priv)
	m.Signature = crypto.Sign(priv, m.Digest())
}

// Verify checks the player's signatures on the proposal and submission.
func (m *MoveSubmission) Verify() error {
	if err := m.State.VerifyPlayer(); err != nil {
		return err
	}
	if m.State.State.ProofRef != m.Proof.Ref() {
		return errors.Wrap(ErrProofRejected, "proof ref does not match proof")
	}
	if err := crypto.VerifyHex(m.State.State.Player, m.Digest(), m.Signature); err != nil {
		return errors.Wrap(ErrBadSignature, "submission signature")
	}
	return nil
}

// Reveal is the dungeon's signed answer to an accepted move: the maze
// section around the player's new cell, sealed to the player's box key.
type Reveal struct {
	SessionID  string          `json:"session_id"`
	Player     string          `json:"player"`
	Seq        uint64          `json:"seq"`
	Commitment commitment.Hash `json:"commitment"`
	MazeRoot   commitment.Hash `json:"maze_root"`
	Treasure   TreasureState   `json:"treasure"`
	Found      bool            `json:"found"`
	Sealed     []byte          `json:"sealed"`
	DungeonSig string          `json:"dungeon_sig"`
}

// Digest covers every field but the signature.
func (r *Reveal) Digest() []byte {
	cp := *r
	cp.DungeonSig = ""
	data, _ := json.Marshal(cp)
	return crypto.HashBytes(data)
}

// Sign sets the dungeon signature.
func (r *Reveal) Sign(priv crypto.PrivateKey) {
	r.DungeonSig = crypto.Sign(priv, r.Digest())
}

// Verify checks the dungeon signature.
func (r *Reveal) Verify(dungeon string) error {
	if err := crypto.VerifyHex(dungeon, r.Digest(), r.DungeonSig); err != nil {
		return errors.Wrap(ErrBadSignature, "reveal signature")
	}
	return nil
}

// MoveAck is the dungeon's acceptance of a move.
type MoveAck struct {
	State  SignedState `json:"state"`
	Reveal Reveal      `json:"reveal"`
}

// Verify checks that ack countersigns exactly the state it reveals for.
func (a *MoveAck) Verify(dungeon string) error {
	if err := a.State.VerifyBilateral(dungeon); err != nil {
		return err
	}
	if err := a.Reveal.Verify(dungeon); err != nil {
		return err
	}
	st := a.State.State
	if a.Reveal.SessionID != st.SessionID || a.Reveal.Player != st.Player ||
		a.Reveal.Seq != st.Seq || a.Reveal.Commitment != st.Commitment {
		return errors.Wrap(ErrInvalidTransition, "reveal does not match acknowledged state")
	}
	return nil
}

// JoinRequest admits a player to a session.
type JoinRequest struct {
	SessionID    string          `json:"session_id"`
	Player       string          `json:"player"`
	BoxKey       string          `json:"box_key"`
	Ante         uint64          `json:"ante"`
	StakeSig     string          `json:"stake_sig"`
	Genesis      SignedState     `json:"genesis"`
	Exploration  commitment.Hash `json:"exploration"`
	NonCollusion proof.Proof     `json:"non_collusion"`
	Signature    string          `json:"signature"`
}

// Digest covers every field but the signature.
func (j *JoinRequest) Digest() []byte {
	cp := *j
	cp.Signature = ""
	data, _ := json.Marshal(cp)
	return crypto.HashBytes(data)
}

// Sign signs the request.
func (j *JoinRequest) Sign(priv crypto.PrivateKey) {
	j.Signature = crypto.Sign(priv, j.Digest())
}

// Verify checks the request and genesis signatures.
func (j *JoinRequest) Verify() error {
	if err := crypto.VerifyHex(j.Player, j.Digest(), j.Signature); err != nil {
		return errors.Wrap(ErrBadSignature, "join signature")
	}
	if j.Genesis.State.Player != j.Player || j.Genesis.State.SessionID != j.SessionID || j.Genesis.State.Seq != 0 {
		return errors.Wrap(ErrInvalidTransition, "genesis state does not belong to this join")
	}
	return j.Genesis.VerifyPlayer()
}

// StakeAuthorization returns the ante authorization the request carries.
func (j *JoinRequest) StakeAuthorization() StakeAuthorization {
	return StakeAuthorization{SessionID: j.SessionID, Participant: j.Player, Role: RoleAnte, Amount: j.Ante}
}

// WithdrawRequest is a player's signed request to leave its channel.
type WithdrawRequest struct {
	SessionID string `json:"session_id"`
	Player    string `json:"player"`
	Seq       uint64 `json:"seq"`
	Signature string `json:"signature"`
}

func (w *WithdrawRequest) digest() []byte {
	data, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		Player    string `json:"player"`
		Seq       uint64 `json:"seq"`
	}{w.SessionID, w.Player, w.Seq})
	return crypto.HashBytes(data)
}

// Sign signs the request.
func (w *WithdrawRequest) Sign(priv crypto.PrivateKey) {
	w.Signature = crypto.Sign(priv, w.digest())
}

// Verify checks the player's signature.
func (w *WithdrawRequest) Verify() error {
	if err := crypto.VerifyHex(w.Player, w.digest(), w.Signature); err != nil {
		return errors.Wrap(ErrBadSignature, "withdraw signature")
	}
	return nil
}
