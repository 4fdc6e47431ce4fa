package devserver

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mcdev12/trivia-battle/go/internal/api"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
)

var (
	ErrBattleNotFound     = errors.New("battle not found")
	ErrBattleNotWaiting   = errors.New("battle is not waiting for an opponent")
	ErrNotCreator         = errors.New("only the creator may do this")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationAnswered = errors.New("invitation already answered")
)

type battle struct {
	api.Battle
	scores map[string]api.ScoreEntry
	seq    uint64
	winner string
	draw   bool
}

func (b *battle) state() api.BattleState {
	scores := make(map[string]api.ScoreEntry, len(b.scores))
	for k, v := range b.scores {
		scores[k] = v
	}
	return api.BattleState{Battle: b.Battle, Scores: scores, Winner: b.winner, IsDraw: b.draw}
}

// registry is the in-memory battle and invitation store of the development server
type registry struct {
	mu          sync.Mutex
	battles     map[string]*battle
	invitations map[string]*protocol.Invitation

	// to maps an invitation id to the invited user
	to    map[string]string
	newID func() string
}

func newRegistry() *registry {
	return &registry{
		battles:     make(map[string]*battle),
		invitations: make(map[string]*protocol.Invitation),
		to:          make(map[string]string),
		newID:       func() string { return uuid.New().String() },
	}
}

func (r *registry) create(creator string, req api.CreateBattleRequest) api.Battle {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := &battle{
		Battle: api.Battle{
			ID:       r.newID(),
			Creator:  creator,
			Sport:    req.Sport,
			Level:    req.Level,
			Duration: req.Duration,
			Status:   api.StatusWaiting,
		},
		scores: map[string]api.ScoreEntry{creator: {}},
	}
	r.battles[b.ID] = b
	return b.Battle
}

func (r *registry) get(id string) (api.BattleState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.battles[id]
	if !ok {
		return api.BattleState{}, ErrBattleNotFound
	}
	return b.state(), nil
}

func (r *registry) waiting() []protocol.WaitingBattle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.WaitingBattle
	for _, b := range r.battles {
		if b.Status != api.StatusWaiting {
			continue
		}
		out = append(out, protocol.WaitingBattle{
			ID:       b.ID,
			Creator:  b.Creator,
			Sport:    b.Sport,
			Level:    b.Level,
			Duration: b.Duration,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// join fills the opponent slot. A repeated join by the same user succeeds
// without changing anything; started reports whether this call started the battle.
func (r *registry) join(id, username string) (started bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.battles[id]
	if !ok {
		return false, ErrBattleNotFound
	}
	if b.Opponent == username && b.Status == api.StatusInProgress {
		return false, nil
	}
	if b.Status != api.StatusWaiting || username == b.Creator {
		return false, ErrBattleNotWaiting
	}
	b.Opponent = username
	b.Status = api.StatusInProgress
	b.scores[username] = api.ScoreEntry{}
	return true, nil
}

func (r *registry) cancel(id, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.battles[id]
	if !ok {
		return ErrBattleNotFound
	}
	if username != "" && username != b.Creator {
		return ErrNotCreator
	}
	if b.Status != api.StatusWaiting {
		return ErrBattleNotWaiting
	}
	b.Status = api.StatusCancelled
	for _, inv := range r.invitations {
		if inv.BattleID == id && inv.Status == "pending" {
			inv.Status = "cancelled"
		}
	}
	return nil
}

func (r *registry) invite(battleID, from, friend string) (*protocol.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.battles[battleID]
	if !ok {
		return nil, ErrBattleNotFound
	}
	if b.Status != api.StatusWaiting {
		return nil, ErrBattleNotWaiting
	}
	if from != b.Creator {
		return nil, ErrNotCreator
	}
	inv := &protocol.Invitation{
		ID:       r.newID(),
		BattleID: battleID,
		From:     from,
		Sport:    b.Sport,
		Duration: b.Duration,
		Status:   "pending",
	}
	r.invitations[inv.ID] = inv
	r.to[inv.ID] = friend
	return inv, nil
}

// cancelInvitation withdraws the pending invitations of friend for a battle
func (r *registry) cancelInvitation(battleID, friend string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invitations {
		if inv.BattleID == battleID && inv.Status == "pending" && r.addressee(inv) == friend {
			inv.Status = "cancelled"
		}
	}
}

func (r *registry) addressee(inv *protocol.Invitation) string {
	return r.to[inv.ID]
}

// invitationsFor lists the pending invitations addressed to username
func (r *registry) invitationsFor(username string) []protocol.Invitation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Invitation
	for _, inv := range r.invitations {
		if inv.Status == "pending" && r.addressee(inv) == username {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// answer accepts or rejects an invitation addressed to username
func (r *registry) answer(id, username, status string) (protocol.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invitations[id]
	if !ok || r.addressee(inv) != username {
		return protocol.Invitation{}, ErrInvitationNotFound
	}
	if inv.Status != "pending" {
		return protocol.Invitation{}, ErrInvitationAnswered
	}
	inv.Status = status
	return *inv, nil
}

// score applies a delta and returns the new entry
func (r *registry) score(id, username string, delta int) (api.ScoreEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.battles[id]
	if !ok {
		return api.ScoreEntry{}, ErrBattleNotFound
	}
	if b.Status != api.StatusInProgress {
		return api.ScoreEntry{}, ErrBattleNotWaiting
	}
	e := b.scores[username]
	e.Score += delta
	if e.Score < 0 {
		e.Score = 0
	}
	b.seq++
	e.Seq = b.seq
	b.scores[username] = e
	return e, nil
}

// finish ends a running battle and decides the winner from the scores
func (r *registry) finish(id string) (protocol.BattleEndPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.battles[id]
	if !ok {
		return protocol.BattleEndPayload{}, ErrBattleNotFound
	}
	if b.Status != api.StatusInProgress {
		return protocol.BattleEndPayload{}, ErrBattleNotWaiting
	}

	b.Status = api.StatusFinished
	creator, opponent := b.scores[b.Creator].Score, b.scores[b.Opponent].Score
	switch {
	case creator > opponent:
		b.winner = b.Creator
	case opponent > creator:
		b.winner = b.Opponent
	default:
		b.draw = true
	}

	scores := make(map[string]int, len(b.scores))
	for k, v := range b.scores {
		scores[k] = v.Score
	}
	return protocol.BattleEndPayload{BattleID: b.ID, Winner: b.winner, Draw: b.draw, Scores: scores}, nil
}
