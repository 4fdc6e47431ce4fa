package protocol

import (
	"bytes"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
)

// BattleRef identifies a battle. The server sends it either as a bare string
// ("b1") or as an object carrying an id.
type BattleRef struct {
	ID string `json:"id"`
}

func (r *BattleRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}

	var obj struct {
		ID       string `json:"id"`
		BattleID string `json:"battle_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("battle reference: %w", err)
	}
	r.ID = obj.ID
	if r.ID == "" {
		r.ID = obj.BattleID
	}
	return nil
}

// BattleEndPayload is the payload of the terminal battle_end message
type BattleEndPayload struct {
	BattleID string         `json:"battle_id"`
	Winner   string         `json:"winner,omitempty"`
	Draw     bool           `json:"is_draw,omitempty"`
	Scores   map[string]int `json:"scores"`
}

// InvitationRejectedPayload is pushed to the inviter when a friend declines.
type InvitationRejectedPayload struct {
	BattleID   string `json:"battle_id,omitempty"`
	RejectedBy string `json:"rejected_by"`
}

// FriendRequest as the server reports it
type FriendRequest struct {
	ID     string `json:"id"`
	From   string `json:"from_user"`
	Status string `json:"status"`
}

// Invitation is a battle invitation addressed to the local user
type Invitation struct {
	ID       string `json:"id"`
	BattleID string `json:"battle_id"`
	From     string `json:"from_user"`
	Sport    string `json:"sport,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Status   string `json:"status"`
}

// UserUpdatedPayload may embed fresh lists. When both lists are nil the
// message only signals that the client should refresh.
type UserUpdatedPayload struct {
	Username       string          `json:"username,omitempty"`
	FriendRequests []FriendRequest `json:"friend_requests,omitempty"`
	Invitations    []Invitation    `json:"invitations,omitempty"`
}

// FriendRequestUpdatedPayload reports a status change of one friend request
type FriendRequestUpdatedPayload struct {
	FriendRequest
}

type PlayerJoinedPayload struct {
	BattleID string `json:"battle_id,omitempty"`
	Username string `json:"username"`
}

// ScoreUpdatePayload carries either an absolute score or a delta.
type ScoreUpdatePayload struct {
	BattleID string `json:"battle_id,omitempty"`
	Username string `json:"username"`
	Score    *int   `json:"score,omitempty"`
	Delta    int    `json:"delta,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
}

// WaitingBattle is one open battle listed in the lobby
type WaitingBattle struct {
	ID       string `json:"id"`
	Creator  string `json:"creator"`
	Sport    string `json:"sport"`
	Level    string `json:"level"`
	Duration int    `json:"duration,omitempty"`
}

type WaitingBattlesPayload struct {
	Battles []WaitingBattle `json:"battles"`
}

type ChatPayload struct {
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingPayload struct {
	Sender   string `json:"sender"`
	IsTyping bool   `json:"is_typing"`
}
