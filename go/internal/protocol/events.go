package protocol

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Message is the envelope carried on every battle and chat socket, in both directions.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	// Seq is an optional per-session monotonic sequence number. Zero means the
	// sender did not stamp the message.
	Seq uint64 `json:"seq,omitempty"`
}

// Type is the tag of a message
type Type string

// Inbound tags consumed by the client
const (
	TypeBattleStarted        Type = "battle_started"
	TypeBattleRemoved        Type = "battle_removed"
	TypeBattleEnd            Type = "battle_end"
	TypeInvitationRejected   Type = "invitation_rejected"
	TypeUserUpdated          Type = "user_updated"
	TypeFriendRequestUpdated Type = "friend_request_updated"
	TypePlayerJoined         Type = "player_joined"
	TypeScoreUpdate          Type = "score_update"
	TypeWaitingBattles       Type = "waiting_battles"
	TypeChat                 Type = "chat"
	TypeTyping               Type = "typing"
)

// Outbound command tags
const (
	TypeJoinBattle          Type = "join_battle"
	TypeCancelBattle        Type = "cancel_battle"
	TypeInviteFriend        Type = "invite_friend"
	TypeCancelInvitation    Type = "cancel_invitation"
	TypeAcceptFriendRequest Type = "accept_friend_request"
	TypeRejectFriendRequest Type = "reject_friend_request"
	TypeAcceptInvitation    Type = "accept_invitation"
	TypeRejectInvitation    Type = "reject_invitation"
	TypeGetWaitingBattles   Type = "get_waiting_battles"
)

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrMissingType = errors.New("message has no type")
)

// Decode parses a raw frame into an envelope. The payload is left raw.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// Encode marshals an envelope for the wire.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(msg)
}

// NewMessage builds an envelope with a JSON encoded payload.
func NewMessage(t Type, data any) (Message, error) {
	msg := Message{Type: t}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Data = raw
	return msg, nil
}

// ParsePayload parses the payload of msg into the struct matching its type.
// Unknown types return (nil, nil).
func ParsePayload(msg Message) (any, error) {
	switch msg.Type {
	case TypeBattleStarted, TypeBattleRemoved:
		var ref BattleRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil {
			return nil, err
		}
		return ref, nil

	case TypeBattleEnd:
		var payload BattleEndPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeInvitationRejected:
		var payload InvitationRejectedPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeUserUpdated:
		var payload UserUpdatedPayload
		if len(msg.Data) == 0 {
			return payload, nil
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeFriendRequestUpdated:
		var payload FriendRequestUpdatedPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypePlayerJoined:
		var payload PlayerJoinedPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeScoreUpdate:
		var payload ScoreUpdatePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		if payload.Seq == 0 {
			payload.Seq = msg.Seq
		}
		return payload, nil

	case TypeWaitingBattles:
		var payload WaitingBattlesPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeChat:
		var payload ChatPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeTyping:
		var payload TypingPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil
	}
}
