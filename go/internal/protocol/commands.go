package protocol

// Outbound command payloads. Each constructor returns the envelope ready for
// Connection.Send.

type battleCommand struct {
	BattleID string `json:"battle_id"`
}

type inviteCommand struct {
	BattleID       string `json:"battle_id"`
	FriendUsername string `json:"friend_username"`
}

type friendRequestCommand struct {
	RequestID string `json:"request_id"`
}

type invitationCommand struct {
	InvitationID string `json:"invitation_id"`
}

type chatCommand struct {
	Message string `json:"message"`
}

type typingCommand struct {
	IsTyping bool `json:"is_typing"`
}

func mustMessage(t Type, data any) Message {
	msg, err := NewMessage(t, data)
	if err != nil {
		// payloads here are plain structs of strings and bools
		panic(err)
	}
	return msg
}

func JoinBattle(battleID string) Message {
	return mustMessage(TypeJoinBattle, battleCommand{BattleID: battleID})
}

func CancelBattle(battleID string) Message {
	return mustMessage(TypeCancelBattle, battleCommand{BattleID: battleID})
}

func InviteFriend(battleID, friend string) Message {
	return mustMessage(TypeInviteFriend, inviteCommand{BattleID: battleID, FriendUsername: friend})
}

func CancelInvitation(battleID, friend string) Message {
	return mustMessage(TypeCancelInvitation, inviteCommand{BattleID: battleID, FriendUsername: friend})
}

func AcceptFriendRequest(requestID string) Message {
	return mustMessage(TypeAcceptFriendRequest, friendRequestCommand{RequestID: requestID})
}

func RejectFriendRequest(requestID string) Message {
	return mustMessage(TypeRejectFriendRequest, friendRequestCommand{RequestID: requestID})
}

func AcceptInvitation(invitationID string) Message {
	return mustMessage(TypeAcceptInvitation, invitationCommand{InvitationID: invitationID})
}

func RejectInvitation(invitationID string) Message {
	return mustMessage(TypeRejectInvitation, invitationCommand{InvitationID: invitationID})
}

func GetWaitingBattles() Message {
	return Message{Type: TypeGetWaitingBattles}
}

func ChatSend(text string) Message {
	return mustMessage(TypeChat, chatCommand{Message: text})
}

func Typing(isTyping bool) Message {
	return mustMessage(TypeTyping, typingCommand{IsTyping: isTyping})
}
