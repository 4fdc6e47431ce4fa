package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_BattleStartedAcceptsStringAndObject(t *testing.T) {
	for _, frame := range []string{
		`{"type":"battle_started","data":"b1"}`,
		`{"type":"battle_started","data":{"id":"b1"}}`,
		`{"type":"battle_started","data":{"battle_id":"b1"}}`,
	} {
		msg, err := Decode([]byte(frame))
		require.NoError(t, err, frame)
		assert.Equal(t, TypeBattleStarted, msg.Type)

		payload, err := ParsePayload(msg)
		require.NoError(t, err, frame)
		assert.Equal(t, BattleRef{ID: "b1"}, payload)
	}
}

func TestDecode_RejectsMalformedFrames(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = Decode([]byte(`{"data":"b1"}`))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestParsePayload_InvitationRejected(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"invitation_rejected","data":{"rejected_by":"alex"}}`))
	require.NoError(t, err)

	payload, err := ParsePayload(msg)
	require.NoError(t, err)
	assert.Equal(t, InvitationRejectedPayload{RejectedBy: "alex"}, payload)
}

func TestParsePayload_ScoreUpdateTakesEnvelopeSeq(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"score_update","seq":7,"data":{"username":"bob","score":3}}`))
	require.NoError(t, err)

	payload, err := ParsePayload(msg)
	require.NoError(t, err)
	update := payload.(ScoreUpdatePayload)
	require.NotNil(t, update.Score)
	assert.Equal(t, 3, *update.Score)
	assert.Equal(t, uint64(7), update.Seq)
}

func TestParsePayload_UnknownTypeIsIgnored(t *testing.T) {
	payload, err := ParsePayload(Message{Type: "something_new", Data: []byte(`{}`)})
	assert.NoError(t, err)
	assert.Nil(t, payload)
}

func TestCommands_RoundTripThroughEncode(t *testing.T) {
	raw, err := Encode(InviteFriend("b1", "alex"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"invite_friend","data":{"battle_id":"b1","friend_username":"alex"}}`, string(raw))

	raw, err = Encode(GetWaitingBattles())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_waiting_battles"}`, string(raw))
}
