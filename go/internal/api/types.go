package api

import "github.com/mcdev12/trivia-battle/go/internal/protocol"

// Battle status values
const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
	StatusCancelled  = "cancelled"
)

type CreateBattleRequest struct {
	Sport    string `json:"sport"`
	Level    string `json:"level"`
	Duration int    `json:"duration,omitempty"`
}

type Battle struct {
	ID       string `json:"id"`
	Creator  string `json:"creator"`
	Opponent string `json:"opponent,omitempty"`
	Sport    string `json:"sport"`
	Level    string `json:"level"`
	Duration int    `json:"duration,omitempty"`
	Status   string `json:"status"`
}

// ScoreEntry is a participant's score with the sequence number it was recorded at
type ScoreEntry struct {
	Score int    `json:"score"`
	Seq   uint64 `json:"seq"`
}

// BattleState is the poll view of a battle
type BattleState struct {
	Battle
	Scores map[string]ScoreEntry `json:"scores"`
	Winner string                `json:"winner,omitempty"`
	IsDraw bool                  `json:"is_draw,omitempty"`
}

type FriendRequest = protocol.FriendRequest

type Invitation = protocol.Invitation

type LeaderboardRow struct {
	Rank     int    `json:"rank"`
	Username string `json:"username"`
	Points   int    `json:"points"`
	Wins     int    `json:"wins"`
}

type TrainingQuestion struct {
	ID      string   `json:"id"`
	Sport   string   `json:"sport"`
	Text    string   `json:"text"`
	Options []string `json:"options"`
	Votes   int      `json:"votes"`
}

type TrainingAnswer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

type AnswerResult struct {
	Correct       bool   `json:"correct"`
	CorrectAnswer string `json:"correct_answer,omitempty"`
	Points        int    `json:"points"`
}

type voteResponse struct {
	Votes int `json:"votes"`
}
