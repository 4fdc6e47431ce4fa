package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

func (c *Client) CreateBattle(ctx context.Context, req CreateBattleRequest) (*Battle, error) {
	var b Battle
	if err := c.post(ctx, "/api/battles/", req, &b); err != nil {
		return nil, fmt.Errorf("create battle: %w", err)
	}
	return &b, nil
}

func (c *Client) GetBattle(ctx context.Context, id string) (*Battle, error) {
	var b Battle
	if err := c.get(ctx, "/api/battles/"+url.PathEscape(id)+"/", &b); err != nil {
		return nil, fmt.Errorf("get battle %s: %w", id, err)
	}
	return &b, nil
}

// BattleState polls the authoritative state of a battle
func (c *Client) BattleState(ctx context.Context, id string) (*BattleState, error) {
	var st BattleState
	if err := c.get(ctx, "/api/battles/"+url.PathEscape(id)+"/state/", &st); err != nil {
		return nil, fmt.Errorf("get battle state %s: %w", id, err)
	}
	return &st, nil
}

func (c *Client) CancelBattle(ctx context.Context, id string) error {
	if err := c.post(ctx, "/api/battles/"+url.PathEscape(id)+"/cancel/", nil, nil); err != nil {
		return fmt.Errorf("cancel battle %s: %w", id, err)
	}
	return nil
}

func (c *Client) WaitingBattles(ctx context.Context) ([]Battle, error) {
	var battles []Battle
	if err := c.get(ctx, "/api/battles/?status="+StatusWaiting, &battles); err != nil {
		return nil, fmt.Errorf("list waiting battles: %w", err)
	}
	return battles, nil
}

func (c *Client) FriendRequests(ctx context.Context) ([]FriendRequest, error) {
	var out []FriendRequest
	if err := c.get(ctx, "/api/friend-requests/", &out); err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	return out, nil
}

func (c *Client) AcceptFriendRequest(ctx context.Context, id string) error {
	return c.post(ctx, "/api/friend-requests/"+url.PathEscape(id)+"/accept/", nil, nil)
}

func (c *Client) RejectFriendRequest(ctx context.Context, id string) error {
	return c.post(ctx, "/api/friend-requests/"+url.PathEscape(id)+"/reject/", nil, nil)
}

func (c *Client) Invitations(ctx context.Context) ([]Invitation, error) {
	var out []Invitation
	if err := c.get(ctx, "/api/invitations/", &out); err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	return out, nil
}

func (c *Client) AcceptInvitation(ctx context.Context, id string) error {
	return c.post(ctx, "/api/invitations/"+url.PathEscape(id)+"/accept/", nil, nil)
}

func (c *Client) RejectInvitation(ctx context.Context, id string) error {
	return c.post(ctx, "/api/invitations/"+url.PathEscape(id)+"/reject/", nil, nil)
}

func (c *Client) Leaderboard(ctx context.Context) ([]LeaderboardRow, error) {
	var rows []LeaderboardRow
	if err := c.get(ctx, "/api/leaderboard/", &rows); err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}
	return rows, nil
}

func (c *Client) TrainingQuestion(ctx context.Context, sport string) (*TrainingQuestion, error) {
	var q TrainingQuestion
	if err := c.get(ctx, "/api/training/question/?sport="+url.QueryEscape(sport), &q); err != nil {
		return nil, fmt.Errorf("get training question: %w", err)
	}
	return &q, nil
}

func (c *Client) SubmitAnswer(ctx context.Context, answer TrainingAnswer) (*AnswerResult, error) {
	var res AnswerResult
	if err := c.post(ctx, "/api/training/answer/", answer, &res); err != nil {
		return nil, fmt.Errorf("submit answer: %w", err)
	}
	return &res, nil
}

// CastVote votes for a training question and returns the confirmed vote count
func (c *Client) CastVote(ctx context.Context, questionID string) (int, error) {
	var res voteResponse
	if err := c.post(ctx, "/api/training/questions/"+url.PathEscape(questionID)+"/vote/", nil, &res); err != nil {
		return 0, fmt.Errorf("vote: %w", err)
	}
	return res.Votes, nil
}

// FetchAvatar downloads a user's avatar image
func (c *Client) FetchAvatar(ctx context.Context, username string) ([]byte, error) {
	data, err := c.makeRequest(ctx, http.MethodGet, "/api/users/"+url.PathEscape(username)+"/avatar/", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch avatar %s: %w", username, err)
	}
	return data, nil
}
