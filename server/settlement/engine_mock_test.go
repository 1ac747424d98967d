package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"skirmish/server/settlement"
	"skirmish/server/settlement/mocks"
)

func mockEngine(t *testing.T, ctrl *gomock.Controller) (*settlement.Engine, *mocks.MockAuthority, *mocks.MockNotifier) {
	t.Helper()
	authority := mocks.NewMockAuthority(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)

	cfg := settlement.DefaultConfig()
	cfg.BreakProbability = 0
	cfg.Retry = settlement.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
	e, err := settlement.NewEngine(cfg, authority, notifier)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, authority, notifier
}

func connectPlayers(t *testing.T, e *settlement.Engine, ids ...string) {
	t.Helper()
	for i, id := range ids {
		side := settlement.SideDefender
		if i%2 == 1 {
			side = settlement.SideAttacker
		}
		e.Connect(context.Background(), settlement.ConnID(id), settlement.User{
			ID:         "user-" + id,
			Experience: 500,
			Character:  settlement.Character{ID: "char-" + id, Rating: settlement.DefaultPlayerRating()},
		})
		if err := e.Spawn(settlement.ConnID(id), side); err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	}
}

func flush(t *testing.T, e *settlement.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestEngine_RetriesExhaustedNotifiesFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	e, authority, notifier := mockEngine(t, ctrl)
	connectPlayers(t, e, "p", "q")

	authority.EXPECT().
		UpdateUsers(gomock.Any(), gomock.Any()).
		Return(nil, settlement.ErrUnavailable).
		Times(3)
	notifier.EXPECT().SettlementFailed(gomock.Any(), settlement.ConnID("p")).Times(1)
	notifier.EXPECT().SettlementFailed(gomock.Any(), settlement.ConnID("q")).Times(1)

	if _, err := e.Settle(context.Background(), settlement.SettleParams{
		DurationRewarded:       time.Minute,
		DefenderMultiplierGain: 2,
		AttackerMultiplierGain: 2,
	}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	flush(t, e)

	for _, id := range []settlement.ConnID{"p", "q"} {
		c, ok := e.Connection(id)
		if !ok {
			t.Fatalf("connection %s missing", id)
		}
		if c.RewardMultiplier != 1 {
			t.Errorf("%s multiplier = %d, want 1", id, c.RewardMultiplier)
		}
		if c.User.Experience != 500 {
			t.Errorf("%s experience = %d, want 500", id, c.User.Experience)
		}
		if c.SettlementInFlight() {
			t.Errorf("%s still in flight", id)
		}
	}
}

func TestEngine_RejectionIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	e, authority, notifier := mockEngine(t, ctrl)
	connectPlayers(t, e, "p", "q")

	authority.EXPECT().
		UpdateUsers(gomock.Any(), gomock.Any()).
		Return(nil, errors.Join(settlement.ErrRejected, errors.New("character not owned"))).
		Times(1)
	notifier.EXPECT().SettlementFailed(gomock.Any(), gomock.Any()).Times(2)

	if _, err := e.Settle(context.Background(), settlement.SettleParams{DurationRewarded: time.Minute}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	flush(t, e)
}

func TestEngine_SubmitsIdempotencyTokenUnchangedAcrossRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	e, authority, notifier := mockEngine(t, ctrl)
	connectPlayers(t, e, "p", "q")

	var tokens []string
	authority.EXPECT().
		UpdateUsers(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, b settlement.Batch) ([]settlement.UserResult, error) {
			tokens = append(tokens, b.IdempotencyToken)
			if len(tokens) == 1 {
				return nil, settlement.ErrUnavailable
			}
			results := make([]settlement.UserResult, 0, len(b.Updates))
			for _, u := range b.Updates {
				results = append(results, settlement.UserResult{
					User:            settlement.User{ID: u.UserID},
					EffectiveReward: u.Reward,
				})
			}
			return results, nil
		}).
		Times(2)
	notifier.EXPECT().RewardApplied(gomock.Any(), gomock.Any(), gomock.Any()).Times(2)

	token, err := e.Settle(context.Background(), settlement.SettleParams{DurationRewarded: time.Minute})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	flush(t, e)

	if len(tokens) != 2 || tokens[0] != token || tokens[1] != token {
		t.Fatalf("tokens = %v, want both %q", tokens, token)
	}
}

func TestEngine_MismatchedResultsFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	e, authority, notifier := mockEngine(t, ctrl)
	connectPlayers(t, e, "p", "q")

	authority.EXPECT().
		UpdateUsers(gomock.Any(), gomock.Any()).
		Return([]settlement.UserResult{{User: settlement.User{ID: "user-p"}}}, nil).
		Times(1)
	notifier.EXPECT().SettlementFailed(gomock.Any(), gomock.Any()).Times(2)

	if _, err := e.Settle(context.Background(), settlement.SettleParams{DurationRewarded: time.Minute}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	flush(t, e)
}

func TestNewEngine_MissingDependencies(t *testing.T) {
	if _, err := settlement.NewEngine(settlement.DefaultConfig(), nil, nil); err == nil {
		t.Fatal("NewEngine without dependencies should fail")
	}
}
