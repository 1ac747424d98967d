package authority

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"skirmish/server/settlement"
)

// Store はメモリ上でユーザーを保持する settlement.Authority 実装です。開発用サーバーとテストで使います。
// 一度適用したトークンは結果を記録し、同じトークンの再送には記録済みの結果を返します。
type Store struct {
	mu      sync.Mutex
	users   map[string]settlement.User
	applied map[string][]settlement.UserResult
}

var _ settlement.Authority = (*Store)(nil)

func NewStore(users ...settlement.User) *Store {
	s := &Store{
		users:   make(map[string]settlement.User, len(users)),
		applied: make(map[string][]settlement.UserResult),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *Store) Put(u settlement.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) GetUser(ctx context.Context, userID string) (settlement.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return settlement.User{}, fmt.Errorf("%w: unknown user %s", settlement.ErrRejected, userID)
	}
	return cloneUser(u), nil
}

// Applied は指定トークンが適用済みかどうかを返します。
func (s *Store) Applied(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[token]
	return ok
}

// UpdateUsers はバッチ全体を検証してから一括で適用します。1件でも不正なら何も適用しません。
func (s *Store) UpdateUsers(ctx context.Context, batch settlement.Batch) ([]settlement.UserResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.IdempotencyToken == "" {
		return nil, fmt.Errorf("%w: missing idempotency token", settlement.ErrRejected)
	}
	if results, ok := s.applied[batch.IdempotencyToken]; ok {
		slog.DebugContext(ctx, "settlement replayed", "token", batch.IdempotencyToken)
		return results, nil
	}
	if err := s.validate(batch); err != nil {
		return nil, err
	}

	results := make([]settlement.UserResult, 0, len(batch.Updates))
	for _, upd := range batch.Updates {
		u := s.users[upd.UserID]
		res := applyUpdate(&u, upd)
		s.users[u.ID] = u
		res.User = cloneUser(u)
		results = append(results, res)
	}
	s.applied[batch.IdempotencyToken] = results
	slog.InfoContext(ctx, "settlement applied", "token", batch.IdempotencyToken, "updates", len(results))
	return results, nil
}

func (s *Store) validate(batch settlement.Batch) error {
	seen := make(map[string]struct{}, len(batch.Updates))
	for _, upd := range batch.Updates {
		u, ok := s.users[upd.UserID]
		if !ok {
			return fmt.Errorf("%w: unknown user %s", settlement.ErrRejected, upd.UserID)
		}
		if _, dup := seen[upd.UserID]; dup {
			return fmt.Errorf("%w: duplicate user %s", settlement.ErrRejected, upd.UserID)
		}
		seen[upd.UserID] = struct{}{}
		if upd.CharacterID != u.Character.ID {
			return fmt.Errorf("%w: character %s is not active for %s", settlement.ErrRejected, upd.CharacterID, upd.UserID)
		}
	}
	return nil
}

// applyUpdate は1人分の報酬・戦績・レーティング・修理を適用します。
// 所持金は0未満にならず、修理費を払えないアイテムは壊れて装備から外れます。
func applyUpdate(u *settlement.User, upd settlement.UserUpdate) settlement.UserResult {
	var res settlement.UserResult

	exp := max(u.Experience+upd.Reward.Experience, 0)
	gold := max(u.Gold+upd.Reward.Gold, 0)
	res.EffectiveReward = settlement.Reward{Experience: exp - u.Experience, Gold: gold - u.Gold}
	u.Experience, u.Gold = exp, gold

	st := &u.Character.Statistics
	st.Kills += upd.Statistics.Kills
	st.Deaths += upd.Statistics.Deaths
	st.Assists += upd.Statistics.Assists
	st.PlayTime += upd.Statistics.PlayTime

	if upd.Rating != nil {
		u.Character.Rating = *upd.Rating
	}

	for _, item := range upd.BrokenItems {
		repaired := settlement.RepairedItem{ItemID: item.ItemID, RepairCost: item.RepairCost}
		if u.Gold >= item.RepairCost {
			u.Gold -= item.RepairCost
		} else {
			repaired.Broke = true
			u.Character.Equipment = slices.DeleteFunc(u.Character.Equipment, func(e settlement.EquippedItem) bool {
				return e.ItemID == item.ItemID
			})
		}
		res.RepairedItems = append(res.RepairedItems, repaired)
	}
	return res
}

func cloneUser(u settlement.User) settlement.User {
	u.Character.Equipment = slices.Clone(u.Character.Equipment)
	return u
}
