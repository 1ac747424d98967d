package settlement

import (
	"slices"
	"time"
)

// ConnectionState は接続1つ分の精算状態です。接続の寿命と同じだけ保持されます。
type ConnectionState struct {
	ID               ConnID
	User             User
	RewardMultiplier int
	LastSpawn        *SpawnSnapshot
	ConnectedAt      time.Time

	pending int

	// projected は送信中の最新の精算で送ったレーティングです。次の精算はこれを起点にします。
	projected    *PlayerRating
	projectedSeq uint64
	// appliedSeq はスナップショットに反映済みの精算の通し番号です。古い結果で上書きしないために使います。
	appliedSeq uint64
}

// Spawned はこの期間に報酬・補償・損耗の対象となるかを返します。
func (c *ConnectionState) Spawned() bool {
	return c.LastSpawn != nil
}

// SettlementInFlight は送信中の精算にこの接続が含まれているかを返します。表示用の参考値です。
func (c *ConnectionState) SettlementInFlight() bool {
	return c.pending > 0
}

// Rating は次の精算で起点にするレーティングです。送信中の精算があればその値を返します。
func (c *ConnectionState) Rating() PlayerRating {
	if c.projected != nil {
		return *c.projected
	}
	return c.User.Character.Rating
}

func (c *ConnectionState) project(r PlayerRating, seq uint64) {
	c.projected = &r
	c.projectedSeq = seq
}

// settle は精算 seq の完了を反映します。コミット済みなら user をスナップショットにします。
func (c *ConnectionState) settle(seq uint64, user *User) {
	if c.projectedSeq == seq {
		c.projected = nil
	}
	if user != nil && seq > c.appliedSeq {
		c.User = *user
		c.appliedSeq = seq
	}
}

// Registry は接続中のプレイヤーを管理します。tickゴルーチン専用です。
type Registry struct {
	conns map[ConnID]*ConnectionState
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnID]*ConnectionState)}
}

// Connect は接続を登録します。既に登録済みならユーザー情報だけを更新し、倍率は維持します。
func (r *Registry) Connect(id ConnID, user User, now time.Time) *ConnectionState {
	if c, ok := r.conns[id]; ok {
		c.User = user
		return c
	}
	c := &ConnectionState{
		ID:               id,
		User:             user,
		RewardMultiplier: MinRewardMultiplier,
		ConnectedAt:      now,
	}
	r.conns[id] = c
	return c
}

func (r *Registry) Disconnect(id ConnID) bool {
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *Registry) Get(id ConnID) (*ConnectionState, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// UserConnection は同じユーザーで登録済みの接続を返します。
func (r *Registry) UserConnection(userID string) (*ConnectionState, bool) {
	for _, c := range r.conns {
		if c.User.ID == userID {
			return c, true
		}
	}
	return nil, false
}

// All は接続ID順に全接続を返します。
func (r *Registry) All() []*ConnectionState {
	out := make([]*ConnectionState, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *ConnectionState) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Len() int {
	return len(r.conns)
}

// Playing はスポーン済みの接続数です。人口判定に使います。
func (r *Registry) Playing() int {
	n := 0
	for _, c := range r.conns {
		if c.Spawned() {
			n++
		}
	}
	return n
}
