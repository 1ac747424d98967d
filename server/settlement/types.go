package settlement

import (
	"context"
	"errors"
	"time"
)

// ConnID はサーバー上の1接続を識別します。セッションIDの文字列表現をそのまま使います。
type ConnID string

// Side はプレイヤーの所属陣営です。
type Side uint8

const (
	SideNone Side = iota
	SideDefender
	SideAttacker
)

func (s Side) String() string {
	switch s {
	case SideDefender:
		return "defender"
	case SideAttacker:
		return "attacker"
	default:
		return "none"
	}
}

var (
	// ErrUnavailable はリモートが一時的に応答できない場合のエラーです。リトライ対象です。
	ErrUnavailable = errors.New("settlement: authority unavailable")
	// ErrRejected はリモートがバッチを業務的に拒否した場合のエラーです。リトライしません。
	ErrRejected = errors.New("settlement: batch rejected")
	// ErrUnknownConnection は登録されていない接続が指定された場合のエラーです。
	ErrUnknownConnection = errors.New("settlement: unknown connection")
	// ErrNothingToSettle は精算対象の接続が存在しない場合のエラーです。
	ErrNothingToSettle = errors.New("settlement: nothing to settle")
	// ErrInvalidDuel はデュエルの参加者指定が不正な場合のエラーです。
	ErrInvalidDuel = errors.New("settlement: invalid duel participants")
	// ErrNotSpawned はデュエルの参加者がスポーンしていない場合のエラーです。
	ErrNotSpawned = errors.New("settlement: connection has not spawned")
)

// PlayerRating はキャラクター1体分のGlicko-2レーティングです。
type PlayerRating struct {
	Rating     float64 `json:"rating"`
	Deviation  float64 `json:"deviation"`
	Volatility float64 `json:"volatility"`
}

// EquippedItem は装備中のアイテムと、その価格です。
type EquippedItem struct {
	ItemID string `json:"itemId"`
	Value  int64  `json:"value"`
}

// CharacterStatistics はリモートが保持する累積戦績です。
type CharacterStatistics struct {
	Kills    int           `json:"kills"`
	Deaths   int           `json:"deaths"`
	Assists  int           `json:"assists"`
	PlayTime time.Duration `json:"playTime"`
}

// Character はユーザーが現在使用しているキャラクターです。
type Character struct {
	ID            string              `json:"id"`
	Rating        PlayerRating        `json:"rating"`
	Equipment     []EquippedItem      `json:"equipment"`
	Statistics    CharacterStatistics `json:"statistics"`
	ForTournament bool                `json:"forTournament"`
}

// User はリモートから取得したユーザーのスナップショットです。正本はリモート側にあります。
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Region     string    `json:"region"`
	Experience int64     `json:"experience"`
	Gold       int64     `json:"gold"`
	Character  Character `json:"character"`
}

// PeriodStats は直近の精算以降に集計された戦績です。
type PeriodStats struct {
	Kills    int           `json:"kills"`
	Deaths   int           `json:"deaths"`
	Assists  int           `json:"assists"`
	PlayTime time.Duration `json:"playTime"`
}

type Reward struct {
	Experience int64 `json:"experience"`
	Gold       int64 `json:"gold"`
}

// BrokenItem は今回の精算で壊れたと判定されたアイテムと修理費です。
type BrokenItem struct {
	ItemID     string `json:"itemId"`
	RepairCost int64  `json:"repairCost"`
}

// UserUpdate はプレイヤー1人分の精算内容です。リモートへの送信単位であり、応答の単位でもあります。
type UserUpdate struct {
	UserID      string        `json:"userId"`
	CharacterID string        `json:"characterId"`
	Reward      Reward        `json:"reward"`
	Statistics  PeriodStats   `json:"statistics"`
	// Rating が nil の場合、リモートは既存のレーティングを維持します。
	Rating      *PlayerRating `json:"rating,omitempty"`
	BrokenItems []BrokenItem  `json:"brokenItems"`
}

// Batch はリモートへ送る精算リクエストです。
// IdempotencyToken は呼び出しごとに新しく発行され、1回の送信(リトライ含む)にのみ使われます。
type Batch struct {
	IdempotencyToken string       `json:"idempotencyToken"`
	Updates          []UserUpdate `json:"updates"`
}

// RepairedItem はリモートが修理を試みた結果です。Broke が true なら所持金不足で壊れたままです。
type RepairedItem struct {
	ItemID     string `json:"itemId"`
	RepairCost int64  `json:"repairCost"`
	Broke      bool   `json:"broke"`
}

// UserResult はリモートが返すユーザー1人分の精算結果です。
type UserResult struct {
	User            User           `json:"user"`
	EffectiveReward Reward         `json:"effectiveReward"`
	RepairedItems   []RepairedItem `json:"repairedItems"`
}

// SpawnSnapshot はスポーン時点の陣営と装備です。
type SpawnSnapshot struct {
	Side      Side
	Equipment []EquippedItem
	SpawnedAt time.Time
}

// RewardNotice はプレイヤーへ通知する報酬内容です。
type RewardNotice struct {
	Experience    int64
	Gold          int64
	Multiplier    int
	Valorous      bool
	LowPopulation bool
	RepairCost    int64
	Compensation  int64
	BrokenItemIDs []string
}

// DuelNotice はデュエル結果の通知内容です。
type DuelNotice struct {
	Won         bool
	RatingDelta float64
}

//go:generate go tool mockgen -destination=./mocks/settlement_mock.go -package=mocks . Authority,Notifier

// Authority は精算結果を永続化するリモートの権威サーバーです。
type Authority interface {
	GetUser(ctx context.Context, userID string) (User, error)
	// UpdateUsers は同じトークンで2回受け取っても二重適用しないことが求められます。
	UpdateUsers(ctx context.Context, batch Batch) ([]UserResult, error)
}

// Notifier はサーバーからプレイヤーへの通知経路です。
type Notifier interface {
	RewardApplied(ctx context.Context, conn ConnID, notice RewardNotice)
	SettlementFailed(ctx context.Context, conn ConnID)
	DuelResult(ctx context.Context, conn ConnID, notice DuelNotice)
	HappyHourChanged(ctx context.Context, conn ConnID, active bool)
	Kick(ctx context.Context, conn ConnID, reason string)
}

type Clock interface {
	Now() time.Time
	Since(time.Time) time.Duration
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }
