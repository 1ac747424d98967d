package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"skirmish/server/authority"
	"skirmish/server/domain"
	"skirmish/server/settlement"
)

const (
	lookupTimeout = 5 * time.Second
	lookupBuffer  = 64
)

var (
	ErrUnknownSubType = errors.New("unknown match subtype")
	ErrUnauthorized   = errors.New("session token rejected")
	ErrNotHost        = errors.New("match event from non-host session")
)

// TokenVerifier はクライアントが提示したセッショントークンを検証し、subject を返します。
type TokenVerifier interface {
	VerifyToken(raw string) (string, error)
}

// UserSource はIdentify時にユーザーを取得する先です。
type UserSource interface {
	GetUser(ctx context.Context, userID string) (settlement.User, error)
}

type member struct {
	userID string
	// host は試合イベントの送信を許可されたセッションです。
	host bool
	// lookup は進行中の取得を識別します。古い取得結果は捨てます。
	lookup uint64
}

type userLookup struct {
	sessionID domain.SessionID
	seq       uint64
	user      settlement.User
	err       error
}

// BattleApplication は試合イベントを精算エンジンへ流し込むルームアプリケーションです。
// ルームのtickゴルーチンからのみ呼ばれます。
type BattleApplication struct {
	engine  *settlement.Engine
	users   UserSource
	tokens  TokenVerifier
	members map[domain.SessionID]*member
	seq     uint64
	lookups chan userLookup
}

var _ domain.Application = (*BattleApplication)(nil)

func NewBattleApplication(engine *settlement.Engine, users UserSource, tokens TokenVerifier) (*BattleApplication, error) {
	if engine == nil || users == nil || tokens == nil {
		return nil, errors.New("application: missing dependencies")
	}
	return &BattleApplication{
		engine:  engine,
		users:   users,
		tokens:  tokens,
		members: make(map[domain.SessionID]*member),
		lookups: make(chan userLookup, lookupBuffer),
	}, nil
}

func (app *BattleApplication) OnJoin(ctx context.Context, sessionID domain.SessionID) {
	app.members[sessionID] = &member{}
	slog.DebugContext(ctx, "player joined", "sessionID", sessionID)
}

func (app *BattleApplication) OnLeave(ctx context.Context, sessionID domain.SessionID) {
	delete(app.members, sessionID)
	app.engine.Disconnect(ctx, connOf(sessionID))
	slog.DebugContext(ctx, "player left", "sessionID", sessionID)
}

func (app *BattleApplication) HandleMessage(ctx context.Context, sessionID domain.SessionID, data []byte) error {
	_, payloadHeader, payload, err := domain.SplitMessage(data)
	if err != nil {
		return err
	}
	if payloadHeader.DataType != domain.DataTypeMatch {
		slog.DebugContext(ctx, "ignored non-match message", "sessionID", sessionID, "dataType", payloadHeader.DataType)
		return nil
	}

	sub := domain.MatchSubType(payloadHeader.SubType)
	switch sub {
	case domain.MatchSubTypeIdentify:
		return app.handleIdentify(ctx, sessionID, payload)
	case domain.MatchSubTypeHost:
		return app.handleHost(ctx, sessionID, payload)
	case domain.MatchSubTypeSpawn:
		return app.handleSpawn(sessionID, payload)
	}

	// 残りは試合の進行イベントで、ホストだけが送れる
	if m, ok := app.members[sessionID]; !ok || !m.host {
		slog.WarnContext(ctx, "rejected match event from non-host session", "sessionID", sessionID, "subType", sub)
		return fmt.Errorf("%w: subtype %d", ErrNotHost, sub)
	}
	switch sub {
	case domain.MatchSubTypeHit:
		return app.handleHit(payload)
	case domain.MatchSubTypeKill:
		return app.handleKill(payload)
	case domain.MatchSubTypeRoundEnd:
		return app.handleRoundEnd(ctx, payload)
	case domain.MatchSubTypeDuelEnd:
		return app.handleDuelEnd(ctx, payload)
	case domain.MatchSubTypeWarmupTick:
		return app.handleWarmupTick(ctx, payload)
	case domain.MatchSubTypeWarmupEnded:
		app.engine.ResetPeriod()
		slog.InfoContext(ctx, "warmup ended, period reset")
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownSubType, payloadHeader.SubType)
	}
}

// handleIdentify はユーザーの取得をバックグラウンドで開始します。結果は Tick で反映されます。
func (app *BattleApplication) handleIdentify(ctx context.Context, sessionID domain.SessionID, payload []byte) error {
	p, err := domain.ParseIdentifyPayload(payload)
	if err != nil {
		return err
	}
	m, ok := app.members[sessionID]
	if !ok {
		return nil
	}
	userID := uuid.UUID(p.UserID).String()
	subject, err := app.tokens.VerifyToken(p.Token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if subject != userID {
		return fmt.Errorf("%w: token issued for another user", ErrUnauthorized)
	}
	app.seq++
	m.userID = userID
	m.lookup = app.seq

	lookup := userLookup{sessionID: sessionID, seq: app.seq}
	go func() {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		lookup.user, lookup.err = app.users.GetUser(lctx, userID)
		app.lookups <- lookup
	}()
	return nil
}

// handleHost はホスト用トークンを提示したセッションに試合イベントの送信を許可します。
func (app *BattleApplication) handleHost(ctx context.Context, sessionID domain.SessionID, payload []byte) error {
	p, err := domain.ParseHostPayload(payload)
	if err != nil {
		return err
	}
	m, ok := app.members[sessionID]
	if !ok {
		return nil
	}
	subject, err := app.tokens.VerifyToken(p.Token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if subject != authority.MatchHostSubject {
		return fmt.Errorf("%w: not a host token", ErrUnauthorized)
	}
	m.host = true
	slog.InfoContext(ctx, "match host registered", "sessionID", sessionID)
	return nil
}

func (app *BattleApplication) handleSpawn(sessionID domain.SessionID, payload []byte) error {
	p, err := domain.ParseSpawnPayload(payload)
	if err != nil {
		return err
	}
	side := settlement.Side(p.Side)
	if side > settlement.SideAttacker {
		return fmt.Errorf("invalid side %d", p.Side)
	}
	return app.engine.Spawn(connOf(sessionID), side)
}

func (app *BattleApplication) handleHit(payload []byte) error {
	p, err := domain.ParseHitPayload(payload)
	if err != nil {
		return err
	}
	app.engine.RegisterHit(connOf(p.Victim), connOf(p.Attacker), int(p.Damage), int(p.MaxHealth))
	return nil
}

func (app *BattleApplication) handleKill(payload []byte) error {
	p, err := domain.ParseKillPayload(payload)
	if err != nil {
		return err
	}
	app.engine.RegisterKill(connOf(p.Victim), optionalConn(p.Killer), optionalConn(p.Assister))
	return nil
}

func (app *BattleApplication) handleRoundEnd(ctx context.Context, payload []byte) error {
	p, err := domain.ParseRoundEndPayload(payload)
	if err != nil {
		return err
	}
	params, err := roundParams(p)
	if err != nil {
		return err
	}
	return app.settle(ctx, params)
}

func roundParams(p *domain.RoundEndPayload) (settlement.SettleParams, error) {
	side := settlement.Side(p.ValourSide)
	if side > settlement.SideAttacker {
		return settlement.SettleParams{}, fmt.Errorf("invalid valour side %d", p.ValourSide)
	}
	params := settlement.SettleParams{
		DurationRewarded:       time.Duration(p.DurationMs) * time.Millisecond,
		DefenderMultiplierGain: int(p.DefenderGain),
		AttackerMultiplierGain: int(p.AttackerGain),
		ValourSide:             side,
		SkipStats:              p.Flags&domain.RoundFlagSkipStats != 0,
	}
	if p.Flags&domain.RoundFlagUpkeep != 0 {
		upkeep := time.Duration(p.UpkeepMs) * time.Millisecond
		params.DurationUpkeep = &upkeep
	}
	if p.ConstantMultiplier != 0 {
		constant := int(p.ConstantMultiplier)
		params.ConstantMultiplier = &constant
	}
	return params, nil
}

func (app *BattleApplication) handleDuelEnd(ctx context.Context, payload []byte) error {
	p, err := domain.ParseDuelEndPayload(payload)
	if err != nil {
		return err
	}
	_, err = app.engine.SettleDuel(ctx, connOf(p.Winner), connOf(p.Loser))
	return err
}

// handleWarmupTick はウォームアップ中の定期報酬です。倍率1固定で、損耗と戦績の更新はしません。
func (app *BattleApplication) handleWarmupTick(ctx context.Context, payload []byte) error {
	p, err := domain.ParseWarmupTickPayload(payload)
	if err != nil {
		return err
	}
	one := settlement.MinRewardMultiplier
	var noUpkeep time.Duration
	return app.settle(ctx, settlement.SettleParams{
		DurationRewarded:   time.Duration(p.DurationMs) * time.Millisecond,
		DurationUpkeep:     &noUpkeep,
		ConstantMultiplier: &one,
		SkipStats:          true,
	})
}

func (app *BattleApplication) settle(ctx context.Context, p settlement.SettleParams) error {
	_, err := app.engine.Settle(ctx, p)
	if errors.Is(err, settlement.ErrNothingToSettle) {
		slog.DebugContext(ctx, "settlement skipped, no connections")
		return nil
	}
	return err
}

// Tick は取得済みのユーザーを登録し、完了した精算を反映します。
func (app *BattleApplication) Tick(ctx context.Context) []byte {
LOOKUP_LOOP:
	for {
		select {
		case l := <-app.lookups:
			app.applyLookup(ctx, l)
		default:
			break LOOKUP_LOOP
		}
	}
	app.engine.Poll(ctx)
	return nil
}

func (app *BattleApplication) applyLookup(ctx context.Context, l userLookup) {
	m, ok := app.members[l.sessionID]
	if !ok || m.lookup != l.seq {
		return
	}
	if l.err != nil {
		slog.WarnContext(ctx, "failed to load user", "sessionID", l.sessionID, "userID", m.userID, "err", l.err)
		return
	}
	app.engine.Connect(ctx, connOf(l.sessionID), l.user)
	slog.InfoContext(ctx, "player identified", "sessionID", l.sessionID, "userID", l.user.ID, "character", l.user.Character.ID)
}

// Flush は送信中の精算を待って反映します。ルーム停止後に呼び出してください。
func (app *BattleApplication) Flush(ctx context.Context) error {
	return app.engine.Flush(ctx)
}

func optionalConn(id domain.SessionID) settlement.ConnID {
	if id.IsEmpty() {
		return ""
	}
	return connOf(id)
}
