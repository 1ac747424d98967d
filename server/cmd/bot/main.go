// 負荷確認用のボット。全員が同じ部屋に入り、ボット0がホストとして試合イベントを送ります。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"skirmish/server/authority"
	"skirmish/server/domain"
	"skirmish/utils"
)

const (
	spawnDelay  = 500 * time.Millisecond
	hostTick    = 250 * time.Millisecond
	maxHealth   = 100
	defaultSide = 1
)

// roster はホストが参照する、スポーン済みボットの一覧です。
type roster struct {
	mu    sync.Mutex
	sides map[domain.SessionID]uint8
}

func (r *roster) add(id domain.SessionID, side uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sides[id] = side
}

func (r *roster) remove(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sides, id)
}

// pair は陣営の異なる2人をランダムに選びます。
func (r *roster) pair() (victim, attacker domain.SessionID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var defenders, attackers []domain.SessionID
	for id, side := range r.sides {
		if side == defaultSide {
			defenders = append(defenders, id)
		} else {
			attackers = append(attackers, id)
		}
	}
	if len(defenders) == 0 || len(attackers) == 0 {
		return victim, attacker, false
	}
	if rand.IntN(2) == 0 {
		defenders, attackers = attackers, defenders
	}
	return defenders[rand.IntN(len(defenders))], attackers[rand.IntN(len(attackers))], true
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := utils.GetEnvDefault("ADDR", "localhost")
	port := utils.GetEnvDefault("PORT", "9090")
	botCountStr := utils.GetEnvDefault("BOT_COUNT", "6")
	botCount, err := strconv.Atoi(botCountStr)
	if err != nil {
		slog.Error("invalid BOT_COUNT", "value", botCountStr)
		os.Exit(1)
	}
	roundStr := utils.GetEnvDefault("ROUND_INTERVAL", "30s")
	roundInterval, err := time.ParseDuration(roundStr)
	if err != nil {
		slog.Error("invalid ROUND_INTERVAL", "value", roundStr)
		os.Exit(1)
	}

	secret := utils.GetEnvDefault("AUTHORITY_SECRET", "")
	if secret == "" {
		slog.Error("AUTHORITY_SECRET is required")
		os.Exit(1)
	}
	signer := authority.NewSigner([]byte(secret), authority.SessionIssuer)

	serverURL := fmt.Sprintf("ws://%s:%s/ws", addr, port)
	slog.InfoContext(ctx, "starting bots", "count", botCount, "server", serverURL)

	players := &roster{sides: make(map[domain.SessionID]uint8)}
	var wg sync.WaitGroup
	for i := range botCount {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runBot(ctx, serverURL, id, signer, players, roundInterval)
		}(i)
	}

	wg.Wait()
	slog.Info("all bots stopped")
}

func runBot(ctx context.Context, serverURL string, id int, signer *authority.Signer, players *roster, roundInterval time.Duration) {
	logger := slog.With("botID", id)

	for {
		if ctx.Err() != nil {
			return
		}
		err := botSession(ctx, serverURL, id, signer, players, roundInterval, logger)
		if err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "bot session ended, reconnecting", "err", err)
			time.Sleep(2 * time.Second)
		}
	}
}

func botSession(ctx context.Context, serverURL string, id int, signer *authority.Signer, players *roster, roundInterval time.Duration, logger *slog.Logger) error {
	conn, _, err := websocket.Dial(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	logger.InfoContext(ctx, "connected")

	sessionCh := make(chan domain.SessionID, 1)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLoop(ctx, conn, sessionCh, logger)
	}()

	var sessionID domain.SessionID
	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		return err
	case sessionID = <-sessionCh:
	}

	side := uint8(defaultSide + id%2)
	userID := authority.DevUserID(id)
	token, err := signer.Sign(userID.String())
	if err != nil {
		return err
	}
	identify, err := (&domain.IdentifyPayload{UserID: userID, Token: token}).Encode()
	if err != nil {
		return err
	}
	if err := send(ctx, conn, sessionID, domain.MatchSubTypeIdentify, identify); err != nil {
		return err
	}
	// ユーザー取得が終わる前のスポーンは拒否される
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(spawnDelay):
	}
	if err := send(ctx, conn, sessionID, domain.MatchSubTypeSpawn, (&domain.SpawnPayload{Side: side}).Encode()); err != nil {
		return err
	}
	players.add(sessionID, side)
	defer players.remove(sessionID)
	logger.InfoContext(ctx, "spawned", "sessionID", sessionID, "side", side, "userID", userID)

	if id != 0 {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutdown")
			return nil
		case err := <-readErr:
			return err
		}
	}
	token, err = signer.Sign(authority.MatchHostSubject)
	if err != nil {
		return err
	}
	claim, err := (&domain.HostPayload{Token: token}).Encode()
	if err != nil {
		return err
	}
	if err := send(ctx, conn, sessionID, domain.MatchSubTypeHost, claim); err != nil {
		return err
	}
	return host(ctx, conn, sessionID, players, roundInterval, readErr, logger)
}

// host はダメージと撃破をランダムに発生させ、一定間隔でラウンドを終了します。
func host(ctx context.Context, conn *websocket.Conn, sessionID domain.SessionID, players *roster, roundInterval time.Duration, readErr <-chan error, logger *slog.Logger) error {
	ticker := time.NewTicker(hostTick)
	defer ticker.Stop()
	round := time.NewTicker(roundInterval)
	defer round.Stop()
	roundStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutdown")
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			victim, attacker, ok := players.pair()
			if !ok {
				continue
			}
			hit := &domain.HitPayload{
				Victim:    victim,
				Attacker:  attacker,
				Damage:    uint16(5 + rand.IntN(30)),
				MaxHealth: maxHealth,
			}
			if err := send(ctx, conn, sessionID, domain.MatchSubTypeHit, hit.Encode()); err != nil {
				return err
			}
			if rand.IntN(10) == 0 {
				kill := &domain.KillPayload{Victim: victim, Killer: attacker}
				if err := send(ctx, conn, sessionID, domain.MatchSubTypeKill, kill.Encode()); err != nil {
					return err
				}
			}
		case now := <-round.C:
			end := &domain.RoundEndPayload{
				DurationMs:   uint32(now.Sub(roundStart).Milliseconds()),
				DefenderGain: 1,
				AttackerGain: -1,
				ValourSide:   uint8(defaultSide + rand.IntN(2)),
				Flags:        domain.RoundFlagUpkeep,
				UpkeepMs:     uint32(now.Sub(roundStart).Milliseconds()),
			}
			if end.ValourSide != defaultSide {
				end.DefenderGain, end.AttackerGain = -1, 1
			}
			if err := send(ctx, conn, sessionID, domain.MatchSubTypeRoundEnd, end.Encode()); err != nil {
				return err
			}
			logger.InfoContext(ctx, "round ended", "valourSide", end.ValourSide)
			roundStart = now
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, sessionCh chan<- domain.SessionID, logger *slog.Logger) error {
	var sessionID domain.SessionID
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		header, payloadHeader, payload, err := domain.SplitMessage(data)
		if err != nil {
			continue
		}

		switch payloadHeader.DataType {
		case domain.DataTypeControl:
			switch domain.ControlSubType(payloadHeader.SubType) {
			case domain.ControlSubTypeAssign:
				sessionID = domain.SessionIDFromBytes(header.SessionID)
				logger.InfoContext(ctx, "session assigned", "sessionID", sessionID)
				if err := conn.Write(ctx, websocket.MessageBinary, domain.EncodeJoinMessage(sessionID, domain.RoomID{})); err != nil {
					return fmt.Errorf("join: %w", err)
				}
				sessionCh <- sessionID
			case domain.ControlSubTypePing:
				if err := conn.Write(ctx, websocket.MessageBinary, domain.EncodePongMessage(sessionID)); err != nil {
					return fmt.Errorf("pong: %w", err)
				}
			case domain.ControlSubTypeKick:
				kick, err := domain.ParseKickPayload(payload)
				if err == nil {
					logger.WarnContext(ctx, "kicked", "reason", kick.Reason)
				}
			}
		case domain.DataTypeSettlement:
			logSettlement(ctx, domain.SettlementSubType(payloadHeader.SubType), payload, logger)
		}
	}
}

func logSettlement(ctx context.Context, subType domain.SettlementSubType, payload []byte, logger *slog.Logger) {
	switch subType {
	case domain.SettlementSubTypeRewardApplied:
		p, err := domain.ParseRewardAppliedPayload(payload)
		if err != nil {
			return
		}
		logger.InfoContext(ctx, "reward applied",
			"experience", p.Experience,
			"gold", p.Gold,
			"repairCost", p.RepairCost,
			"compensation", p.Compensation,
			"multiplier", p.Multiplier,
			"broken", p.BrokenItemIDs,
		)
	case domain.SettlementSubTypeFailed:
		logger.WarnContext(ctx, "settlement failed")
	case domain.SettlementSubTypeDuelResult:
		if p, err := domain.ParseDuelResultPayload(payload); err == nil {
			logger.InfoContext(ctx, "duel result", "won", p.Won, "delta", p.RatingDelta)
		}
	case domain.SettlementSubTypeHappyHour:
		if p, err := domain.ParseHappyHourPayload(payload); err == nil {
			logger.InfoContext(ctx, "happy hour", "active", p.Active)
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, sessionID domain.SessionID, subType domain.MatchSubType, payload []byte) error {
	msg := domain.EncodeMessage(sessionID, domain.DataTypeMatch, uint8(subType), payload)
	if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
