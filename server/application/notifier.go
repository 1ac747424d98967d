package application

import (
	"context"
	"log/slog"

	"skirmish/server/domain"
	"skirmish/server/settlement"
)

// Outbox はルームの送信キューです。*domain.Room が実装します。
type Outbox interface {
	EnqueueSendTo(ctx context.Context, sessionID domain.SessionID, data []byte) error
	EnqueueKick(ctx context.Context, sessionID domain.SessionID, reason string) error
}

// RoomNotifier は精算結果をバイナリメッセージにしてルーム経由でクライアントへ送ります。
type RoomNotifier struct {
	out Outbox
}

var _ settlement.Notifier = (*RoomNotifier)(nil)

func NewRoomNotifier(out Outbox) *RoomNotifier {
	return &RoomNotifier{out: out}
}

func (n *RoomNotifier) RewardApplied(ctx context.Context, conn settlement.ConnID, notice settlement.RewardNotice) {
	p := domain.RewardAppliedPayload{
		Experience:    notice.Experience,
		Gold:          notice.Gold,
		RepairCost:    notice.RepairCost,
		Compensation:  notice.Compensation,
		Multiplier:    uint8(notice.Multiplier),
		BrokenItemIDs: encodableItemIDs(notice.BrokenItemIDs),
	}
	if notice.Valorous {
		p.Flags |= domain.RewardFlagValorous
	}
	if notice.LowPopulation {
		p.Flags |= domain.RewardFlagLowPopulation
	}
	data, err := p.Encode()
	if err != nil {
		slog.WarnContext(ctx, "failed to encode reward notice", "conn", conn, "err", err)
		return
	}
	n.send(ctx, conn, domain.SettlementSubTypeRewardApplied, data)
}

// encodableItemIDs は1通に載せられる分だけ壊れたアイテムIDを残します。
func encodableItemIDs(ids []string) []string {
	out := make([]string, 0, min(len(ids), domain.MaxBrokenItemsPerMessage))
	for _, id := range ids {
		if len(out) == domain.MaxBrokenItemsPerMessage {
			break
		}
		if len(id) > domain.MaxItemIDLength {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (n *RoomNotifier) SettlementFailed(ctx context.Context, conn settlement.ConnID) {
	n.send(ctx, conn, domain.SettlementSubTypeFailed, nil)
}

func (n *RoomNotifier) DuelResult(ctx context.Context, conn settlement.ConnID, notice settlement.DuelNotice) {
	p := domain.DuelResultPayload{Won: notice.Won, RatingDelta: float32(notice.RatingDelta)}
	n.send(ctx, conn, domain.SettlementSubTypeDuelResult, p.Encode())
}

func (n *RoomNotifier) HappyHourChanged(ctx context.Context, conn settlement.ConnID, active bool) {
	p := domain.HappyHourPayload{Active: active}
	n.send(ctx, conn, domain.SettlementSubTypeHappyHour, p.Encode())
}

func (n *RoomNotifier) Kick(ctx context.Context, conn settlement.ConnID, reason string) {
	sessionID, ok := sessionOf(ctx, conn)
	if !ok {
		return
	}
	if err := n.out.EnqueueKick(ctx, sessionID, reason); err != nil {
		slog.WarnContext(ctx, "failed to enqueue kick", "conn", conn, "err", err)
	}
}

func (n *RoomNotifier) send(ctx context.Context, conn settlement.ConnID, subType domain.SettlementSubType, payload []byte) {
	sessionID, ok := sessionOf(ctx, conn)
	if !ok {
		return
	}
	msg := domain.EncodeMessage(sessionID, domain.DataTypeSettlement, uint8(subType), payload)
	if err := n.out.EnqueueSendTo(ctx, sessionID, msg); err != nil {
		slog.WarnContext(ctx, "failed to enqueue settlement notice", "conn", conn, "subType", subType, "err", err)
	}
}

func connOf(sessionID domain.SessionID) settlement.ConnID {
	return settlement.ConnID(sessionID.String())
}

func sessionOf(ctx context.Context, conn settlement.ConnID) (domain.SessionID, bool) {
	sessionID, err := domain.ParseSessionID(string(conn))
	if err != nil {
		slog.WarnContext(ctx, "connection id is not a session id", "conn", conn, "err", err)
		return domain.SessionID{}, false
	}
	return sessionID, true
}
