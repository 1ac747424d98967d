package domain

import (
	"errors"
	"math"
)

// MatchSubType は試合イベントのサブタイプ
type MatchSubType uint8

const (
	MatchSubTypeIdentify    MatchSubType = 1
	MatchSubTypeSpawn       MatchSubType = 2
	MatchSubTypeHit         MatchSubType = 3
	MatchSubTypeKill        MatchSubType = 4
	MatchSubTypeRoundEnd    MatchSubType = 5
	MatchSubTypeDuelEnd     MatchSubType = 6
	MatchSubTypeWarmupTick  MatchSubType = 7
	MatchSubTypeWarmupEnded MatchSubType = 8
	MatchSubTypeHost        MatchSubType = 9
)

// SettlementSubType は精算通知のサブタイプ
type SettlementSubType uint8

const (
	SettlementSubTypeRewardApplied SettlementSubType = 1
	SettlementSubTypeFailed        SettlementSubType = 2
	SettlementSubTypeDuelResult    SettlementSubType = 3
	SettlementSubTypeHappyHour     SettlementSubType = 4
)

const (
	IdentifyPayloadSize      = 18
	HostPayloadSize          = 2
	SpawnPayloadSize         = 1
	HitPayloadSize           = 36
	KillPayloadSize          = 48
	RoundEndPayloadSize      = 13
	DuelEndPayloadSize       = 32
	WarmupTickPayloadSize    = 4
	DuelResultPayloadSize    = 5
	HappyHourPayloadSize     = 1
	rewardAppliedFixedSize   = 35
	MaxBrokenItemsPerMessage = 255
	MaxItemIDLength          = 255
	MaxTokenLength           = 4096
)

var (
	ErrInvalidIdentifyPayloadSize = errors.New("invalid identify payload size")
	ErrInvalidHostPayloadSize     = errors.New("invalid host payload size")
	ErrInvalidSpawnPayloadSize    = errors.New("invalid spawn payload size")
	ErrInvalidHitPayloadSize      = errors.New("invalid hit payload size")
	ErrInvalidKillPayloadSize     = errors.New("invalid kill payload size")
	ErrInvalidRoundEndPayloadSize = errors.New("invalid round end payload size")
	ErrInvalidDuelEndPayloadSize  = errors.New("invalid duel end payload size")
	ErrInvalidWarmupPayloadSize   = errors.New("invalid warmup tick payload size")
	ErrInvalidRewardPayloadSize   = errors.New("invalid reward applied payload size")
)

// IdentifyPayload はセッションとユーザーを紐付ける (18バイト + トークン)
//
//	userID   [16]byte - ユーザーID (UUID)
//	tokenLen u16
//	token    セッショントークン (subject がユーザーIDと一致すること)
type IdentifyPayload struct {
	UserID [16]byte
	Token  string
}

func ParseIdentifyPayload(data []byte) (*IdentifyPayload, error) {
	if len(data) < IdentifyPayloadSize {
		return nil, ErrInvalidIdentifyPayloadSize
	}
	var p IdentifyPayload
	copy(p.UserID[:], data[:16])
	token, err := readLongString(data[16:])
	if err != nil {
		return nil, err
	}
	p.Token = token
	return &p, nil
}

func (p *IdentifyPayload) Encode() ([]byte, error) {
	if len(p.Token) > MaxTokenLength {
		return nil, ErrPayloadTooLarge
	}
	data := make([]byte, IdentifyPayloadSize, IdentifyPayloadSize+len(p.Token))
	copy(data[:16], p.UserID[:])
	byteOrder.PutUint16(data[16:18], uint16(len(p.Token)))
	return append(data, p.Token...), nil
}

// HostPayload はセッションを試合ホストとして登録する (2バイト + トークン)
//
//	tokenLen u16
//	token    subject が試合ホストのセッショントークン
type HostPayload struct {
	Token string
}

func ParseHostPayload(data []byte) (*HostPayload, error) {
	if len(data) < HostPayloadSize {
		return nil, ErrInvalidHostPayloadSize
	}
	token, err := readLongString(data)
	if err != nil {
		return nil, err
	}
	return &HostPayload{Token: token}, nil
}

func (p *HostPayload) Encode() ([]byte, error) {
	if len(p.Token) > MaxTokenLength {
		return nil, ErrPayloadTooLarge
	}
	data := make([]byte, HostPayloadSize, HostPayloadSize+len(p.Token))
	byteOrder.PutUint16(data, uint16(len(p.Token)))
	return append(data, p.Token...), nil
}

// readLongString は長さ2バイト + 本体の文字列を読む
func readLongString(data []byte) (string, error) {
	n := int(byteOrder.Uint16(data[:2]))
	if n > MaxTokenLength || len(data) < 2+n {
		return "", ErrInvalidPayloadSize
	}
	return string(data[2 : 2+n]), nil
}

// SpawnPayload は送信者のスポーン (1バイト)
//
//	side u8 - 0: 観戦, 1: 防衛側, 2: 攻撃側
type SpawnPayload struct {
	Side uint8
}

func ParseSpawnPayload(data []byte) (*SpawnPayload, error) {
	if len(data) < SpawnPayloadSize {
		return nil, ErrInvalidSpawnPayloadSize
	}
	return &SpawnPayload{Side: data[0]}, nil
}

func (p *SpawnPayload) Encode() []byte {
	return []byte{p.Side}
}

// HitPayload はダメージ発生 (36バイト)
//
//	victim    [16]byte
//	attacker  [16]byte
//	damage    u16
//	maxHealth u16 - 被害者の最大HP
type HitPayload struct {
	Victim    SessionID
	Attacker  SessionID
	Damage    uint16
	MaxHealth uint16
}

func ParseHitPayload(data []byte) (*HitPayload, error) {
	if len(data) < HitPayloadSize {
		return nil, ErrInvalidHitPayloadSize
	}
	var p HitPayload
	copy(p.Victim[:], data[0:16])
	copy(p.Attacker[:], data[16:32])
	p.Damage = byteOrder.Uint16(data[32:34])
	p.MaxHealth = byteOrder.Uint16(data[34:36])
	return &p, nil
}

func (p *HitPayload) Encode() []byte {
	data := make([]byte, HitPayloadSize)
	copy(data[0:16], p.Victim[:])
	copy(data[16:32], p.Attacker[:])
	byteOrder.PutUint16(data[32:34], p.Damage)
	byteOrder.PutUint16(data[34:36], p.MaxHealth)
	return data
}

// KillPayload は撃破 (48バイト)。killer と assister はゼロ値なら不在
type KillPayload struct {
	Victim   SessionID
	Killer   SessionID
	Assister SessionID
}

func ParseKillPayload(data []byte) (*KillPayload, error) {
	if len(data) < KillPayloadSize {
		return nil, ErrInvalidKillPayloadSize
	}
	var p KillPayload
	copy(p.Victim[:], data[0:16])
	copy(p.Killer[:], data[16:32])
	copy(p.Assister[:], data[32:48])
	return &p, nil
}

func (p *KillPayload) Encode() []byte {
	data := make([]byte, KillPayloadSize)
	copy(data[0:16], p.Victim[:])
	copy(data[16:32], p.Killer[:])
	copy(data[32:48], p.Assister[:])
	return data
}

const (
	RoundFlagSkipStats uint8 = 1 << 0
	RoundFlagUpkeep    uint8 = 1 << 1
)

// RoundEndPayload はラウンド終了 (13バイト)
//
//	durationMs          u32
//	defenderGain        i8
//	attackerGain        i8
//	valourSide          u8 - 0 なら勇敢賞なし
//	constantMultiplier  u8 - 0 なら指定なし
//	flags               u8 - bit0: skipStats, bit1: upkeepMs が有効
//	upkeepMs            u32
type RoundEndPayload struct {
	DurationMs         uint32
	DefenderGain       int8
	AttackerGain       int8
	ValourSide         uint8
	ConstantMultiplier uint8
	Flags              uint8
	UpkeepMs           uint32
}

func ParseRoundEndPayload(data []byte) (*RoundEndPayload, error) {
	if len(data) < RoundEndPayloadSize {
		return nil, ErrInvalidRoundEndPayloadSize
	}
	return &RoundEndPayload{
		DurationMs:         byteOrder.Uint32(data[0:4]),
		DefenderGain:       int8(data[4]),
		AttackerGain:       int8(data[5]),
		ValourSide:         data[6],
		ConstantMultiplier: data[7],
		Flags:              data[8],
		UpkeepMs:           byteOrder.Uint32(data[9:13]),
	}, nil
}

func (p *RoundEndPayload) Encode() []byte {
	data := make([]byte, RoundEndPayloadSize)
	byteOrder.PutUint32(data[0:4], p.DurationMs)
	data[4] = byte(p.DefenderGain)
	data[5] = byte(p.AttackerGain)
	data[6] = p.ValourSide
	data[7] = p.ConstantMultiplier
	data[8] = p.Flags
	byteOrder.PutUint32(data[9:13], p.UpkeepMs)
	return data
}

// DuelEndPayload はデュエル終了 (32バイト)
type DuelEndPayload struct {
	Winner SessionID
	Loser  SessionID
}

func ParseDuelEndPayload(data []byte) (*DuelEndPayload, error) {
	if len(data) < DuelEndPayloadSize {
		return nil, ErrInvalidDuelEndPayloadSize
	}
	var p DuelEndPayload
	copy(p.Winner[:], data[0:16])
	copy(p.Loser[:], data[16:32])
	return &p, nil
}

func (p *DuelEndPayload) Encode() []byte {
	data := make([]byte, DuelEndPayloadSize)
	copy(data[0:16], p.Winner[:])
	copy(data[16:32], p.Loser[:])
	return data
}

// WarmupTickPayload はウォームアップ中の定期報酬 (4バイト)
type WarmupTickPayload struct {
	DurationMs uint32
}

func ParseWarmupTickPayload(data []byte) (*WarmupTickPayload, error) {
	if len(data) < WarmupTickPayloadSize {
		return nil, ErrInvalidWarmupPayloadSize
	}
	return &WarmupTickPayload{DurationMs: byteOrder.Uint32(data[0:4])}, nil
}

func (p *WarmupTickPayload) Encode() []byte {
	data := make([]byte, WarmupTickPayloadSize)
	byteOrder.PutUint32(data, p.DurationMs)
	return data
}

const (
	RewardFlagValorous      uint8 = 1 << 0
	RewardFlagLowPopulation uint8 = 1 << 1
)

// RewardAppliedPayload は報酬確定通知 (35バイト + 壊れたアイテムID)
//
//	experience    i64
//	gold          i64
//	repairCost    i64
//	compensation  i64
//	multiplier    u8
//	flags         u8 - bit0: 勇敢賞, bit1: 低人口
//	brokenCount   u8
//	brokenItems   (u8 長さ + ID) * brokenCount
type RewardAppliedPayload struct {
	Experience    int64
	Gold          int64
	RepairCost    int64
	Compensation  int64
	Multiplier    uint8
	Flags         uint8
	BrokenItemIDs []string
}

func (p *RewardAppliedPayload) Encode() ([]byte, error) {
	if len(p.BrokenItemIDs) > MaxBrokenItemsPerMessage {
		return nil, ErrPayloadTooLarge
	}
	data := make([]byte, rewardAppliedFixedSize, rewardAppliedFixedSize+len(p.BrokenItemIDs)*8)
	byteOrder.PutUint64(data[0:8], uint64(p.Experience))
	byteOrder.PutUint64(data[8:16], uint64(p.Gold))
	byteOrder.PutUint64(data[16:24], uint64(p.RepairCost))
	byteOrder.PutUint64(data[24:32], uint64(p.Compensation))
	data[32] = p.Multiplier
	data[33] = p.Flags
	data[34] = byte(len(p.BrokenItemIDs))
	for _, id := range p.BrokenItemIDs {
		if len(id) > MaxItemIDLength {
			return nil, ErrPayloadTooLarge
		}
		data = append(data, byte(len(id)))
		data = append(data, id...)
	}
	return data, nil
}

func ParseRewardAppliedPayload(data []byte) (*RewardAppliedPayload, error) {
	if len(data) < rewardAppliedFixedSize {
		return nil, ErrInvalidRewardPayloadSize
	}
	p := &RewardAppliedPayload{
		Experience:   int64(byteOrder.Uint64(data[0:8])),
		Gold:         int64(byteOrder.Uint64(data[8:16])),
		RepairCost:   int64(byteOrder.Uint64(data[16:24])),
		Compensation: int64(byteOrder.Uint64(data[24:32])),
		Multiplier:   data[32],
		Flags:        data[33],
	}
	count := int(data[34])
	offset := rewardAppliedFixedSize
	for range count {
		id, n, err := readShortString(data[offset:])
		if err != nil {
			return nil, err
		}
		p.BrokenItemIDs = append(p.BrokenItemIDs, id)
		offset += n
	}
	return p, nil
}

// DuelResultPayload はデュエル結果通知 (5バイト)
//
//	won    u8
//	delta  f32 - レーティング変化量
type DuelResultPayload struct {
	Won         bool
	RatingDelta float32
}

func (p *DuelResultPayload) Encode() []byte {
	data := make([]byte, DuelResultPayloadSize)
	if p.Won {
		data[0] = 1
	}
	byteOrder.PutUint32(data[1:5], math.Float32bits(p.RatingDelta))
	return data
}

func ParseDuelResultPayload(data []byte) (*DuelResultPayload, error) {
	if len(data) < DuelResultPayloadSize {
		return nil, ErrInvalidPayloadSize
	}
	return &DuelResultPayload{
		Won:         data[0] == 1,
		RatingDelta: math.Float32frombits(byteOrder.Uint32(data[1:5])),
	}, nil
}

// HappyHourPayload はハッピーアワーの切り替わり通知 (1バイト)
type HappyHourPayload struct {
	Active bool
}

func (p *HappyHourPayload) Encode() []byte {
	if p.Active {
		return []byte{1}
	}
	return []byte{0}
}

func ParseHappyHourPayload(data []byte) (*HappyHourPayload, error) {
	if len(data) < HappyHourPayloadSize {
		return nil, ErrInvalidPayloadSize
	}
	return &HappyHourPayload{Active: data[0] == 1}, nil
}
