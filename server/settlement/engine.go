package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"skirmish/utils"
)

const (
	KickReasonTournament = "tournament characters are not allowed on this server"
	KickReasonDuplicate  = "signed in from another connection"

	completionBuffer = 64
)

// Config は精算エンジンの設定です。
type Config struct {
	// Region はサーバーの地域です。空なら全プレイヤーを同一地域として扱います。
	Region string
	// LowPopulationThreshold 未満のスポーン人数では装備の損耗を行いません。
	LowPopulationThreshold int
	// VeryLowPopulationThreshold 未満のスポーン人数では倍率を1に固定し、勇敢賞を選びません。
	VeryLowPopulationThreshold int

	ExperiencePerSecond float64
	GoldPerSecond       float64
	BreakProbability    float64
	RepairRatePerSecond float64
	Tau                 float64
	// KillScore は敵を倒した時に加算する勇敢賞スコアです。
	KillScore int

	TournamentAllowed bool
	HappyHour         HappyHour
	Retry             RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		LowPopulationThreshold:     6,
		VeryLowPopulationThreshold: 2,
		ExperiencePerSecond:        10,
		GoldPerSecond:              1,
		BreakProbability:           0.03,
		RepairRatePerSecond:        0.00005,
		Tau:                        DefaultTau,
		KillScore:                  100,
		HappyHour:                  HappyHour{Factor: 1},
		Retry:                      DefaultRetryPolicy(),
	}
}

// SettleParams はラウンド・ステージ・ウォームアップの精算トリガーです。
type SettleParams struct {
	DurationRewarded time.Duration
	// DurationUpkeep は損耗計算に使う時間です。nil なら DurationRewarded を使います。
	DurationUpkeep         *time.Duration
	DefenderMultiplierGain int
	AttackerMultiplierGain int
	ValourSide             Side
	// ConstantMultiplier が指定されると倍率はこの値に固定されます。
	ConstantMultiplier *int
	// SkipStats が true なら戦績とレーティングを送らず、集計もリセットしません。
	SkipStats bool
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithRoller(r Roller) Option {
	return func(e *Engine) { e.roller = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// Engine はルーム1つ分の報酬・レーティング精算を管理します。
// Submit 以外の全ての操作はルームのtickゴルーチンから呼び出してください。
type Engine struct {
	cfg       Config
	authority Authority
	notifier  Notifier
	clock     Clock
	roller    Roller
	tracer    trace.Tracer
	meter     metric.Meter
	metrics   *engineMetrics

	registry *Registry
	stats    *PeriodStatsAccumulator
	hits     *HitCompensationRegistry
	ratings  *RatingEngine
	wear     *WearSimulator

	state           TxState
	happyHourActive bool
	seq             uint64

	completions chan completion
	inflight    sync.WaitGroup
}

func NewEngine(cfg Config, authority Authority, notifier Notifier, opts ...Option) (*Engine, error) {
	if authority == nil || notifier == nil {
		return nil, errors.New("settlement: missing dependencies")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 1
	}

	e := &Engine{
		cfg:         cfg,
		authority:   authority,
		notifier:    notifier,
		clock:       realClock{},
		roller:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
		state:       StateIdle,
		completions: make(chan completion, completionBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}

	metrics, err := newEngineMetrics(e.meter)
	if err != nil {
		return nil, err
	}
	e.metrics = metrics

	now := e.clock.Now()
	e.registry = NewRegistry()
	e.stats = NewPeriodStatsAccumulator(now)
	e.hits = NewHitCompensationRegistry()
	e.ratings = NewRatingEngine(cfg.Tau)
	e.wear = NewWearSimulator(cfg.BreakProbability, cfg.RepairRatePerSecond, e.roller)
	return e, nil
}

func (e *Engine) State() TxState { return e.state }

// Connection は接続状態のコピーを返します。
func (e *Engine) Connection(conn ConnID) (ConnectionState, bool) {
	c, ok := e.registry.Get(conn)
	if !ok {
		return ConnectionState{}, false
	}
	return *c, true
}

func (e *Engine) Connections() int { return e.registry.Len() }

// Connect はリモートから取得したユーザーで接続を登録します。
// 同じユーザーが別の接続で登録済みなら、古い接続を切り離してキックします。
func (e *Engine) Connect(ctx context.Context, conn ConnID, user User) {
	if old, ok := e.registry.UserConnection(user.ID); ok && old.ID != conn {
		e.Disconnect(ctx, old.ID)
		e.notifier.Kick(ctx, old.ID, KickReasonDuplicate)
		slog.WarnContext(ctx, "duplicate user connection replaced", "user", user.ID, "old", old.ID, "conn", conn)
	}
	e.registry.Connect(conn, user, e.clock.Now())
	if e.state == StateIdle {
		e.state = StateAccumulating
	}
	if e.happyHourActive {
		e.notifier.HappyHourChanged(ctx, conn, true)
	}
	slog.DebugContext(ctx, "settlement connection registered", "conn", conn, "user", user.ID)
}

// Disconnect は接続とその接続の今期の寄与を捨てます。送信中の精算は取り消しません。
func (e *Engine) Disconnect(ctx context.Context, conn ConnID) {
	c, ok := e.registry.Get(conn)
	if !ok {
		return
	}
	e.registry.Disconnect(conn)
	e.stats.Forget(conn)
	e.hits.Forget(conn)
	if id := c.User.Character.ID; id != "" {
		e.ratings.Forget(id)
	}
	if e.registry.Len() == 0 {
		e.state = StateIdle
	}
	slog.DebugContext(ctx, "settlement connection dropped", "conn", conn)
}

// Spawn はスポーン時の陣営と装備を記録します。SideNone は観戦扱いです。
func (e *Engine) Spawn(conn ConnID, side Side) error {
	c, ok := e.registry.Get(conn)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, conn)
	}
	if side == SideNone {
		c.LastSpawn = nil
		return nil
	}
	c.LastSpawn = &SpawnSnapshot{
		Side:      side,
		Equipment: slices.Clone(c.User.Character.Equipment),
		SpawnedAt: e.clock.Now(),
	}
	return nil
}

func (e *Engine) Spectate(conn ConnID) error {
	return e.Spawn(conn, SideNone)
}

// RegisterHit はダメージを記録します。味方への攻撃は補償に、敵への攻撃はスコアとレーティングに反映されます。
func (e *Engine) RegisterHit(victim, attacker ConnID, damage, victimMaxHealth int) {
	if victim == attacker || damage <= 0 || victimMaxHealth <= 0 {
		return
	}
	v, ok := e.registry.Get(victim)
	if !ok || !v.Spawned() {
		return
	}
	a, ok := e.registry.Get(attacker)
	if !ok || !a.Spawned() {
		return
	}

	if v.LastSpawn.Side == a.LastSpawn.Side {
		e.hits.RegisterHit(victim, attacker, damage, victimMaxHealth)
		return
	}

	e.stats.AddScore(attacker, damage)
	e.recordEngagement(a, v, damage, victimMaxHealth)
}

func (e *Engine) recordEngagement(attacker, victim *ConnectionState, damage, victimMaxHealth int) {
	if !e.inRegion(attacker.User) || !e.inRegion(victim.User) {
		return
	}
	ac, vc := attacker.User.Character, victim.User.Character
	if ac.ID == "" || vc.ID == "" || ac.ID == vc.ID {
		return
	}
	ratio := utils.Clamp(float64(damage)/float64(victimMaxHealth), 0, 1)
	e.ratings.AddParticipant(ac.ID, attacker.Rating())
	e.ratings.AddParticipant(vc.ID, victim.Rating())
	e.ratings.AddResult(ac.ID, vc.ID, 0.5+0.5*ratio)
}

// RegisterKill は撃破を記録します。killer と assister は空でも構いません。
func (e *Engine) RegisterKill(victim, killer, assister ConnID) {
	v, ok := e.registry.Get(victim)
	if !ok {
		return
	}
	e.stats.AddDeath(victim)

	if e.isEnemyOf(v, killer) {
		e.stats.AddKill(killer)
		e.stats.AddScore(killer, e.cfg.KillScore)
	}
	if assister != killer && e.isEnemyOf(v, assister) {
		e.stats.AddAssist(assister)
	}
}

func (e *Engine) isEnemyOf(victim *ConnectionState, other ConnID) bool {
	if other == "" || other == victim.ID {
		return false
	}
	o, ok := e.registry.Get(other)
	if !ok || !o.Spawned() || !victim.Spawned() {
		return false
	}
	return o.LastSpawn.Side != victim.LastSpawn.Side
}

func (e *Engine) inRegion(u User) bool {
	return e.cfg.Region == "" || u.Region == e.cfg.Region
}

// ResetPeriod は集計中の戦績・補償・対戦結果を全て捨てます。ウォームアップ終了時に使います。
func (e *Engine) ResetPeriod() {
	e.stats.Reset(e.clock.Now())
	e.hits.Reset()
	e.ratings.Reset()
}

// Settle は現在の接続全員分の精算を確定し、非同期で送信します。
// 集計は送信前に同期的にリセットされるため、戻った時点で次の期間の集計が始まっています。
func (e *Engine) Settle(ctx context.Context, p SettleParams) (string, error) {
	conns := e.registry.All()
	if len(conns) == 0 {
		return "", ErrNothingToSettle
	}
	e.state = StateSnapshotting
	now := e.clock.Now()

	playing := e.registry.Playing()
	veryLow := playing < e.cfg.VeryLowPopulationThreshold
	lowPop := playing < e.cfg.LowPopulationThreshold

	constant := p.ConstantMultiplier
	if veryLow {
		one := MinRewardMultiplier
		constant = &one
	}

	rewarded := max(p.DurationRewarded, 0)
	upkeep := rewarded
	if p.DurationUpkeep != nil {
		upkeep = max(*p.DurationUpkeep, 0)
	}

	var ratings map[string]PlayerRating
	if !p.SkipStats {
		ratings = e.ratings.UpdateAll()
	}

	broken := make(map[ConnID][]BrokenItem)
	repairCost := make(map[ConnID]int64)
	if !lowPop {
		for _, c := range conns {
			if !c.Spawned() {
				continue
			}
			items := e.wear.Simulate(c.LastSpawn.Equipment, upkeep)
			if len(items) == 0 {
				continue
			}
			broken[c.ID] = items
			for _, it := range items {
				repairCost[c.ID] += it.RepairCost
			}
		}
	}
	compensation := e.hits.ComputeCompensation(repairCost)

	valorous := make(map[ConnID]bool)
	if !veryLow && p.ValourSide != SideNone {
		var candidates []ValorCandidate
		for _, c := range conns {
			if c.Spawned() && c.LastSpawn.Side == p.ValourSide {
				candidates = append(candidates, ValorCandidate{Conn: c.ID, Score: e.stats.Score(c.ID)})
			}
		}
		for _, id := range SelectValorous(candidates) {
			valorous[id] = true
		}
	}

	factor := e.cfg.HappyHour.FactorAt(now)
	seconds := decimal.NewFromFloat(rewarded.Seconds())

	e.seq++
	tx := &transaction{
		seq:       e.seq,
		kind:      kindRound,
		state:     StateSnapshotting,
		startedAt: now,
		batch:     Batch{IdempotencyToken: uuid.NewString()},
	}
	for _, c := range conns {
		update := UserUpdate{
			UserID:      c.User.ID,
			CharacterID: c.User.Character.ID,
		}
		if !p.SkipStats {
			update.Statistics = e.stats.Snapshot(c.ID, c.ConnectedAt, now)
			rating := c.Rating()
			if r, ok := ratings[c.User.Character.ID]; ok {
				rating = r
			}
			update.Rating = &rating
			c.project(rating, tx.seq)
		}

		player := pendingPlayer{
			conn:          c.ID,
			userID:        c.User.ID,
			lowPopulation: veryLow,
		}
		// 観戦中でも、スポーン中に与えた味方へのダメージ分は支払います
		if amount := compensation[c.ID]; amount != 0 {
			update.Reward.Gold = amount
			player.compensation = amount
		}
		if c.Spawned() {
			applied := c.RewardMultiplier
			if constant != nil {
				applied = utils.Clamp(*constant, MinRewardMultiplier, MaxRewardMultiplier)
			}
			update.Reward = Reward{
				Experience: rewardAmount(seconds, e.cfg.ExperiencePerSecond, applied, factor),
				Gold:       rewardAmount(seconds, e.cfg.GoldPerSecond, applied, factor) + compensation[c.ID],
			}
			update.BrokenItems = broken[c.ID]

			player.valorous = valorous[c.ID]
			next := NextRewardMultiplier(c.RewardMultiplier, p.gain(c.LastSpawn.Side), player.valorous, constant)
			if constant != nil {
				player.multiplierSet = &next
			} else {
				player.multiplierDelta = next - c.RewardMultiplier
			}
		}

		tx.batch.Updates = append(tx.batch.Updates, update)
		tx.players = append(tx.players, player)
		c.pending++
	}

	e.hits.Reset()
	if !p.SkipStats {
		e.ratings.Reset()
		e.stats.Reset(now)
	}
	e.state = StateAccumulating

	slog.InfoContext(ctx, "settlement snapshot taken",
		"token", tx.batch.IdempotencyToken,
		"updates", len(tx.batch.Updates),
		"playing", playing,
		"low_population", lowPop,
		"skip_stats", p.SkipStats,
	)
	e.submitAsync(ctx, tx)
	return tx.batch.IdempotencyToken, nil
}

func (p SettleParams) gain(side Side) int {
	switch side {
	case SideDefender:
		return p.DefenderMultiplierGain
	case SideAttacker:
		return p.AttackerMultiplierGain
	default:
		return 0
	}
}

func rewardAmount(seconds decimal.Decimal, perSecond float64, multiplier int, factor float64) int64 {
	return seconds.
		Mul(decimal.NewFromFloat(perSecond)).
		Mul(decimal.NewFromInt(int64(multiplier))).
		Mul(decimal.NewFromFloat(factor)).
		Floor().
		IntPart()
}

// SettleDuel はデュエル1戦分の精算を送信します。補償と損耗は行いません。
func (e *Engine) SettleDuel(ctx context.Context, winner, loser ConnID) (string, error) {
	if winner == loser {
		return "", ErrInvalidDuel
	}
	w, ok := e.registry.Get(winner)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, winner)
	}
	l, ok := e.registry.Get(loser)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, loser)
	}
	if w.User.ID == l.User.ID {
		return "", ErrInvalidDuel
	}
	if !w.Spawned() || !l.Spawned() {
		return "", ErrNotSpawned
	}

	wc, lc := w.User.Character, l.User.Character
	wBefore, lBefore := w.Rating(), l.Rating()
	wAfter, lAfter := wBefore, lBefore
	if e.inRegion(w.User) && e.inRegion(l.User) && wc.ID != "" && lc.ID != "" && wc.ID != lc.ID {
		duel := NewRatingEngine(e.cfg.Tau)
		duel.AddParticipant(wc.ID, wBefore)
		duel.AddParticipant(lc.ID, lBefore)
		duel.AddResult(wc.ID, lc.ID, 1)
		updated := duel.UpdateAll()
		wAfter, lAfter = updated[wc.ID], updated[lc.ID]
	}

	e.seq++
	tx := &transaction{
		seq:       e.seq,
		kind:      kindDuel,
		state:     StateSnapshotting,
		startedAt: e.clock.Now(),
		batch: Batch{
			IdempotencyToken: uuid.NewString(),
			Updates: []UserUpdate{
				{UserID: w.User.ID, CharacterID: wc.ID, Statistics: PeriodStats{Kills: 1}, Rating: &wAfter},
				{UserID: l.User.ID, CharacterID: lc.ID, Statistics: PeriodStats{Deaths: 1}, Rating: &lAfter},
			},
		},
		players: []pendingPlayer{
			{conn: winner, userID: w.User.ID, won: true, ratingDelta: wAfter.Rating - wBefore.Rating},
			{conn: loser, userID: l.User.ID, ratingDelta: lAfter.Rating - lBefore.Rating},
		},
	}
	w.project(wAfter, tx.seq)
	l.project(lAfter, tx.seq)
	w.pending++
	l.pending++

	slog.InfoContext(ctx, "duel settlement snapshot taken",
		"token", tx.batch.IdempotencyToken, "winner", winner, "loser", loser)
	e.submitAsync(ctx, tx)
	return tx.batch.IdempotencyToken, nil
}

// Poll は完了した精算を反映し、ハッピーアワーの切り替わりを通知します。tickごとに呼び出してください。
func (e *Engine) Poll(ctx context.Context) {
	for {
		select {
		case c := <-e.completions:
			e.complete(ctx, c)
		default:
			e.checkHappyHour(ctx)
			return
		}
	}
}

// Flush は送信中の精算が全て終わるまで待ち、結果を反映します。終了処理とテストで使います。
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	for {
		select {
		case c := <-e.completions:
			e.complete(ctx, c)
		case <-done:
			e.Poll(ctx)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) complete(ctx context.Context, c completion) {
	tx := c.tx
	for _, p := range tx.players {
		conn, ok := e.registry.Get(p.conn)
		if !ok {
			continue
		}
		if conn.pending > 0 {
			conn.pending--
		}
		if c.err != nil {
			conn.settle(tx.seq, nil)
		}
	}

	attrs := metric.WithAttributes(attribute.String("kind", tx.kind.String()))
	e.metrics.latency.Record(ctx, c.elapsed.Seconds(), attrs)

	if c.err != nil {
		tx.state = StateFailed
		e.metrics.failed.Add(ctx, 1, attrs)
		slog.ErrorContext(ctx, "settlement failed",
			"token", tx.batch.IdempotencyToken, "kind", tx.kind.String(), "err", c.err)
		for _, p := range tx.players {
			if _, ok := e.registry.Get(p.conn); !ok {
				continue
			}
			e.notifier.SettlementFailed(ctx, p.conn)
		}
		return
	}

	tx.state = StateCommitted
	e.metrics.committed.Add(ctx, 1, attrs)
	slog.InfoContext(ctx, "settlement committed",
		"token", tx.batch.IdempotencyToken, "kind", tx.kind.String(), "state", tx.state.String(), "elapsed", c.elapsed)

	results := make(map[string]UserResult, len(c.results))
	for _, r := range c.results {
		results[r.User.ID] = r
	}

	for _, p := range tx.players {
		conn, ok := e.registry.Get(p.conn)
		if !ok {
			continue
		}
		res := results[p.userID]
		conn.settle(tx.seq, &res.User)
		conn.RewardMultiplier = p.applyMultiplier(conn.RewardMultiplier)

		if tx.kind == kindDuel {
			e.notifier.DuelResult(ctx, p.conn, DuelNotice{Won: p.won, RatingDelta: p.ratingDelta})
			continue
		}

		e.notifier.RewardApplied(ctx, p.conn, rewardNotice(p, res, conn.RewardMultiplier))
		if !e.cfg.TournamentAllowed && res.User.Character.ForTournament {
			e.notifier.Kick(ctx, p.conn, KickReasonTournament)
		}
	}
}

func rewardNotice(p pendingPlayer, res UserResult, multiplier int) RewardNotice {
	n := RewardNotice{
		Experience:    res.EffectiveReward.Experience,
		Gold:          res.EffectiveReward.Gold,
		Multiplier:    multiplier,
		Valorous:      p.valorous,
		LowPopulation: p.lowPopulation,
		Compensation:  p.compensation,
	}
	for _, item := range res.RepairedItems {
		if item.Broke {
			n.BrokenItemIDs = append(n.BrokenItemIDs, item.ItemID)
			continue
		}
		n.RepairCost += item.RepairCost
	}
	return n
}

func (e *Engine) checkHappyHour(ctx context.Context) {
	active := e.cfg.HappyHour.Active(e.clock.Now())
	if active == e.happyHourActive {
		return
	}
	e.happyHourActive = active
	slog.InfoContext(ctx, "happy hour changed", "active", active)
	for _, c := range e.registry.All() {
		e.notifier.HappyHourChanged(ctx, c.ID, active)
	}
}
