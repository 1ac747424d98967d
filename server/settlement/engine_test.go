package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeAuthority は受け取ったバッチを記録し、報酬と修理費をそのまま適用します。
type fakeAuthority struct {
	mu      sync.Mutex
	users   map[string]User
	batches []Batch
	err     error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{users: make(map[string]User)}
}

func (a *fakeAuthority) GetUser(ctx context.Context, userID string) (User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[userID]
	if !ok {
		return User{}, ErrRejected
	}
	return u, nil
}

func (a *fakeAuthority) UpdateUsers(ctx context.Context, b Batch) ([]UserResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, b)
	if a.err != nil {
		return nil, a.err
	}

	results := make([]UserResult, 0, len(b.Updates))
	for _, upd := range b.Updates {
		u := a.users[upd.UserID]
		u.Experience += upd.Reward.Experience
		u.Gold += upd.Reward.Gold
		if upd.Rating != nil {
			u.Character.Rating = *upd.Rating
		}
		res := UserResult{EffectiveReward: upd.Reward}
		for _, item := range upd.BrokenItems {
			broke := u.Gold < item.RepairCost
			if !broke {
				u.Gold -= item.RepairCost
			}
			res.RepairedItems = append(res.RepairedItems, RepairedItem{ItemID: item.ItemID, RepairCost: item.RepairCost, Broke: broke})
		}
		a.users[upd.UserID] = u
		res.User = u
		results = append(results, res)
	}
	return results, nil
}

// byToken は指定トークンのバッチのうち最後に届いたものを返します。
func (a *fakeAuthority) byToken(t *testing.T, token string) Batch {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.batches) - 1; i >= 0; i-- {
		if a.batches[i].IdempotencyToken == token {
			return a.batches[i]
		}
	}
	t.Fatalf("no batch with token %s", token)
	return Batch{}
}

// gatedAuthority は release が閉じられるまで送信を止めます。精算を重ねて送信中にするために使います。
type gatedAuthority struct {
	*fakeAuthority
	release chan struct{}
}

func (a *gatedAuthority) UpdateUsers(ctx context.Context, b Batch) ([]UserResult, error) {
	<-a.release
	return a.fakeAuthority.UpdateUsers(ctx, b)
}

func (a *fakeAuthority) lastBatch(t *testing.T) Batch {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.batches) == 0 {
		t.Fatal("no batch submitted")
	}
	return a.batches[len(a.batches)-1]
}

type notification struct {
	kind   string
	conn   ConnID
	reward RewardNotice
	duel   DuelNotice
	active bool
	reason string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *fakeNotifier) add(ev notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) RewardApplied(ctx context.Context, conn ConnID, notice RewardNotice) {
	n.add(notification{kind: "reward", conn: conn, reward: notice})
}

func (n *fakeNotifier) SettlementFailed(ctx context.Context, conn ConnID) {
	n.add(notification{kind: "failed", conn: conn})
}

func (n *fakeNotifier) DuelResult(ctx context.Context, conn ConnID, notice DuelNotice) {
	n.add(notification{kind: "duel", conn: conn, duel: notice})
}

func (n *fakeNotifier) HappyHourChanged(ctx context.Context, conn ConnID, active bool) {
	n.add(notification{kind: "happy", conn: conn, active: active})
}

func (n *fakeNotifier) Kick(ctx context.Context, conn ConnID, reason string) {
	n.add(notification{kind: "kick", conn: conn, reason: reason})
}

func (n *fakeNotifier) take() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.events
	n.events = nil
	return out
}

func (n *fakeNotifier) find(events []notification, kind string, conn ConnID) (notification, bool) {
	for _, ev := range events {
		if ev.kind == kind && ev.conn == conn {
			return ev, true
		}
	}
	return notification{}, false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BreakProbability = 0
	cfg.Retry = RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		AttemptTimeout:  time.Second,
	}
	return cfg
}

type harness struct {
	engine    *Engine
	authority *fakeAuthority
	notifier  *fakeNotifier
	clock     *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		authority: newFakeAuthority(),
		notifier:  &fakeNotifier{},
		clock:     &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	e, err := NewEngine(cfg, h.authority, h.notifier, WithClock(h.clock), WithRoller(fixedRoller(0)))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h.engine = e
	return h
}

func testUser(id string) User {
	return User{
		ID:        "user-" + id,
		Name:      id,
		Region:    "eu",
		Character: Character{ID: "char-" + id, Rating: DefaultPlayerRating()},
	}
}

// join はユーザーをリモートと接続の両方に登録し、指定の陣営でスポーンさせます。
func (h *harness) join(t *testing.T, id string, side Side, mutate ...func(*User)) ConnID {
	t.Helper()
	u := testUser(id)
	for _, m := range mutate {
		m(&u)
	}
	h.authority.mu.Lock()
	h.authority.users[u.ID] = u
	h.authority.mu.Unlock()

	conn := ConnID(id)
	h.engine.Connect(context.Background(), conn, u)
	if side != SideNone {
		if err := h.engine.Spawn(conn, side); err != nil {
			t.Fatalf("Spawn(%s): %v", id, err)
		}
	}
	return conn
}

func (h *harness) settle(t *testing.T, p SettleParams) string {
	t.Helper()
	token, err := h.engine.Settle(context.Background(), p)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	h.flush(t)
	return token
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.engine.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func (h *harness) multiplier(t *testing.T, conn ConnID) int {
	t.Helper()
	c, ok := h.engine.Connection(conn)
	if !ok {
		t.Fatalf("connection %s missing", conn)
	}
	return c.RewardMultiplier
}

func updateFor(t *testing.T, b Batch, userID string) UserUpdate {
	t.Helper()
	for _, u := range b.Updates {
		if u.UserID == userID {
			return u
		}
	}
	t.Fatalf("no update for %s", userID)
	return UserUpdate{}
}

func TestEngine_DefenderWinsScenario(t *testing.T) {
	h := newHarness(t, testConfig())
	d1 := h.join(t, "d1", SideDefender)
	d2 := h.join(t, "d2", SideDefender)
	a1 := h.join(t, "a1", SideAttacker)
	a2 := h.join(t, "a2", SideAttacker)
	a3 := h.join(t, "a3", SideAttacker)

	h.settle(t, SettleParams{DurationRewarded: time.Minute, ConstantMultiplier: intPtr(3)})
	for _, c := range []ConnID{d1, d2, a1, a2, a3} {
		if got := h.multiplier(t, c); got != 3 {
			t.Fatalf("prior multiplier of %s = %d, want 3", c, got)
		}
	}
	h.notifier.take()

	h.engine.RegisterHit(d1, a2, 50, 100)
	h.engine.RegisterHit(d2, a1, 10, 100)
	h.settle(t, SettleParams{
		DurationRewarded:       time.Minute,
		DefenderMultiplierGain: 1,
		AttackerMultiplierGain: -2,
		ValourSide:             SideAttacker,
	})

	want := map[ConnID]int{d1: 4, d2: 4, a1: 1, a2: 4, a3: 1}
	for c, w := range want {
		if got := h.multiplier(t, c); got != w {
			t.Errorf("multiplier of %s = %d, want %d", c, got, w)
		}
	}

	events := h.notifier.take()
	notice, ok := h.notifier.find(events, "reward", a2)
	if !ok {
		t.Fatal("a2 did not receive a reward notice")
	}
	if !notice.reward.Valorous {
		t.Error("a2 should be valorous")
	}
	if n, _ := h.notifier.find(events, "reward", a1); n.reward.Valorous {
		t.Error("a1 should not be valorous")
	}

	batch := h.authority.lastBatch(t)
	// 報酬にはこのラウンド開始時点の倍率 3 が使われる
	if got := updateFor(t, batch, "user-d1").Reward.Experience; got != 60*10*3 {
		t.Errorf("d1 experience = %d, want %d", got, 60*10*3)
	}
	if r := updateFor(t, batch, "user-a2").Rating; r == nil || r.Rating <= DefaultRating {
		t.Errorf("a2 rating = %+v, want above %v", r, DefaultRating)
	}
	if r := updateFor(t, batch, "user-d1").Rating; r == nil || r.Rating >= DefaultRating {
		t.Errorf("d1 rating = %+v, want below %v", r, DefaultRating)
	}
}

func TestEngine_VeryLowPopulationForcesMultiplierOne(t *testing.T) {
	cfg := testConfig()
	cfg.BreakProbability = 1
	h := newHarness(t, cfg)
	solo := h.join(t, "solo", SideDefender, func(u *User) {
		u.Character.Equipment = []EquippedItem{{ItemID: "sword", Value: 1_000_000}}
	})
	h.join(t, "watcher", SideNone)

	h.settle(t, SettleParams{DurationRewarded: time.Minute, DefenderMultiplierGain: 3, ValourSide: SideDefender})

	if got := h.multiplier(t, solo); got != 1 {
		t.Fatalf("multiplier = %d, want 1", got)
	}
	batch := h.authority.lastBatch(t)
	if broken := updateFor(t, batch, "user-solo").BrokenItems; len(broken) != 0 {
		t.Errorf("broken items = %+v, want none below low-population threshold", broken)
	}
	notice, ok := h.notifier.find(h.notifier.take(), "reward", solo)
	if !ok {
		t.Fatal("missing reward notice")
	}
	if !notice.reward.LowPopulation || notice.reward.Valorous {
		t.Errorf("notice = %+v, want low population without valor", notice.reward)
	}
}

func TestEngine_WearSkippedBelowLowPopulationThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.BreakProbability = 1
	h := newHarness(t, cfg)
	equip := func(u *User) { u.Character.Equipment = []EquippedItem{{ItemID: "axe", Value: 1_000_000}} }
	for i := range cfg.LowPopulationThreshold - 1 {
		h.join(t, fmt.Sprintf("p%d", i), SideAttacker, equip)
	}

	h.settle(t, SettleParams{DurationRewarded: time.Minute, AttackerMultiplierGain: 1})

	for _, u := range h.authority.lastBatch(t).Updates {
		if len(u.BrokenItems) != 0 {
			t.Fatalf("%s broke items below threshold: %+v", u.UserID, u.BrokenItems)
		}
	}
	// 最低人口は満たしているので倍率は通常通り動く
	if got := h.multiplier(t, "p0"); got != 2 {
		t.Errorf("multiplier = %d, want 2", got)
	}
}

func TestEngine_TeamHitCompensationScenario(t *testing.T) {
	cfg := testConfig()
	cfg.BreakProbability = 1
	h := newHarness(t, cfg)
	victim := h.join(t, "victim", SideDefender, func(u *User) {
		u.Gold = 1000
		u.Character.Equipment = []EquippedItem{{ItemID: "plate", Value: 20000}}
	})
	attacker := h.join(t, "attacker", SideDefender)
	for i := range 4 {
		h.join(t, fmt.Sprintf("e%d", i), SideAttacker)
	}

	h.engine.RegisterHit(victim, attacker, 30, 100)
	h.settle(t, SettleParams{DurationRewarded: 100 * time.Second})

	batch := h.authority.lastBatch(t)
	v := updateFor(t, batch, "user-victim")
	a := updateFor(t, batch, "user-attacker")
	// 基本報酬は 100 秒 × 1 ゴールド
	if v.Reward.Gold != 130 {
		t.Errorf("victim gold = %d, want 130", v.Reward.Gold)
	}
	if a.Reward.Gold != 70 {
		t.Errorf("attacker gold = %d, want 70", a.Reward.Gold)
	}
	if len(v.BrokenItems) != 1 || v.BrokenItems[0].RepairCost != 100 {
		t.Errorf("victim broken items = %+v, want plate/100", v.BrokenItems)
	}

	events := h.notifier.take()
	vn, _ := h.notifier.find(events, "reward", victim)
	an, _ := h.notifier.find(events, "reward", attacker)
	if vn.reward.Compensation != 30 || an.reward.Compensation != -30 {
		t.Errorf("compensation = %d/%d, want 30/-30", vn.reward.Compensation, an.reward.Compensation)
	}
	if vn.reward.RepairCost != 100 {
		t.Errorf("victim repair cost = %d, want 100", vn.reward.RepairCost)
	}
}

func TestEngine_EnemyHitsDoNotCompensate(t *testing.T) {
	h := newHarness(t, testConfig())
	d := h.join(t, "d", SideDefender)
	a := h.join(t, "a", SideAttacker)

	h.engine.RegisterHit(d, a, 30, 100)

	if _, ok := h.engine.hits.Record(d); ok {
		t.Fatal("enemy hit was registered for compensation")
	}
	if h.engine.stats.Score(a) != 30 {
		t.Errorf("attacker score = %d, want 30", h.engine.stats.Score(a))
	}
	if h.engine.ratings.Results() != 1 {
		t.Errorf("rating results = %d, want 1", h.engine.ratings.Results())
	}
}

func TestEngine_CrossRegionEngagementLeavesRatings(t *testing.T) {
	cfg := testConfig()
	cfg.Region = "eu"
	h := newHarness(t, cfg)
	d := h.join(t, "d", SideDefender)
	a := h.join(t, "a", SideAttacker, func(u *User) { u.Region = "na" })

	h.engine.RegisterHit(d, a, 100, 100)
	h.settle(t, SettleParams{DurationRewarded: time.Minute})

	batch := h.authority.lastBatch(t)
	for _, id := range []string{"user-d", "user-a"} {
		if r := updateFor(t, batch, id).Rating; r == nil || *r != DefaultPlayerRating() {
			t.Errorf("%s rating = %+v, want unchanged", id, r)
		}
	}
}

func TestEngine_TokensAreUnique(t *testing.T) {
	h := newHarness(t, testConfig())
	h.join(t, "p", SideDefender)

	first, err := h.engine.Settle(context.Background(), SettleParams{DurationRewarded: time.Second})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	second, err := h.engine.Settle(context.Background(), SettleParams{DurationRewarded: time.Second})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	h.flush(t)

	if first == "" || first == second {
		t.Fatalf("tokens = %q, %q, want distinct", first, second)
	}
	if got := h.multiplier(t, "p"); got != 1 {
		t.Errorf("multiplier = %d", got)
	}
}

func TestEngine_SettleWithoutConnections(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.engine.Settle(context.Background(), SettleParams{}); err != ErrNothingToSettle {
		t.Fatalf("err = %v, want %v", err, ErrNothingToSettle)
	}
}

func TestEngine_SpectatorGetsZeroReward(t *testing.T) {
	h := newHarness(t, testConfig())
	h.join(t, "p1", SideDefender)
	h.join(t, "p2", SideAttacker)
	watcher := h.join(t, "watcher", SideNone)

	h.settle(t, SettleParams{DurationRewarded: time.Minute, DefenderMultiplierGain: 1, AttackerMultiplierGain: 1})

	u := updateFor(t, h.authority.lastBatch(t), "user-watcher")
	if u.Reward != (Reward{}) {
		t.Errorf("spectator reward = %+v, want zero", u.Reward)
	}
	if got := h.multiplier(t, watcher); got != 1 {
		t.Errorf("spectator multiplier = %d, want 1", got)
	}
}

func TestEngine_SkipStatsKeepsAccumulators(t *testing.T) {
	h := newHarness(t, testConfig())
	d := h.join(t, "d", SideDefender)
	a := h.join(t, "a", SideAttacker)
	h.engine.RegisterKill(d, a, "")

	h.settle(t, SettleParams{DurationRewarded: time.Minute, ConstantMultiplier: intPtr(1), DurationUpkeep: new(time.Duration), SkipStats: true})

	u := updateFor(t, h.authority.lastBatch(t), "user-a")
	if u.Rating != nil || u.Statistics != (PeriodStats{}) {
		t.Errorf("skip-stats update = %+v, want no rating or statistics", u)
	}

	h.settle(t, SettleParams{DurationRewarded: time.Minute})
	if got := updateFor(t, h.authority.lastBatch(t), "user-a").Statistics.Kills; got != 1 {
		t.Errorf("kills after skip-stats cycle = %d, want 1", got)
	}
}

func TestEngine_TeamKillIsNotAKill(t *testing.T) {
	h := newHarness(t, testConfig())
	v := h.join(t, "v", SideDefender)
	k := h.join(t, "k", SideDefender)

	h.engine.RegisterKill(v, k, "")

	now := h.clock.Now()
	if got := h.engine.stats.Snapshot(k, now, now).Kills; got != 0 {
		t.Errorf("team kill counted: kills = %d", got)
	}
	if got := h.engine.stats.Snapshot(v, now, now).Deaths; got != 1 {
		t.Errorf("deaths = %d, want 1", got)
	}
}

func TestEngine_ResetPeriodDropsAccumulators(t *testing.T) {
	h := newHarness(t, testConfig())
	d := h.join(t, "d", SideDefender)
	a := h.join(t, "a", SideAttacker)
	a2 := h.join(t, "a2", SideAttacker)
	h.engine.RegisterHit(d, a, 40, 100)
	h.engine.RegisterHit(a2, a, 40, 100)

	h.engine.ResetPeriod()

	if h.engine.ratings.Results() != 0 || h.engine.stats.Score(a) != 0 {
		t.Fatal("ResetPeriod left rating results or scores")
	}
	if _, ok := h.engine.hits.Record(a2); ok {
		t.Fatal("ResetPeriod left team hits")
	}
}

func TestEngine_DuelSettlement(t *testing.T) {
	cfg := testConfig()
	cfg.TournamentAllowed = false
	h := newHarness(t, cfg)
	w := h.join(t, "w", SideDefender, func(u *User) { u.Character.ForTournament = true })
	l := h.join(t, "l", SideAttacker)

	if _, err := h.engine.SettleDuel(context.Background(), w, l); err != nil {
		t.Fatalf("SettleDuel: %v", err)
	}
	h.flush(t)

	batch := h.authority.lastBatch(t)
	if len(batch.Updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(batch.Updates))
	}
	if s := updateFor(t, batch, "user-w").Statistics; s.Kills != 1 || s.Deaths != 0 {
		t.Errorf("winner stats = %+v", s)
	}
	if s := updateFor(t, batch, "user-l").Statistics; s.Kills != 0 || s.Deaths != 1 {
		t.Errorf("loser stats = %+v", s)
	}

	events := h.notifier.take()
	wn, ok := h.notifier.find(events, "duel", w)
	if !ok || !wn.duel.Won {
		t.Errorf("winner notice = %+v", wn)
	}
	ln, ok := h.notifier.find(events, "duel", l)
	if !ok || ln.duel.Won {
		t.Errorf("loser notice = %+v", ln)
	}
	// 初期値同士の1勝1敗はGlicko-2で ±162.31
	if !approx(wn.duel.RatingDelta, 162.31, 0.01) || !approx(ln.duel.RatingDelta, -162.31, 0.01) {
		t.Errorf("rating deltas = %v / %v, want +162.31 / -162.31", wn.duel.RatingDelta, ln.duel.RatingDelta)
	}
	if r := updateFor(t, batch, "user-w").Rating; r == nil || !approx(r.Rating-DefaultRating, wn.duel.RatingDelta, 1e-9) {
		t.Errorf("winner submitted rating = %+v, want delta %v", r, wn.duel.RatingDelta)
	}
	for _, ev := range events {
		if ev.kind == "kick" || ev.kind == "reward" {
			t.Errorf("unexpected %s notice in duel", ev.kind)
		}
	}
}

func TestEngine_ConsecutiveDuelsBuildOnInFlightRating(t *testing.T) {
	h := newHarness(t, testConfig())
	gate := &gatedAuthority{fakeAuthority: h.authority, release: make(chan struct{})}
	e, err := NewEngine(testConfig(), gate, h.notifier, WithClock(h.clock), WithRoller(fixedRoller(0)))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h.engine = e
	w := h.join(t, "w", SideDefender)
	l := h.join(t, "l", SideAttacker)

	first, err := h.engine.SettleDuel(context.Background(), w, l)
	if err != nil {
		t.Fatalf("SettleDuel: %v", err)
	}
	second, err := h.engine.SettleDuel(context.Background(), w, l)
	if err != nil {
		t.Fatalf("SettleDuel: %v", err)
	}
	close(gate.release)
	h.flush(t)

	r1 := updateFor(t, h.authority.byToken(t, first), "user-w").Rating
	r2 := updateFor(t, h.authority.byToken(t, second), "user-w").Rating
	if r1 == nil || r2 == nil || r2.Rating <= r1.Rating {
		t.Fatalf("second duel rating = %+v, want above first %+v", r2, r1)
	}
	if c, _ := h.engine.Connection(w); c.Rating() != *r2 {
		t.Errorf("snapshot rating = %+v, want %+v", c.Rating(), *r2)
	}
}

func TestEngine_DuelValidation(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.join(t, "a", SideDefender)
	b := h.join(t, "b", SideNone)

	if _, err := h.engine.SettleDuel(context.Background(), a, a); err != ErrInvalidDuel {
		t.Errorf("self duel err = %v, want %v", err, ErrInvalidDuel)
	}
	if _, err := h.engine.SettleDuel(context.Background(), a, "ghost"); err == nil {
		t.Error("unknown loser should fail")
	}
	if _, err := h.engine.SettleDuel(context.Background(), a, b); err != ErrNotSpawned {
		t.Errorf("unspawned err = %v, want %v", err, ErrNotSpawned)
	}
}

func TestEngine_TournamentCharacterKickedAfterRound(t *testing.T) {
	h := newHarness(t, testConfig())
	p := h.join(t, "p", SideDefender, func(u *User) { u.Character.ForTournament = true })
	h.join(t, "q", SideAttacker)

	h.settle(t, SettleParams{DurationRewarded: time.Minute})

	events := h.notifier.take()
	if _, ok := h.notifier.find(events, "reward", p); !ok {
		t.Error("kicked player should still get the reward notice")
	}
	if _, ok := h.notifier.find(events, "kick", p); !ok {
		t.Error("tournament character was not kicked")
	}
	if _, ok := h.notifier.find(events, "kick", "q"); ok {
		t.Error("regular character was kicked")
	}
}

func TestEngine_DisconnectBeforeCommitSkipsNotice(t *testing.T) {
	h := newHarness(t, testConfig())
	p := h.join(t, "p", SideDefender)
	q := h.join(t, "q", SideAttacker)

	if _, err := h.engine.Settle(context.Background(), SettleParams{DurationRewarded: time.Minute}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if c, _ := h.engine.Connection(p); !c.SettlementInFlight() {
		t.Error("connection should be marked in flight")
	}
	h.engine.Disconnect(context.Background(), p)
	h.flush(t)

	events := h.notifier.take()
	if _, ok := h.notifier.find(events, "reward", p); ok {
		t.Error("notice sent to disconnected connection")
	}
	if _, ok := h.notifier.find(events, "reward", q); !ok {
		t.Error("remaining connection missed its notice")
	}
	if c, _ := h.engine.Connection(q); c.SettlementInFlight() {
		t.Error("in-flight flag not cleared")
	}
}

func TestEngine_CommitRefreshesSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	p := h.join(t, "p", SideDefender)
	h.join(t, "q", SideAttacker)

	h.settle(t, SettleParams{DurationRewarded: time.Minute})

	c, _ := h.engine.Connection(p)
	if c.User.Experience != 600 || c.User.Gold != 60 {
		t.Errorf("snapshot = %d xp / %d gold, want 600 / 60", c.User.Experience, c.User.Gold)
	}
	if h.engine.State() != StateAccumulating {
		t.Errorf("State = %v, want %v", h.engine.State(), StateAccumulating)
	}
}

func TestEngine_FailedSubmissionLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, testConfig())
	h.authority.err = fmt.Errorf("%w: boom", ErrUnavailable)
	p := h.join(t, "p", SideDefender)
	h.join(t, "q", SideAttacker)

	h.settle(t, SettleParams{DurationRewarded: time.Minute, DefenderMultiplierGain: 2})

	if got := h.multiplier(t, p); got != 1 {
		t.Errorf("multiplier = %d, want 1", got)
	}
	if c, _ := h.engine.Connection(p); c.User.Experience != 0 {
		t.Errorf("snapshot changed after failure: %+v", c.User)
	}
	if n := len(h.authority.batches); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	events := h.notifier.take()
	if _, ok := h.notifier.find(events, "failed", p); !ok {
		t.Error("missing failure notice")
	}
}

func TestEngine_OverlappingCyclesKeepMultiplierProgress(t *testing.T) {
	h := newHarness(t, testConfig())
	gate := &gatedAuthority{fakeAuthority: h.authority, release: make(chan struct{})}
	e, err := NewEngine(testConfig(), gate, h.notifier, WithClock(h.clock), WithRoller(fixedRoller(0)))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h.engine = e
	d := h.join(t, "d", SideDefender)
	a := h.join(t, "a", SideAttacker)

	p := SettleParams{DurationRewarded: time.Minute, DefenderMultiplierGain: 1}
	h.engine.RegisterHit(d, a, 50, 100)
	first, err := h.engine.Settle(context.Background(), p)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	h.engine.RegisterHit(d, a, 50, 100)
	second, err := h.engine.Settle(context.Background(), p)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	close(gate.release)
	h.flush(t)

	if got := h.multiplier(t, d); got != 3 {
		t.Errorf("defender multiplier = %d, want 3 after two committed +1 rounds", got)
	}
	if got := h.multiplier(t, a); got != 1 {
		t.Errorf("attacker multiplier = %d, want 1", got)
	}

	r1 := updateFor(t, h.authority.byToken(t, first), "user-a").Rating
	r2 := updateFor(t, h.authority.byToken(t, second), "user-a").Rating
	if r1 == nil || r2 == nil {
		t.Fatal("ratings were not submitted")
	}
	if r1.Rating <= DefaultRating || r2.Rating <= r1.Rating {
		t.Errorf("attacker ratings = %v then %v, want the second cycle to build on the first", r1.Rating, r2.Rating)
	}
	if c, _ := h.engine.Connection(a); c.Rating() != *r2 {
		t.Errorf("snapshot rating = %+v, want %+v", c.Rating(), *r2)
	}
}

func TestEngine_FailedCycleDropsProjectedRating(t *testing.T) {
	h := newHarness(t, testConfig())
	h.authority.err = fmt.Errorf("%w: boom", ErrUnavailable)
	d := h.join(t, "d", SideDefender)
	a := h.join(t, "a", SideAttacker)

	h.engine.RegisterHit(d, a, 100, 100)
	h.settle(t, SettleParams{DurationRewarded: time.Minute})

	if c, _ := h.engine.Connection(a); c.Rating() != DefaultPlayerRating() {
		t.Errorf("rating after failure = %+v, want the committed snapshot", c.Rating())
	}
}

func TestEngine_DuplicateUserReplacesOlderConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	same := func(u *User) {
		u.ID = "user-dup"
		u.Character.ID = "char-dup"
	}
	older := h.join(t, "s1", SideDefender, same)
	newer := h.join(t, "s2", SideDefender, same)
	h.join(t, "other", SideAttacker)

	events := h.notifier.take()
	kick, ok := h.notifier.find(events, "kick", older)
	if !ok || kick.reason != KickReasonDuplicate {
		t.Fatalf("older connection kick = %+v, want reason %q", kick, KickReasonDuplicate)
	}
	if _, ok := h.engine.Connection(older); ok {
		t.Error("older connection is still registered")
	}

	h.settle(t, SettleParams{DurationRewarded: time.Minute})
	batch := h.authority.lastBatch(t)
	if len(batch.Updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(batch.Updates))
	}
	events = h.notifier.take()
	if _, ok := h.notifier.find(events, "reward", newer); !ok {
		t.Error("newer connection missed its reward")
	}
	if _, ok := h.notifier.find(events, "failed", newer); ok {
		t.Error("settlement failed")
	}
}

func TestEngine_DisconnectDropsRatingResults(t *testing.T) {
	h := newHarness(t, testConfig())
	d := h.join(t, "d", SideDefender)
	a := h.join(t, "a", SideAttacker)
	h.join(t, "b", SideAttacker)

	h.engine.RegisterHit(d, a, 100, 100)
	h.engine.Disconnect(context.Background(), a)
	h.settle(t, SettleParams{DurationRewarded: time.Minute})

	if r := updateFor(t, h.authority.lastBatch(t), "user-d").Rating; r == nil || *r != DefaultPlayerRating() {
		t.Errorf("defender rating = %+v, want unchanged after the attacker left", r)
	}
}

func TestEngine_SpectatingAttackerStillPaysCompensation(t *testing.T) {
	cfg := testConfig()
	cfg.BreakProbability = 1
	h := newHarness(t, cfg)
	victim := h.join(t, "victim", SideDefender, func(u *User) {
		u.Gold = 1000
		u.Character.Equipment = []EquippedItem{{ItemID: "plate", Value: 20000}}
	})
	attacker := h.join(t, "attacker", SideDefender)
	for i := range 5 {
		h.join(t, fmt.Sprintf("e%d", i), SideAttacker)
	}

	h.engine.RegisterHit(victim, attacker, 30, 100)
	if err := h.engine.Spectate(attacker); err != nil {
		t.Fatalf("Spectate: %v", err)
	}
	h.settle(t, SettleParams{DurationRewarded: 100 * time.Second})

	batch := h.authority.lastBatch(t)
	if g := updateFor(t, batch, "user-victim").Reward.Gold; g != 130 {
		t.Errorf("victim gold = %d, want 130", g)
	}
	a := updateFor(t, batch, "user-attacker")
	if a.Reward.Gold != -30 || a.Reward.Experience != 0 {
		t.Errorf("spectating attacker reward = %+v, want -30 gold only", a.Reward)
	}
	events := h.notifier.take()
	if n, ok := h.notifier.find(events, "reward", attacker); !ok || n.reward.Compensation != -30 {
		t.Errorf("attacker notice = %+v, want compensation -30", n)
	}
}

func TestEngine_HappyHourEdges(t *testing.T) {
	cfg := testConfig()
	hh, err := ParseHappyHour("12:30-13:00", 2, time.UTC)
	if err != nil {
		t.Fatalf("ParseHappyHour: %v", err)
	}
	cfg.HappyHour = hh
	h := newHarness(t, cfg)
	p := h.join(t, "p", SideDefender)
	h.join(t, "q", SideAttacker)

	h.engine.Poll(context.Background())
	if events := h.notifier.take(); len(events) != 0 {
		t.Fatalf("notices before happy hour: %+v", events)
	}

	h.clock.Advance(30 * time.Minute)
	h.engine.Poll(context.Background())
	h.engine.Poll(context.Background())
	events := h.notifier.take()
	if len(events) != 2 {
		t.Fatalf("notices on start edge = %d, want 2", len(events))
	}
	if ev, ok := h.notifier.find(events, "happy", p); !ok || !ev.active {
		t.Errorf("p notice = %+v", ev)
	}

	h.settle(t, SettleParams{DurationRewarded: time.Minute})
	if got := updateFor(t, h.authority.lastBatch(t), "user-p").Reward.Experience; got != 1200 {
		t.Errorf("happy hour experience = %d, want 1200", got)
	}
	h.notifier.take()

	h.clock.Advance(30 * time.Minute)
	h.engine.Poll(context.Background())
	if ev, ok := h.notifier.find(h.notifier.take(), "happy", p); !ok || ev.active {
		t.Errorf("end edge notice = %+v", ev)
	}
}

func TestEngine_MultiplierAlwaysInRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, testConfig())
		conns := []ConnID{
			h.join(t, "d", SideDefender),
			h.join(t, "a", SideAttacker),
			h.join(t, "b", SideAttacker),
		}

		rounds := rapid.IntRange(1, 8).Draw(rt, "rounds")
		for range rounds {
			p := SettleParams{
				DurationRewarded:       time.Second,
				DefenderMultiplierGain: rapid.IntRange(-128, 127).Draw(rt, "defenderGain"),
				AttackerMultiplierGain: rapid.IntRange(-128, 127).Draw(rt, "attackerGain"),
				ValourSide:             Side(rapid.IntRange(0, 2).Draw(rt, "valourSide")),
			}
			if _, err := h.engine.Settle(context.Background(), p); err != nil {
				rt.Fatalf("Settle: %v", err)
			}
			h.flush(t)
			for _, c := range conns {
				if m := h.multiplier(t, c); m < MinRewardMultiplier || m > MaxRewardMultiplier {
					rt.Fatalf("multiplier of %s = %d", c, m)
				}
			}
		}
	})
}
