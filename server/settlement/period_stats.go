package settlement

import "time"

type periodTally struct {
	kills   int
	deaths  int
	assists int
	score   int
}

// PeriodStatsAccumulator は精算間の戦績を接続ごとに集計します。
// ルームのtickゴルーチンからのみ操作される前提のため、ロックを持ちません。
type PeriodStatsAccumulator struct {
	periodStart time.Time
	tallies     map[ConnID]*periodTally
}

func NewPeriodStatsAccumulator(now time.Time) *PeriodStatsAccumulator {
	return &PeriodStatsAccumulator{
		periodStart: now,
		tallies:     make(map[ConnID]*periodTally),
	}
}

func (a *PeriodStatsAccumulator) tally(conn ConnID) *periodTally {
	t, ok := a.tallies[conn]
	if !ok {
		t = &periodTally{}
		a.tallies[conn] = t
	}
	return t
}

func (a *PeriodStatsAccumulator) AddKill(conn ConnID)   { a.tally(conn).kills++ }
func (a *PeriodStatsAccumulator) AddDeath(conn ConnID)  { a.tally(conn).deaths++ }
func (a *PeriodStatsAccumulator) AddAssist(conn ConnID) { a.tally(conn).assists++ }

// AddScore は勇敢さ判定に使うスコアを加算します。
func (a *PeriodStatsAccumulator) AddScore(conn ConnID, points int) {
	if points <= 0 {
		return
	}
	a.tally(conn).score += points
}

func (a *PeriodStatsAccumulator) Score(conn ConnID) int {
	if t, ok := a.tallies[conn]; ok {
		return t.score
	}
	return 0
}

// Snapshot は接続の今期戦績を返します。
// プレイ時間は期間開始と接続時刻の遅い方から now までです。
func (a *PeriodStatsAccumulator) Snapshot(conn ConnID, connectedAt, now time.Time) PeriodStats {
	start := a.periodStart
	if connectedAt.After(start) {
		start = connectedAt
	}
	playTime := now.Sub(start)
	if playTime < 0 {
		playTime = 0
	}

	stats := PeriodStats{PlayTime: playTime}
	if t, ok := a.tallies[conn]; ok {
		stats.Kills = t.kills
		stats.Deaths = t.deaths
		stats.Assists = t.assists
	}
	return stats
}

// Forget は切断した接続の集計を捨てます。
func (a *PeriodStatsAccumulator) Forget(conn ConnID) {
	delete(a.tallies, conn)
}

func (a *PeriodStatsAccumulator) Reset(now time.Time) {
	a.periodStart = now
	a.tallies = make(map[ConnID]*periodTally)
}
