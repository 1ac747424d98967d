package settlement

import (
	"slices"

	"github.com/shopspring/decimal"
)

// HitRecord は1人の被害者が今回の精算期間に味方から受けたダメージです。
type HitRecord struct {
	VictimID         ConnID
	BaseHealthLimit  int
	DamageByAttacker map[ConnID]int
}

// HitCompensationRegistry は味方への攻撃を記録し、装備の修理費を加害者に負担させる補償額を計算します。
type HitCompensationRegistry struct {
	records map[ConnID]*HitRecord
}

func NewHitCompensationRegistry() *HitCompensationRegistry {
	return &HitCompensationRegistry{records: make(map[ConnID]*HitRecord)}
}

// RegisterHit は味方同士の攻撃を記録します。自傷や不正な値は無視します。
func (r *HitCompensationRegistry) RegisterHit(victim, attacker ConnID, damage, victimMaxHealth int) {
	if victim == attacker || victim == "" || attacker == "" {
		return
	}
	if damage <= 0 || victimMaxHealth <= 0 {
		return
	}

	rec, ok := r.records[victim]
	if !ok {
		rec = &HitRecord{
			VictimID:         victim,
			DamageByAttacker: make(map[ConnID]int),
		}
		r.records[victim] = rec
	}
	rec.BaseHealthLimit = victimMaxHealth
	rec.DamageByAttacker[attacker] += damage
}

func (r *HitCompensationRegistry) Record(victim ConnID) (HitRecord, bool) {
	rec, ok := r.records[victim]
	if !ok {
		return HitRecord{}, false
	}
	return *rec, true
}

// ComputeCompensation は被害者の修理費を加害者ごとのダメージ比率で按分し、
// 被害者に加算、加害者から減算した額を返します。
// 比率は加害者間で正規化しません。比率の合計が1を超えれば被害者は修理費以上を受け取ります。
func (r *HitCompensationRegistry) ComputeCompensation(repairCost map[ConnID]int64) map[ConnID]int64 {
	out := make(map[ConnID]int64)

	victims := make([]ConnID, 0, len(r.records))
	for id := range r.records {
		victims = append(victims, id)
	}
	slices.Sort(victims)

	for _, victim := range victims {
		cost, ok := repairCost[victim]
		if !ok || cost <= 0 {
			continue
		}
		rec := r.records[victim]
		maxHealth := decimal.NewFromInt(int64(rec.BaseHealthLimit))
		total := decimal.NewFromInt(cost)

		for attacker, damage := range rec.DamageByAttacker {
			amount := total.Mul(decimal.NewFromInt(int64(damage))).Div(maxHealth).Floor().IntPart()
			if amount == 0 {
				continue
			}
			out[victim] += amount
			out[attacker] -= amount
		}
	}
	return out
}

// Forget は切断した接続が関わる記録を取り除きます。
func (r *HitCompensationRegistry) Forget(conn ConnID) {
	delete(r.records, conn)
	for _, rec := range r.records {
		delete(rec.DamageByAttacker, conn)
	}
}

func (r *HitCompensationRegistry) Reset() {
	r.records = make(map[ConnID]*HitRecord)
}
