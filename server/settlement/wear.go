package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Roller は [0,1) の乱数源です。*rand.Rand がそのまま使えます。
type Roller interface {
	Float64() float64
}

// WearSimulator は装備の損耗を抽選し、修理費を計算します。
type WearSimulator struct {
	breakProbability float64
	repairRate       decimal.Decimal
	roller           Roller
}

func NewWearSimulator(breakProbability, repairRatePerSecond float64, roller Roller) *WearSimulator {
	return &WearSimulator{
		breakProbability: breakProbability,
		repairRate:       decimal.NewFromFloat(repairRatePerSecond),
		roller:           roller,
	}
}

// Simulate は装備ごとに抽選し、壊れたアイテムを返します。
// 修理費は floor(価格 × 維持秒数 × 修理レート) です。維持時間が0以下なら何も壊れません。
func (w *WearSimulator) Simulate(items []EquippedItem, upkeep time.Duration) []BrokenItem {
	if upkeep <= 0 || len(items) == 0 {
		return nil
	}
	seconds := decimal.NewFromFloat(upkeep.Seconds())

	var broken []BrokenItem
	for _, item := range items {
		if w.roller.Float64() >= w.breakProbability {
			continue
		}
		cost := RepairCost(item.Value, seconds, w.repairRate)
		if cost <= 0 {
			continue
		}
		broken = append(broken, BrokenItem{ItemID: item.ItemID, RepairCost: cost})
	}
	return broken
}

func RepairCost(value int64, seconds, rate decimal.Decimal) int64 {
	if value <= 0 {
		return 0
	}
	return decimal.NewFromInt(value).Mul(seconds).Mul(rate).Floor().IntPart()
}
