package settlement

import "skirmish/utils"

const (
	MinRewardMultiplier = 1
	MaxRewardMultiplier = 5
)

// NextRewardMultiplier は次回以降に使う報酬倍率を返します。
// constant が指定されていればそれが優先されます。勇敢賞の場合、増分は最低でも+1になります。
func NextRewardMultiplier(prior, gain int, valorous bool, constant *int) int {
	if constant != nil {
		return utils.Clamp(*constant, MinRewardMultiplier, MaxRewardMultiplier)
	}
	if valorous {
		gain = max(gain, 1)
	}
	return utils.Clamp(prior+gain, MinRewardMultiplier, MaxRewardMultiplier)
}
