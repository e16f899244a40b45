package jobs

// Block reward ramp, in the smallest coin unit.
const (
	rewardRampStart      = 748994641621655092
	rewardFinal          = 1497989283243310185
	rewardRampUpperBound = 259200
	rewardUnit           = 1e18
)

// BlockReward returns the coinbase reward for height in whole coins. The reward
// ramps linearly from the start value at height 0 to the final value at the
// upper bound and stays flat afterwards.
func BlockReward(height uint64) float64 {
	if height > rewardRampUpperBound {
		return float64(rewardFinal) / rewardUnit
	}
	slope := (float64(rewardFinal) - float64(rewardRampStart)) / rewardRampUpperBound
	return (slope*float64(height) + float64(rewardRampStart)) / rewardUnit
}
