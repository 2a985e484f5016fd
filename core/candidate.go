package core

import "fmt"

// Channel 标识一个召回通道。顺序固定，也是候选表中分数列的顺序。
type Channel int

const (
	ChannelRepurchase Channel = iota
	ChannelCovisit
	ChannelPersonalPop
	ChannelGlobalPop

	NumChannels = 4
)

var channelNames = [NumChannels]string{"repurchase", "covisit", "personalized_pop", "global_pop"}

func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Channels 返回全部通道（按固定顺序）。
func Channels() []Channel {
	return []Channel{ChannelRepurchase, ChannelCovisit, ChannelPersonalPop, ChannelGlobalPop}
}

// ParseChannel 按名称解析通道。
func ParseChannel(name string) (Channel, error) {
	for i, n := range channelNames {
		if n == name {
			return Channel(i), nil
		}
	}
	return 0, InvalidInput(ModuleRecall, fmt.Sprintf("unknown channel %q", name))
}

// ChannelScores 是一个候选在各通道上的分数，缺席的通道为 0。
type ChannelScores [NumChannels]float64

// NonZero 至少一个通道分数非零。
func (s ChannelScores) NonZero() bool {
	for _, v := range s {
		if v != 0 {
			return true
		}
	}
	return false
}

// Weighted 返回 Σ weight_c · score_c。
func (s ChannelScores) Weighted(w ChannelWeights) float64 {
	var total float64
	for i, v := range s {
		total += w[i] * v
	}
	return total
}

// ChannelWeights 是各通道的融合权重，必须显式配置。
type ChannelWeights [NumChannels]float64

// Candidate 是合并、截断后的一行候选：每个 (user, item) 只出现一次。
// Rank 从 1 开始。
type Candidate struct {
	UserID     int64
	ItemID     int64
	Scores     ChannelScores
	FinalScore float64
	Rank       int
}
