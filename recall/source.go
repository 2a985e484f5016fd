package recall

import (
	"context"
	"time"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
)

// Builder 是一个召回通道：从只读的行为日志计算每个用户的候选分数。
// 多个 Builder 之间没有依赖，可以被 Fanout 并发执行。
type Builder interface {
	Name() string
	Channel() core.Channel

	// DependsOn 返回影响产出的参数名，Pipeline 用它生成 checkpoint key
	DependsOn() []string

	Build(ctx context.Context, in *Input) (*Result, error)
}

// Input 是一次构建的只读输入。
type Input struct {
	Log    *dataset.Log
	Attrs  core.AttributeSet
	Params Params
	Run    core.RunConfig

	// Reference 复购衰减的参考时间（评估时由留一法切分给出）；nil 时取用户最后行为时间
	Reference map[int64]time.Time

	// Graph 预先构建好的共现图（来自 checkpoint）；nil 时由 Covisit 自行构建
	Graph *CovisitGraph
}

// UserScores 是一个用户在某通道上的 item -> score。
type UserScores map[int64]float64

// Result 是一个通道的产出。
// Shared 对所有用户相同（全局热门），避免按用户复制。
type Result struct {
	Channel core.Channel         `json:"channel"`
	Users   map[int64]UserScores `json:"users,omitempty"`
	Shared  UserScores           `json:"shared,omitempty"`
}

// Rows 返回该通道产出的 (user, item) 行数，Shared 按 users 个用户计。
func (r *Result) Rows(users int) int {
	n := len(r.Shared) * users
	for _, s := range r.Users {
		n += len(s)
	}
	return n
}

// Empty 通道没有任何产出
func (r *Result) Empty() bool {
	return len(r.Users) == 0 && len(r.Shared) == 0
}
