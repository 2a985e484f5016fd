package dataset

import (
	"fmt"
	"time"

	"github.com/rushteam/recalltune/core"
)

// Target 是被留出的最后一次行为。
type Target struct {
	ItemID int64
	Time   time.Time
}

// Split 是留一法切分结果。
type Split struct {
	// Train 去掉了所有 Target 的日志；只有一次行为的用户原样保留在 Train 中
	Train *Log

	// Targets 每个被评估用户恰好一个目标
	Targets map[int64]Target

	// Reference 每个被评估用户在 Train 中的最后时间，作为复购衰减的参考时间。
	// 目标与最后一次训练行为同一时刻时 Reference 等于目标时间：
	// 目标行为本身已从 Train 中去掉，不会泄漏
	Reference map[int64]time.Time

	// Skipped 因行为不足两次而不参与评估的用户数
	Skipped int
}

// LeaveOneOut 留出每个用户（至少两次行为）的最后一次行为。
func LeaveOneOut(l *Log) *Split {
	users := l.Users()
	trainUsers := make([]int64, 0, len(users))
	trainEvents := make([][]Event, 0, len(users))
	s := &Split{
		Targets:   make(map[int64]Target),
		Reference: make(map[int64]time.Time),
	}
	for _, u := range users {
		ev := l.Events(u)
		if len(ev) < 2 {
			s.Skipped++
			trainUsers = append(trainUsers, u)
			trainEvents = append(trainEvents, ev)
			continue
		}
		last := ev[len(ev)-1]
		history := ev[:len(ev)-1]
		s.Targets[u] = Target{ItemID: last.ItemID, Time: last.Time}
		s.Reference[u] = history[len(history)-1].Time
		trainUsers = append(trainUsers, u)
		trainEvents = append(trainEvents, history)
	}
	s.Train = fromGrouped(trainUsers, trainEvents)
	return s
}

// Validate 检查切分是否满足留一法前提：目标用户在训练集中有历史，
// 且目标时间不早于其训练集最后时间。
func (s *Split) Validate() error {
	if len(s.Targets) == 0 {
		return core.InvalidInput(core.ModuleDataset, "leave-one-out: no user has two or more interactions")
	}
	for u, t := range s.Targets {
		last, ok := s.Train.MaxTime(u)
		if !ok {
			return core.InvalidInput(core.ModuleDataset, fmt.Sprintf("leave-one-out: user %d has no training history", u))
		}
		if t.Time.Before(last) {
			return core.InvalidInput(core.ModuleDataset,
				fmt.Sprintf("leave-one-out: user %d target %s precedes training max %s", u, t.Time, last))
		}
		if ref := s.Reference[u]; !ref.Equal(last) {
			return core.InvalidInput(core.ModuleDataset, fmt.Sprintf("leave-one-out: user %d reference time mismatch", u))
		}
	}
	return nil
}
