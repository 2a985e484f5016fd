// Package dataset 提供只读的用户行为日志，以及 CSV/Parquet 加载、分层抽样和留一法切分。
package dataset

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/rushteam/recalltune/core"
)

// Event 是用户序列中的一个元素。
type Event struct {
	ItemID  int64
	Time    time.Time
	SeqRank int
}

// Log 是按用户分组、按时间升序排列的行为日志。构造后不可变，可被多个 goroutine 共享。
type Log struct {
	users  []int64
	index  map[int64]int
	events [][]Event
	items  int
	n      int

	fpOnce sync.Once
	fp     string
}

// NewLog 从原始行为构建 Log。同一用户内按 (Time, SeqRank, 输入顺序) 排序。
func NewLog(rows []core.Interaction) *Log {
	sorted := make([]core.Interaction, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.SeqRank < b.SeqRank
	})

	l := &Log{index: make(map[int64]int), n: len(sorted)}
	items := make(map[int64]struct{})
	for _, r := range sorted {
		pos, ok := l.index[r.UserID]
		if !ok {
			pos = len(l.users)
			l.index[r.UserID] = pos
			l.users = append(l.users, r.UserID)
			l.events = append(l.events, nil)
		}
		l.events[pos] = append(l.events[pos], Event{ItemID: r.ItemID, Time: r.Time, SeqRank: r.SeqRank})
		items[r.ItemID] = struct{}{}
	}
	l.items = len(items)
	return l
}

// fromGrouped 直接由已排序的分组数据构建，users 必须升序。
func fromGrouped(users []int64, events [][]Event) *Log {
	l := &Log{users: users, events: events, index: make(map[int64]int, len(users))}
	items := make(map[int64]struct{})
	for i, u := range users {
		l.index[u] = i
		l.n += len(events[i])
		for _, e := range events[i] {
			items[e.ItemID] = struct{}{}
		}
	}
	l.items = len(items)
	return l
}

// Users 返回升序的用户 ID。调用方不得修改返回的切片。
func (l *Log) Users() []int64 { return l.users }

// Events 返回用户按时间升序的行为序列。调用方不得修改返回的切片。
func (l *Log) Events(user int64) []Event {
	pos, ok := l.index[user]
	if !ok {
		return nil
	}
	return l.events[pos]
}

// NumUsers 用户数
func (l *Log) NumUsers() int { return len(l.users) }

// Len 行为总数
func (l *Log) Len() int { return l.n }

// NumItems 去重后的物品数
func (l *Log) NumItems() int { return l.items }

// Empty 是否没有任何行为
func (l *Log) Empty() bool { return l.n == 0 }

// MaxTime 返回用户最近一次行为的时间。
func (l *Log) MaxTime(user int64) (time.Time, bool) {
	ev := l.Events(user)
	if len(ev) == 0 {
		return time.Time{}, false
	}
	return ev[len(ev)-1].Time, true
}

// Interactions 还原为扁平的行为列表（按用户、时间排序）。
func (l *Log) Interactions() []core.Interaction {
	out := make([]core.Interaction, 0, l.n)
	for i, u := range l.users {
		for _, e := range l.events[i] {
			out = append(out, core.Interaction{UserID: u, ItemID: e.ItemID, Time: e.Time, SeqRank: e.SeqRank})
		}
	}
	return out
}

// Subset 返回只包含指定用户的日志，不存在的用户被忽略。
func (l *Log) Subset(users []int64) *Log {
	keep := append([]int64(nil), users...)
	sort.Slice(keep, func(i, j int) bool { return keep[i] < keep[j] })
	outUsers := make([]int64, 0, len(keep))
	outEvents := make([][]Event, 0, len(keep))
	for i, u := range keep {
		if i > 0 && keep[i-1] == u {
			continue
		}
		pos, ok := l.index[u]
		if !ok {
			continue
		}
		outUsers = append(outUsers, u)
		outEvents = append(outEvents, l.events[pos])
	}
	return fromGrouped(outUsers, outEvents)
}

// Truncate 丢弃所有 >= cutoff 的行为；cutoff 为零值时原样返回。
func Truncate(l *Log, cutoff time.Time) *Log {
	if cutoff.IsZero() {
		return l
	}
	users := make([]int64, 0, len(l.users))
	events := make([][]Event, 0, len(l.users))
	for i, u := range l.users {
		seq := l.events[i]
		n := sort.Search(len(seq), func(k int) bool { return !seq[k].Time.Before(cutoff) })
		if n == 0 {
			continue
		}
		users = append(users, u)
		events = append(events, seq[:n])
	}
	return fromGrouped(users, events)
}

// Fingerprint 返回日志内容的稳定哈希，用于 checkpoint key。
func (l *Log) Fingerprint() string {
	l.fpOnce.Do(func() {
		h := sha256.New()
		var buf [8]byte
		put := func(v int64) {
			binary.LittleEndian.PutUint64(buf[:], uint64(v))
			h.Write(buf[:])
		}
		for i, u := range l.users {
			put(u)
			put(int64(len(l.events[i])))
			for _, e := range l.events[i] {
				put(e.ItemID)
				put(e.Time.UnixNano())
				put(int64(e.SeqRank))
			}
		}
		l.fp = hex.EncodeToString(h.Sum(nil))[:16]
	})
	return l.fp
}
