package core

import "time"

// Interaction 是一条用户-物品行为记录，只读。
// SeqRank 是同一时间戳内的次序（0 表示没有），用于稳定排序。
type Interaction struct {
	UserID  int64
	ItemID  int64
	Time    time.Time
	SeqRank int
}

// ItemAttribute 是物品的类目/店铺属性，任一属性都可能缺失。
type ItemAttribute struct {
	ItemID      int64
	CategoryID  int64
	StoreID     int64
	HasCategory bool
	HasStore    bool
}

// AttributeSet 以 item_id 为 key 的属性表。nil 表示没有任何属性。
type AttributeSet map[int64]ItemAttribute

// Lookup 返回物品的属性记录。
func (s AttributeSet) Lookup(item int64) (ItemAttribute, bool) {
	attr, ok := s[item]
	return attr, ok
}

// Category 返回物品类目，缺失时 ok=false。
func (s AttributeSet) Category(item int64) (int64, bool) {
	attr, ok := s.Lookup(item)
	if !ok || !attr.HasCategory {
		return 0, false
	}
	return attr.CategoryID, true
}

// Store 返回物品店铺，缺失时 ok=false。
func (s AttributeSet) Store(item int64) (int64, bool) {
	attr, ok := s.Lookup(item)
	if !ok || !attr.HasStore {
		return 0, false
	}
	return attr.StoreID, true
}

// Merge 用 other 中存在的字段覆盖当前属性，返回新表。
func (s AttributeSet) Merge(other AttributeSet) AttributeSet {
	out := make(AttributeSet, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		cur := out[k]
		cur.ItemID = k
		if v.HasCategory {
			cur.CategoryID, cur.HasCategory = v.CategoryID, true
		}
		if v.HasStore {
			cur.StoreID, cur.HasStore = v.StoreID, true
		}
		out[k] = cur
	}
	return out
}
