package recall

import (
	"fmt"

	"github.com/rushteam/recalltune/core"
)

// 参数名。与搜索空间描述文件中的 name 对应。
const (
	ParamCovisitWindow = "covisit_window"
	ParamTopPerItem    = "top_per_item"
	ParamRecentK       = "recent_k"
	ParamCandPerRecent = "cand_per_recent"
	ParamTauDays       = "tau_days"
	ParamUserTopCates  = "user_top_cates"
	ParamUserTopStores = "user_top_stores"
	ParamPerCatePool   = "per_cate_pool"
	ParamPerStorePool  = "per_store_pool"
	ParamPopPool       = "pop_pool"
	ParamRecallCap     = "recall_cap"
)

// MaxCovisitWindow 是窗口上限。共现权重按 lcm(1..W) 定点累加，
// W=16 时 lcm=720720，单条边可累加约 1.28e13 的总权重。
const MaxCovisitWindow = 16

// Params 是召回链路的全部可调参数。
type Params struct {
	CovisitWindow int     // 共现窗口 W
	TopPerItem    int     // 每个源物品保留的邻居数
	RecentK       int     // 用户最近 K 个物品作为共现种子
	CandPerRecent int     // 每个种子取的邻居数
	TauDays       float64 // 复购衰减常数（天）
	UserTopCates  int     // 用户偏好类目数
	UserTopStores int     // 用户偏好店铺数
	PerCatePool   int     // 每个类目的热门池大小
	PerStorePool  int     // 每个店铺的热门池大小
	PopPool       int     // 全局热门池大小
	RecallCap     int     // 每个用户的候选上限
}

// DefaultParams 返回默认参数（各取值范围的中间偏常用值）。
func DefaultParams() Params {
	return Params{
		CovisitWindow: 3,
		TopPerItem:    200,
		RecentK:       5,
		CandPerRecent: 40,
		TauDays:       14,
		UserTopCates:  3,
		UserTopStores: 3,
		PerCatePool:   80,
		PerStorePool:  60,
		PopPool:       2000,
		RecallCap:     600,
	}
}

// ParamsFrom 以 base 为底，用 ps 中出现的参数覆盖。
func ParamsFrom(base Params, ps core.ParameterSet) (Params, error) {
	p := base
	ints := []struct {
		name string
		dst  *int
	}{
		{ParamCovisitWindow, &p.CovisitWindow},
		{ParamTopPerItem, &p.TopPerItem},
		{ParamRecentK, &p.RecentK},
		{ParamCandPerRecent, &p.CandPerRecent},
		{ParamUserTopCates, &p.UserTopCates},
		{ParamUserTopStores, &p.UserTopStores},
		{ParamPerCatePool, &p.PerCatePool},
		{ParamPerStorePool, &p.PerStorePool},
		{ParamPopPool, &p.PopPool},
		{ParamRecallCap, &p.RecallCap},
	}
	for _, f := range ints {
		v, err := ps.Int(f.name, *f.dst)
		if err != nil {
			return Params{}, err
		}
		*f.dst = v
	}
	tau, err := ps.Float(ParamTauDays, p.TauDays)
	if err != nil {
		return Params{}, err
	}
	p.TauDays = tau
	return p, p.Validate()
}

// ParameterSet 把 Params 转回 ParameterSet（用于报告和 checkpoint key）。
func (p Params) ParameterSet() core.ParameterSet {
	return core.ParameterSet{
		ParamCovisitWindow: p.CovisitWindow,
		ParamTopPerItem:    p.TopPerItem,
		ParamRecentK:       p.RecentK,
		ParamCandPerRecent: p.CandPerRecent,
		ParamTauDays:       p.TauDays,
		ParamUserTopCates:  p.UserTopCates,
		ParamUserTopStores: p.UserTopStores,
		ParamPerCatePool:   p.PerCatePool,
		ParamPerStorePool:  p.PerStorePool,
		ParamPopPool:       p.PopPool,
		ParamRecallCap:     p.RecallCap,
	}
}

// Validate 校验参数为正且窗口不超过上限。
func (p Params) Validate() error {
	positives := map[string]int{
		ParamCovisitWindow: p.CovisitWindow,
		ParamTopPerItem:    p.TopPerItem,
		ParamRecentK:       p.RecentK,
		ParamCandPerRecent: p.CandPerRecent,
		ParamUserTopCates:  p.UserTopCates,
		ParamUserTopStores: p.UserTopStores,
		ParamPerCatePool:   p.PerCatePool,
		ParamPerStorePool:  p.PerStorePool,
		ParamPopPool:       p.PopPool,
		ParamRecallCap:     p.RecallCap,
	}
	for _, name := range sortedKeys(positives) {
		if positives[name] <= 0 {
			return core.InvalidInput(core.ModuleRecall, fmt.Sprintf("%s must be positive, got %d", name, positives[name]))
		}
	}
	if p.CovisitWindow > MaxCovisitWindow {
		return core.InvalidInput(core.ModuleRecall, fmt.Sprintf("%s must be <= %d", ParamCovisitWindow, MaxCovisitWindow))
	}
	if !(p.TauDays > 0) {
		return core.InvalidInput(core.ModuleRecall, fmt.Sprintf("%s must be > 0, got %v", ParamTauDays, p.TauDays))
	}
	return nil
}
