package recall

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
)

func day(d int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

// 三个用户、五个物品的序列：
//
//	u1: 1 2 3      (day 0,1,2)
//	u2: 1 3 4 5    (day 0,1,2,3)
//	u3: 2 2 1      (day 0,1,2)
func threeUserLog() *dataset.Log {
	rows := []core.Interaction{
		{UserID: 1, ItemID: 1, Time: day(0)},
		{UserID: 1, ItemID: 2, Time: day(1)},
		{UserID: 1, ItemID: 3, Time: day(2)},
		{UserID: 2, ItemID: 1, Time: day(0)},
		{UserID: 2, ItemID: 3, Time: day(1)},
		{UserID: 2, ItemID: 4, Time: day(2)},
		{UserID: 2, ItemID: 5, Time: day(3)},
		{UserID: 3, ItemID: 2, Time: day(0)},
		{UserID: 3, ItemID: 2, Time: day(1)},
		{UserID: 3, ItemID: 1, Time: day(2)},
	}
	return dataset.NewLog(rows)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBuildCovisitGraph_HandComputed(t *testing.T) {
	g, err := BuildCovisitGraph(context.Background(), threeUserLog(), 2, 10, core.DefaultRunConfig())
	if err != nil {
		t.Fatal(err)
	}
	// window=2:
	//   u1: (1,2,1) (2,3,1) (1,3,1/2)
	//   u2: (1,3,1) (3,4,1) (4,5,1) (1,4,1/2) (3,5,1/2)
	//   u3: (2,2) 自环跳过, (2,1,1) (2,1,1/2)
	want := map[[2]int64]float64{
		{1, 2}: 1,
		{2, 3}: 1,
		{1, 3}: 1.5,
		{3, 4}: 1,
		{4, 5}: 1,
		{1, 4}: 0.5,
		{3, 5}: 0.5,
		{2, 1}: 1.5,
	}
	if g.NumEdges() != len(want) {
		t.Fatalf("NumEdges() = %d, want %d: %+v", g.NumEdges(), len(want), g.Adjacency)
	}
	for e, w := range want {
		if got := g.Weight(e[0], e[1]); !approx(got, w) {
			t.Errorf("Weight(%d,%d) = %v, want %v", e[0], e[1], got, w)
		}
	}
	// 邻居按权重降序，同权重 item 升序
	nb := g.Neighbors(1)
	if len(nb) != 3 || nb[0].Item != 3 || nb[1].Item != 2 || nb[2].Item != 4 {
		t.Errorf("Neighbors(1) = %+v, want [3 2 4]", nb)
	}
}

func TestBuildCovisitGraph_SingleUserScenario(t *testing.T) {
	l := dataset.NewLog([]core.Interaction{
		{UserID: 1, ItemID: 1, Time: day(0)},
		{UserID: 1, ItemID: 2, Time: day(1)},
		{UserID: 1, ItemID: 3, Time: day(2)},
	})
	g, err := BuildCovisitGraph(context.Background(), l, 2, 10, core.DefaultRunConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		a, b int64
		w    float64
	}{{1, 2, 1}, {2, 3, 1}, {1, 3, 0.5}} {
		if got := g.Weight(tc.a, tc.b); !approx(got, tc.w) {
			t.Errorf("Weight(%d,%d) = %v, want %v", tc.a, tc.b, got, tc.w)
		}
	}
}

func TestBuildCovisitGraph_NoSelfLoops(t *testing.T) {
	var rows []core.Interaction
	for u := int64(1); u <= 20; u++ {
		for i := 0; i < 15; i++ {
			rows = append(rows, core.Interaction{UserID: u, ItemID: int64((int(u)*7 + i*i) % 6), Time: day(i)})
		}
	}
	l := dataset.NewLog(rows)
	for w := 1; w <= 10; w++ {
		g, err := BuildCovisitGraph(context.Background(), l, w, 3, core.DefaultRunConfig())
		if err != nil {
			t.Fatal(err)
		}
		for a, edges := range g.Adjacency {
			if len(edges) > 3 {
				t.Errorf("window %d: item %d has %d edges, want <= 3", w, a, len(edges))
			}
			for _, e := range edges {
				if e.Item == a {
					t.Fatalf("window %d: self loop on %d", w, a)
				}
			}
		}
	}
}

func TestBuildCovisitGraph_BatchingInvariant(t *testing.T) {
	l := threeUserLog()
	ref, err := BuildCovisitGraph(context.Background(), l, 3, 10, core.RunConfig{Workers: 1, BatchSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	got, err := BuildCovisitGraph(context.Background(), l, 3, 10, core.RunConfig{Workers: 4, BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	for a, edges := range ref.Adjacency {
		other := got.Neighbors(a)
		if len(other) != len(edges) {
			t.Fatalf("item %d: %d edges vs %d", a, len(edges), len(other))
		}
		for i := range edges {
			if edges[i] != other[i] {
				t.Errorf("item %d edge %d: %+v vs %+v", a, i, edges[i], other[i])
			}
		}
	}
}

func TestBuildCovisitGraph_InvalidWindow(t *testing.T) {
	for _, w := range []int{0, MaxCovisitWindow + 1} {
		_, err := BuildCovisitGraph(context.Background(), threeUserLog(), w, 5, core.DefaultRunConfig())
		if !core.IsInvalidInput(err) {
			t.Errorf("window %d: err = %v, want INVALID_INPUT", w, err)
		}
	}
}

func TestBuildCovisitGraph_MaxWindow(t *testing.T) {
	if headroom := math.MaxInt64 / lcmUpTo(MaxCovisitWindow); headroom < 1e12 {
		t.Fatalf("lcm(1..%d) leaves headroom %d", MaxCovisitWindow, headroom)
	}

	// 每个用户 1000 个事件，物品 1/2 交替
	const users, length = 50, 1000
	var rows []core.Interaction
	for u := int64(1); u <= users; u++ {
		for i := 0; i < length; i++ {
			rows = append(rows, core.Interaction{UserID: u, ItemID: int64(1 + i%2), Time: day(0).Add(time.Duration(i) * time.Second)})
		}
	}
	g, err := BuildCovisitGraph(context.Background(), dataset.NewLog(rows), MaxCovisitWindow, 5, core.DefaultRunConfig())
	if err != nil {
		t.Fatal(err)
	}

	denom := lcmUpTo(MaxCovisitWindow)
	var num int64
	for i := 0; i < length; i += 2 {
		for lag := 1; lag <= MaxCovisitWindow && i+lag < length; lag += 2 {
			num += denom / int64(lag)
		}
	}
	want := float64(num*users) / float64(denom)
	if got := g.Weight(1, 2); got <= 0 || !approx(got, want) {
		t.Errorf("weight(1->2) = %v, want %v", got, want)
	}
	if g.Weight(1, 1) != 0 || g.Weight(2, 2) != 0 {
		t.Error("self-loop in graph")
	}
}

func TestAddWeight_Overflow(t *testing.T) {
	k := edgeKey{1, 2}
	m := map[edgeKey]int64{k: math.MaxInt64 - 10}
	if !addWeight(m, k, 10) {
		t.Fatal("add up to MaxInt64 should succeed")
	}
	if addWeight(m, k, 1) {
		t.Fatal("overflow not detected")
	}
	if m[k] != math.MaxInt64 {
		t.Errorf("value changed on overflow: %d", m[k])
	}
	if err := overflowErr(k); !core.IsInvalidInput(err) {
		t.Errorf("overflowErr = %v, want INVALID_INPUT", err)
	}
}

func TestCovisit_Build(t *testing.T) {
	p := DefaultParams()
	p.CovisitWindow = 2
	p.RecentK = 1
	in := &Input{Log: threeUserLog(), Params: p, Run: core.DefaultRunConfig()}
	res, err := (&Covisit{}).Build(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	// u1 最近物品是 3，邻居 4(1) 5(0.5)
	if s := res.Users[1]; len(s) != 2 || !approx(s[4], 1) || !approx(s[5], 0.5) {
		t.Errorf("user 1 scores = %v", s)
	}
	// u2 最近物品是 5，没有出边
	if _, ok := res.Users[2]; ok {
		t.Errorf("user 2 should have no covisit rows, got %v", res.Users[2])
	}
}

func TestRepurchase_Decay(t *testing.T) {
	l := dataset.NewLog([]core.Interaction{
		{UserID: 1, ItemID: 1, Time: day(0)},
		{UserID: 1, ItemID: 2, Time: day(1)},
		{UserID: 1, ItemID: 3, Time: day(2)},
	})
	p := DefaultParams()
	p.TauDays = 7
	res, err := (&Repurchase{}).Build(context.Background(), &Input{Log: l, Params: p, Run: core.DefaultRunConfig()})
	if err != nil {
		t.Fatal(err)
	}
	s := res.Users[1]
	if !approx(s[3], 1) {
		t.Errorf("score(3) = %v, want 1", s[3])
	}
	if math.Abs(s[1]-0.7536) > 1e-4 {
		t.Errorf("score(1) = %v, want ~0.7536", s[1])
	}
	if !approx(s[1], math.Exp(-2.0/7)) {
		t.Errorf("score(1) = %v, want exp(-2/7)", s[1])
	}
}

func TestRepurchase_ReferenceAndMax(t *testing.T) {
	l := dataset.NewLog([]core.Interaction{
		{UserID: 1, ItemID: 1, Time: day(0)},
		{UserID: 1, ItemID: 1, Time: day(3)},
		{UserID: 1, ItemID: 2, Time: day(10)},
	})
	p := DefaultParams()
	p.TauDays = 7
	in := &Input{Log: l, Params: p, Run: core.DefaultRunConfig(), Reference: map[int64]time.Time{1: day(5)}}
	res, err := (&Repurchase{}).Build(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	s := res.Users[1]
	if _, ok := s[2]; ok {
		t.Errorf("event after reference should be ignored: %v", s)
	}
	if !approx(s[1], math.Exp(-2.0/7)) {
		t.Errorf("score(1) = %v, want most recent decay exp(-2/7)", s[1])
	}
}

func TestPersonalPop_Build(t *testing.T) {
	// 类目 100: 物品 1(3 次) 2(2 次) 3(1 次)；类目 200: 物品 4
	rows := []core.Interaction{
		{UserID: 1, ItemID: 1, Time: day(0)},
		{UserID: 2, ItemID: 1, Time: day(0)},
		{UserID: 3, ItemID: 1, Time: day(0)},
		{UserID: 2, ItemID: 2, Time: day(1)},
		{UserID: 3, ItemID: 2, Time: day(1)},
		{UserID: 3, ItemID: 3, Time: day(2)},
		{UserID: 4, ItemID: 4, Time: day(0)},
	}
	attrs := core.AttributeSet{
		1: {ItemID: 1, CategoryID: 100, HasCategory: true},
		2: {ItemID: 2, CategoryID: 100, HasCategory: true},
		3: {ItemID: 3, CategoryID: 100, HasCategory: true},
		4: {ItemID: 4, StoreID: 9, HasStore: true},
	}
	p := DefaultParams()
	p.PerCatePool = 4
	p.UserTopCates = 1
	in := &Input{Log: dataset.NewLog(rows), Attrs: attrs, Params: p, Run: core.DefaultRunConfig()}
	res, err := (&PersonalPop{}).Build(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	// u1 偏好类目 100，排除已交互的 1：2 是第 2 名，3 是第 3 名
	s := res.Users[1]
	if _, ok := s[1]; ok {
		t.Errorf("seen item should be excluded: %v", s)
	}
	if !approx(s[2], 0.75) || !approx(s[3], 0.5) {
		t.Errorf("user 1 scores = %v, want {2:0.75 3:0.5}", s)
	}
	// u3 已交互全部类目物品
	if _, ok := res.Users[3]; ok {
		t.Errorf("user 3 should have no rows, got %v", res.Users[3])
	}
	// 物品 4 没有类目，只有店铺桶；u4 看过 4，没有其它店铺物品
	if _, ok := res.Users[4]; ok {
		t.Errorf("user 4 should have no rows, got %v", res.Users[4])
	}
}

func TestPersonalPop_NoAttributes(t *testing.T) {
	in := &Input{Log: threeUserLog(), Params: DefaultParams(), Run: core.DefaultRunConfig()}
	res, err := (&PersonalPop{}).Build(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty() {
		t.Errorf("expected empty result without attributes")
	}
}

func TestHot_NonEmpty(t *testing.T) {
	p := DefaultParams()
	p.PopPool = 2
	res, err := (&Hot{}).Build(context.Background(), &Input{Log: threeUserLog(), Params: p, Run: core.DefaultRunConfig()})
	if err != nil {
		t.Fatal(err)
	}
	// 频次：1→3 2→3 3→2，同频次 item 升序
	if len(res.Shared) != 2 || !approx(res.Shared[1], 1) || !approx(res.Shared[2], 0.5) {
		t.Errorf("shared = %v", res.Shared)
	}
	if res.Rows(3) != 6 {
		t.Errorf("Rows(3) = %d, want 6", res.Rows(3))
	}
}

func TestMerger_Merge(t *testing.T) {
	results := []*Result{
		{Channel: core.ChannelRepurchase, Users: map[int64]UserScores{1: {10: 1, 11: 0.5}}},
		{Channel: core.ChannelCovisit, Users: map[int64]UserScores{1: {11: 2, 12: 0}}},
		{Channel: core.ChannelGlobalPop, Shared: UserScores{13: 1, 10: 0.5}},
	}
	w, err := ParseWeights(map[string]float64{
		"repurchase": 1, "covisit": 0.5, "personalized_pop": 1, "global_pop": 0.1,
	}, core.Channels())
	if err != nil {
		t.Fatal(err)
	}
	m := &Merger{Weights: w, Cap: 2}
	cands, err := m.Merge(context.Background(), []int64{2, 1}, results, core.DefaultRunConfig())
	if err != nil {
		t.Fatal(err)
	}
	// u1: 10 → 1+0.05=1.05, 11 → 0.5+1=1.5, 13 → 0.1；截断到 2
	// u2: 只有 shared：13 → 0.1, 10 → 0.05
	if len(cands) != 4 {
		t.Fatalf("got %d candidates: %+v", len(cands), cands)
	}
	byUser := GroupByUser(cands)
	u1 := byUser[1]
	if u1[0].ItemID != 11 || u1[1].ItemID != 10 || u1[0].Rank != 1 || u1[1].Rank != 2 {
		t.Errorf("user 1 = %+v", u1)
	}
	if !approx(u1[1].FinalScore, 1.05) || u1[1].Scores[core.ChannelCovisit] != 0 {
		t.Errorf("user 1 item 10 = %+v", u1[1])
	}
	if cands[0].UserID != 1 || cands[3].UserID != 2 {
		t.Errorf("output should be sorted by user")
	}
	if byUser[2][0].ItemID != 13 {
		t.Errorf("user 2 = %+v", byUser[2])
	}
}

func TestMerger_Deterministic(t *testing.T) {
	in := &Input{Log: threeUserLog(), Params: DefaultParams(), Run: core.DefaultRunConfig()}
	in.Params.CovisitWindow = 2
	run := func(workers int) []core.Candidate {
		in.Run = core.RunConfig{Workers: workers, BatchSize: 1}
		f := &Fanout{Builders: []Builder{&Repurchase{}, &Covisit{}, &PersonalPop{}, &Hot{}}}
		results, err := f.Run(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		w := core.ChannelWeights{1, 1, 1, 1}
		cands, err := (&Merger{Weights: w, Cap: 3}).Merge(context.Background(), in.Log.Users(), results, in.Run)
		if err != nil {
			t.Fatal(err)
		}
		return cands
	}
	a, b := run(1), run(8)
	if len(a) != len(b) {
		t.Fatalf("len %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("row %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestParseWeights(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]float64
		wantErr bool
	}{
		{"ok", map[string]float64{"repurchase": 1, "covisit": 0}, false},
		{"missing", map[string]float64{"repurchase": 1}, true},
		{"negative", map[string]float64{"repurchase": -1, "covisit": 1}, true},
		{"unknown", map[string]float64{"repurchase": 1, "covisit": 1, "bogus": 1}, true},
	}
	chans := []core.Channel{core.ChannelRepurchase, core.ChannelCovisit}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWeights(tt.raw, chans)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type slowBuilder struct{ Repurchase }

func (s *slowBuilder) Build(ctx context.Context, _ *Input) (*Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFanout_Timeout(t *testing.T) {
	f := &Fanout{Builders: []Builder{&Hot{}, &slowBuilder{}}, Timeout: 20 * time.Millisecond}
	_, err := f.Run(context.Background(), &Input{Log: threeUserLog(), Params: DefaultParams(), Run: core.DefaultRunConfig()})
	if !core.IsTimeout(err) {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
}

func TestParamsFrom(t *testing.T) {
	p, err := ParamsFrom(DefaultParams(), core.ParameterSet{ParamCovisitWindow: 5, ParamTauDays: 3.5})
	if err != nil {
		t.Fatal(err)
	}
	if p.CovisitWindow != 5 || p.TauDays != 3.5 || p.RecallCap != DefaultParams().RecallCap {
		t.Errorf("ParamsFrom = %+v", p)
	}
	if _, err := ParamsFrom(DefaultParams(), core.ParameterSet{ParamRecallCap: 0}); !core.IsInvalidInput(err) {
		t.Errorf("recall_cap=0: err = %v", err)
	}
}
