package recall

import (
	"context"
	"maps"
	"slices"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/store"
)

func hotStores(t *testing.T) map[string]core.KeyValueStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStoreContext(context.Background(), store.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	ms := store.NewMemoryStore()
	t.Cleanup(func() {
		_ = rs.Close()
		_ = ms.Close()
	})
	return map[string]core.KeyValueStore{"memory": ms, "redis": rs}
}

func hotInput() *Input {
	p := DefaultParams()
	p.PopPool = 3
	return &Input{Log: threeUserLog(), Params: p, Run: core.DefaultRunConfig()}
}

func TestHot_StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fresh, err := (&Hot{}).Build(ctx, hotInput())
	if err != nil {
		t.Fatal(err)
	}
	// 频次：1 和 2 各 3 次（同频按 item 升序），3 为 2 次
	if want := (UserScores{1: 1, 2: NormalizedRank(2, 3), 3: NormalizedRank(3, 3)}); !maps.Equal(fresh.Shared, want) {
		t.Fatalf("fresh shared = %v, want %v", fresh.Shared, want)
	}

	for name, kv := range hotStores(t) {
		t.Run(name, func(t *testing.T) {
			in := hotInput()
			h := &Hot{Store: kv}
			first, err := h.Build(ctx, in)
			if err != nil {
				t.Fatal(err)
			}
			if !maps.Equal(first.Shared, fresh.Shared) {
				t.Errorf("first build = %v, want %v", first.Shared, fresh.Shared)
			}

			key := HotKey("", in.Log, in.Params.PopPool)
			if _, err := kv.Get(ctx, key+":ready"); err != nil {
				t.Fatalf("ready marker: %v", err)
			}
			members, err := kv.ZRange(ctx, key, 0, -1)
			if err != nil {
				t.Fatal(err)
			}
			if want := []string{"1", "2", "3"}; !slices.Equal(members, want) {
				t.Errorf("zset order = %v, want %v", members, want)
			}

			second, err := h.Build(ctx, in)
			if err != nil {
				t.Fatal(err)
			}
			if !maps.Equal(second.Shared, fresh.Shared) {
				t.Errorf("cached build = %v, want %v", second.Shared, fresh.Shared)
			}
		})
	}
}

func TestHot_ReadsPublishedList(t *testing.T) {
	ctx := context.Background()
	for name, kv := range hotStores(t) {
		t.Run(name, func(t *testing.T) {
			in := hotInput()
			key := HotKey("", in.Log, in.Params.PopPool)
			if err := PublishHot(ctx, kv, key, []int64{5, 4, 3}); err != nil {
				t.Fatal(err)
			}
			res, err := (&Hot{Store: kv}).Build(ctx, in)
			if err != nil {
				t.Fatal(err)
			}
			want := UserScores{5: 1, 4: NormalizedRank(2, 3), 3: NormalizedRank(3, 3)}
			if !maps.Equal(res.Shared, want) {
				t.Errorf("shared = %v, want %v", res.Shared, want)
			}
		})
	}
}

func TestHot_MissingReadyMarkerRebuilds(t *testing.T) {
	ctx := context.Background()
	for name, kv := range hotStores(t) {
		t.Run(name, func(t *testing.T) {
			in := hotInput()
			key := HotKey("", in.Log, in.Params.PopPool)
			// 写了一半的榜单：没有 ready 标记
			if err := kv.ZAdd(ctx, key, 10, "5"); err != nil {
				t.Fatal(err)
			}
			res, err := (&Hot{Store: kv}).Build(ctx, in)
			if err != nil {
				t.Fatal(err)
			}
			want := UserScores{1: 1, 2: NormalizedRank(2, 3), 3: NormalizedRank(3, 3)}
			if !maps.Equal(res.Shared, want) {
				t.Errorf("shared = %v, want %v", res.Shared, want)
			}
			if _, err := kv.Get(ctx, key+":ready"); err != nil {
				t.Errorf("ready marker after rebuild: %v", err)
			}
			members, err := kv.ZRange(ctx, key, 0, -1)
			if err != nil {
				t.Fatal(err)
			}
			if want := []string{"1", "2", "3"}; !slices.Equal(members, want) {
				t.Errorf("stale members kept: %v", members)
			}
		})
	}
}

func TestHotKey_SeparatesLogsAndPools(t *testing.T) {
	l := threeUserLog()
	other := l.Subset([]int64{1, 2})
	if HotKey("", l, 3) == HotKey("", l, 4) {
		t.Error("pool size not in key")
	}
	if HotKey("", l, 3) == HotKey("", other, 3) {
		t.Error("log fingerprint not in key")
	}
	if got := HotKey("p", l, 3); got[:2] != "p:" {
		t.Errorf("prefix not applied: %s", got)
	}
}
