package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
)

// Checkpoint 缓存阶段产物。key 由 阶段 + 输入指纹 + 影响该阶段的参数子集 组成，
// 参数只变动下游阶段时，上游产物可以直接复用。
// 产物一经写入不再修改，并发试验共享是安全的。
type Checkpoint struct {
	Store  core.Store
	Prefix string // 默认 "recalltune:ckpt"
	TTL    int    // 秒，0 表示不过期
}

func (c *Checkpoint) enabled() bool { return c != nil && c.Store != nil }

// Key 返回 checkpoint key。未启用时返回空串。
func (c *Checkpoint) Key(kind Kind, name, input string, ps core.ParameterSet, dependsOn []string) string {
	if !c.enabled() {
		return ""
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "recalltune:ckpt"
	}
	sum := sha256.Sum256([]byte(ps.Canonical(dependsOn...)))
	return fmt.Sprintf("%s:%s:%s:%s:%s", prefix, kind, name, input, hex.EncodeToString(sum[:8]))
}

// Load 读取并解码；未命中返回 false。
func (c *Checkpoint) Load(ctx context.Context, key string, v any) (bool, error) {
	if !c.enabled() {
		return false, nil
	}
	data, err := c.Store.Get(ctx, key)
	if err != nil {
		if core.IsStoreNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checkpoint get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("checkpoint decode %s: %w", key, err)
	}
	return true, nil
}

// Save 编码并写入。
func (c *Checkpoint) Save(ctx context.Context, key string, v any) error {
	if !c.enabled() {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("checkpoint encode %s: %w", key, err)
	}
	if err := c.Store.Set(ctx, key, data, c.TTL); err != nil {
		return fmt.Errorf("checkpoint set %s: %w", key, err)
	}
	return nil
}

// InputFingerprint 是一次运行输入的指纹：日志、属性表和复购参考时间。
func InputFingerprint(log *dataset.Log, attrs core.AttributeSet, ref map[int64]time.Time) string {
	h := sha256.New()
	h.Write([]byte(log.Fingerprint()))

	items := make([]int64, 0, len(attrs))
	for id := range attrs {
		items = append(items, id)
	}
	slices.Sort(items)
	for _, id := range items {
		a := attrs[id]
		fmt.Fprintf(h, "|a%d:%d:%t:%d:%t", id, a.CategoryID, a.HasCategory, a.StoreID, a.HasStore)
	}

	users := make([]int64, 0, len(ref))
	for u := range ref {
		users = append(users, u)
	}
	slices.Sort(users)
	for _, u := range users {
		fmt.Fprintf(h, "|r%d:%d", u, ref[u].UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
