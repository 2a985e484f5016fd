// Package feast 从 Feast 在线特征库读取物品的类目/店铺属性，补充本地属性文件。
package feast

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rushteam/recalltune/core"
)

// Config Feast 连接与特征映射配置。
//
//	feast:
//	  enabled: true
//	  endpoint: localhost:6565
//	  project: retail
//	  entity_key: item_id
//	  category_feature: item_attrs:category_id
//	  store_feature: item_attrs:store_id
type Config struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// Endpoint host:port，可带 grpc:// 前缀，端口缺省 6565
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`
	Project  string `koanf:"project" yaml:"project"`

	// Token 非空时使用静态 token 认证
	Token string `koanf:"token" yaml:"token"`
	TLS   bool   `koanf:"tls" yaml:"tls"`

	EntityKey       string `koanf:"entity_key" yaml:"entity_key"`
	CategoryFeature string `koanf:"category_feature" yaml:"category_feature"`
	StoreFeature    string `koanf:"store_feature" yaml:"store_feature"`

	// BatchSize 每次请求的实体数
	BatchSize int `koanf:"batch_size" yaml:"batch_size"`

	// Concurrency 并发请求数
	Concurrency int `koanf:"concurrency" yaml:"concurrency"`

	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// DefaultConfig 默认配置（未启用）
func DefaultConfig() Config {
	return Config{
		Endpoint:        "localhost:6565",
		EntityKey:       "item_id",
		CategoryFeature: "item_attrs:category_id",
		StoreFeature:    "item_attrs:store_id",
		BatchSize:       500,
		Concurrency:     4,
		Timeout:         30 * time.Second,
	}
}

// Validate 启用时检查必填项。
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Project == "" {
		return core.InvalidInput(core.ModuleFeast, "feast.project is required")
	}
	if c.EntityKey == "" {
		return core.InvalidInput(core.ModuleFeast, "feast.entity_key is required")
	}
	if c.CategoryFeature == "" && c.StoreFeature == "" {
		return core.InvalidInput(core.ModuleFeast, "feast needs category_feature or store_feature")
	}
	if c.BatchSize < 0 || c.Concurrency < 0 {
		return core.InvalidInput(core.ModuleFeast, "feast batch_size and concurrency must be >= 0")
	}
	if _, _, err := parseEndpoint(c.Endpoint); err != nil {
		return err
	}
	return nil
}

func (c Config) features() []string {
	var out []string
	if c.CategoryFeature != "" {
		out = append(out, c.CategoryFeature)
	}
	if c.StoreFeature != "" {
		out = append(out, c.StoreFeature)
	}
	return out
}

// parseEndpoint 解析 host:port，端口缺省 6565。
func parseEndpoint(endpoint string) (string, int, error) {
	endpoint = strings.TrimPrefix(endpoint, "grpc://")
	if endpoint == "" {
		return "", 0, core.InvalidInput(core.ModuleFeast, "feast.endpoint is required")
	}
	host, portStr, found := strings.Cut(endpoint, ":")
	if !found {
		return host, 6565, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, core.InvalidInput(core.ModuleFeast, fmt.Sprintf("invalid feast endpoint %q", endpoint))
	}
	return host, port, nil
}
