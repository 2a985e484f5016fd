package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/recall"
)

// Config 是召回流水线的配置结构（支持 YAML/JSON）。
//
//	pipeline:
//	  name: default
//	  timeout: 10m
//	  channels:
//	    - type: recall.repurchase
//	      weight: 1.0
//	    - type: recall.hot
//	      weight: 0.1
//	      config: {key_prefix: "recalltune:hot"}
type Config struct {
	Pipeline Spec `yaml:"pipeline" json:"pipeline" koanf:"pipeline"`
}

// Spec 是 pipeline 段的内容，也直接嵌在应用配置中。
type Spec struct {
	Name          string          `yaml:"name" json:"name" koanf:"name"`
	Channels      []ChannelConfig `yaml:"channels" json:"channels" koanf:"channels"`
	Timeout       string          `yaml:"timeout" json:"timeout" koanf:"timeout"` // 每个通道的超时，如 "5m"
	MaxConcurrent int             `yaml:"max_concurrent" json:"max_concurrent" koanf:"max_concurrent"`
}

// ChannelConfig 是单个通道的配置。Weight 必须显式给出。
type ChannelConfig struct {
	Type   string         `yaml:"type" json:"type" koanf:"type"` // recall.repurchase / recall.covisit / recall.personal_pop / recall.hot
	Weight *float64       `yaml:"weight" json:"weight" koanf:"weight"`
	Config map[string]any `yaml:"config" json:"config" koanf:"config"`
}

// LoadFromYAML 从 YAML 文件加载配置。
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

// LoadFromJSON 从 JSON 文件加载配置。
func LoadFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &cfg, nil
}

// ChannelTimeout 解析每通道超时，空串为 0（不限）。
func (s *Spec) ChannelTimeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d < 0 {
		return 0, core.InvalidInput(core.ModuleRecall, fmt.Sprintf("invalid pipeline timeout %q", s.Timeout))
	}
	return d, nil
}

// Build 构建全部通道并解析权重。
// 通道不能重复，每个通道都必须有非负权重。
func (s *Spec) Build(factory *ChannelFactory, deps Deps) ([]recall.Builder, core.ChannelWeights, error) {
	var weights core.ChannelWeights
	if len(s.Channels) == 0 {
		return nil, weights, core.InvalidInput(core.ModuleRecall, "pipeline has no channels")
	}

	builders := make([]recall.Builder, 0, len(s.Channels))
	raw := make(map[string]float64, len(s.Channels))
	channels := make([]core.Channel, 0, len(s.Channels))
	for _, cc := range s.Channels {
		b, err := factory.Build(cc.Type, cc.Config, deps)
		if err != nil {
			return nil, weights, fmt.Errorf("build channel %s: %w", cc.Type, err)
		}
		ch := b.Channel()
		if _, dup := raw[ch.String()]; dup {
			return nil, weights, core.InvalidInput(core.ModuleRecall, fmt.Sprintf("duplicate channel %s", ch))
		}
		if cc.Weight == nil {
			return nil, weights, core.InvalidInput(core.ModuleRecall, fmt.Sprintf("missing weight for channel %s", ch))
		}
		raw[ch.String()] = *cc.Weight
		channels = append(channels, ch)
		builders = append(builders, b)
	}
	weights, err := recall.ParseWeights(raw, channels)
	if err != nil {
		return nil, weights, err
	}
	return builders, weights, nil
}
