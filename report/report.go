package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/eval"
	"github.com/rushteam/recalltune/search"
)

// Format 报告格式
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat 解析格式名，yml 等同 yaml。
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", core.InvalidInput(core.ModuleReport, fmt.Sprintf("unknown report format %q", s))
}

// FormatFor 按扩展名推断格式，默认 JSON。
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// SearchReport 是一次搜索的完整产物。
type SearchReport struct {
	RunID      string               `json:"run_id" yaml:"run_id"`
	Optimizer  string               `json:"optimizer" yaml:"optimizer"`
	TwoStage   bool                 `json:"two_stage" yaml:"two_stage"`
	Best       core.ParameterSet    `json:"best" yaml:"best"`
	BestScore  float64              `json:"best_score" yaml:"best_score"`
	BestStage  string               `json:"best_stage,omitempty" yaml:"best_stage,omitempty"`
	Evaluation *eval.Report         `json:"evaluation,omitempty" yaml:"evaluation,omitempty"`
	Trials     []search.TrialResult `json:"trials" yaml:"trials"`
	Successful int                  `json:"successful" yaml:"successful"`
	Failed     int                  `json:"failed" yaml:"failed"`
	Started    time.Time            `json:"started" yaml:"started"`
	Finished   time.Time            `json:"finished" yaml:"finished"`
}

// Count 根据 Trials 统计成功/失败数。
func (r *SearchReport) Count() {
	r.Successful, r.Failed = 0, 0
	for _, t := range r.Trials {
		if t.OK() {
			r.Successful++
		} else {
			r.Failed++
		}
	}
}

// Write 以指定格式写出 v。
func Write(w io.Writer, format Format, v any) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = w.Write(data)
		return err
	}
}

// WriteFile 按扩展名选择格式写出 v。
func WriteFile(path string, v any) error {
	return writeAtomic(path, func(w io.Writer) error { return Write(w, FormatFor(path), v) })
}

// WriteParams 写出参数 YAML（键按字母序）。
func WriteParams(path string, ps core.ParameterSet) error {
	return writeAtomic(path, func(w io.Writer) error { return Write(w, FormatYAML, ps) })
}

// ReadParams 读取 WriteParams 写出的文件，也接受 JSON。
func ReadParams(path string) (core.ParameterSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	var ps core.ParameterSet
	if FormatFor(path) == FormatYAML || !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		err = yaml.Unmarshal(data, &ps)
	} else {
		err = json.Unmarshal(data, &ps)
	}
	if err != nil {
		return nil, core.InvalidInput(core.ModuleReport, "parse params: "+err.Error())
	}
	return ps, nil
}
