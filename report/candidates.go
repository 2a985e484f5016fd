// Package report 写出运行产物：候选表 CSV、最优参数 YAML、评估/搜索报告。
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rushteam/recalltune/core"
)

// CandidateHeader 候选表列名
var CandidateHeader = []string{
	"user_id", "item_id",
	"repurchase", "covisit", "personalized_pop", "global_pop",
	"final_score", "rank",
}

// WriteCandidates 按输入顺序写出候选表。数值使用最短往返表示，同一输入输出的字节完全一致。
func WriteCandidates(w io.Writer, cands []core.Candidate) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CandidateHeader); err != nil {
		return err
	}
	row := make([]string, len(CandidateHeader))
	for _, c := range cands {
		row[0] = strconv.FormatInt(c.UserID, 10)
		row[1] = strconv.FormatInt(c.ItemID, 10)
		for i, s := range c.Scores {
			row[2+i] = formatScore(s)
		}
		row[6] = formatScore(c.FinalScore)
		row[7] = strconv.Itoa(c.Rank)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// WriteCandidatesFile 写入临时文件后重命名，避免留下半截文件。
func WriteCandidatesFile(path string, cands []core.Candidate) error {
	return writeAtomic(path, func(w io.Writer) error { return WriteCandidates(w, cands) })
}

func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
