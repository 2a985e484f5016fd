package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rushteam/recalltune/core"
)

// 列名别名：第一个是标准名，其余兼容历史导出的表头。
var (
	userColumns     = []string{"user_id", "buyer_admin_id"}
	itemColumns     = []string{"item_id"}
	timeColumns     = []string{"timestamp", "create_order_time", "time"}
	seqColumns      = []string{"sequence_rank", "irank"}
	categoryColumns = []string{"category_id", "cate_id"}
	storeColumns    = []string{"store_id"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp 解析 unix 秒、RFC3339、"2006-01-02 15:04:05" 或日期。结果为 UTC。
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

type header map[string]int

func readHeader(r *csv.Reader) (header, error) {
	names, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, core.InvalidInput(core.ModuleDataset, "csv: missing header")
		}
		return nil, fmt.Errorf("csv: read header: %w", err)
	}
	h := make(header, len(names))
	for i, n := range names {
		h[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(n, "\ufeff")))] = i
	}
	return h, nil
}

// find 返回第一个存在的别名列的下标。
func (h header) find(aliases []string) (int, bool) {
	for _, a := range aliases {
		if i, ok := h[a]; ok {
			return i, true
		}
	}
	return -1, false
}

func (h header) require(aliases []string) (int, error) {
	i, ok := h.find(aliases)
	if !ok {
		return -1, core.InvalidInput(core.ModuleDataset, fmt.Sprintf("csv: missing column %s", aliases[0]))
	}
	return i, nil
}

// ReadInteractionsCSV 读取 user_id,item_id,timestamp[,sequence_rank] 表。
func ReadInteractionsCSV(r io.Reader) ([]core.Interaction, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	h, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	ui, err := h.require(userColumns)
	if err != nil {
		return nil, err
	}
	ii, err := h.require(itemColumns)
	if err != nil {
		return nil, err
	}
	ti, err := h.require(timeColumns)
	if err != nil {
		return nil, err
	}
	si, hasSeq := h.find(seqColumns)

	var out []core.Interaction
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv: line %d: %w", line, err)
		}
		row := core.Interaction{}
		if row.UserID, err = parseID(rec[ui]); err != nil {
			return nil, lineError(line, "user_id", err)
		}
		if row.ItemID, err = parseID(rec[ii]); err != nil {
			return nil, lineError(line, "item_id", err)
		}
		if row.Time, err = ParseTimestamp(rec[ti]); err != nil {
			return nil, lineError(line, "timestamp", err)
		}
		if hasSeq && strings.TrimSpace(rec[si]) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(rec[si]))
			if err != nil {
				return nil, lineError(line, "sequence_rank", err)
			}
			row.SeqRank = n
		}
		out = append(out, row)
	}
	return out, nil
}

// ReadAttributesCSV 读取 item_id,category_id,store_id 表；空单元格表示缺失。
func ReadAttributesCSV(r io.Reader) (core.AttributeSet, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	h, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	ii, err := h.require(itemColumns)
	if err != nil {
		return nil, err
	}
	ci, hasCate := h.find(categoryColumns)
	si, hasStore := h.find(storeColumns)

	out := make(core.AttributeSet)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv: line %d: %w", line, err)
		}
		attr := core.ItemAttribute{}
		if attr.ItemID, err = parseID(rec[ii]); err != nil {
			return nil, lineError(line, "item_id", err)
		}
		if hasCate && strings.TrimSpace(rec[ci]) != "" {
			if attr.CategoryID, err = parseID(rec[ci]); err != nil {
				return nil, lineError(line, "category_id", err)
			}
			attr.HasCategory = true
		}
		if hasStore && strings.TrimSpace(rec[si]) != "" {
			if attr.StoreID, err = parseID(rec[si]); err != nil {
				return nil, lineError(line, "store_id", err)
			}
			attr.HasStore = true
		}
		out[attr.ItemID] = attr
	}
	return out, nil
}

func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	// 部分导出把整型写成 "123.0"
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return int64(f), nil
}

func lineError(line int, col string, err error) error {
	return core.InvalidInput(core.ModuleDataset, fmt.Sprintf("csv: line %d: %s: %v", line, col, err))
}
