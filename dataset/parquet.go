package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/rushteam/recalltune/core"
)

// openDuckDB 打开一个进程内的 DuckDB，用于直接扫描 Parquet 文件。
func openDuckDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// parquetColumns 返回 Parquet 文件的列名（小写）到 DuckDB 类型的映射。
func parquetColumns(ctx context.Context, db *sql.DB, path string) (map[string]string, map[string]string, error) {
	rows, err := db.QueryContext(ctx, "DESCRIBE SELECT * FROM read_parquet("+quoteLiteral(path)+")")
	if err != nil {
		return nil, nil, fmt.Errorf("describe %s: %w", path, err)
	}
	defer rows.Close()

	types := make(map[string]string)
	names := make(map[string]string)
	for rows.Next() {
		var name, typ string
		var null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &typ, &null, &key, &def, &extra); err != nil {
			return nil, nil, fmt.Errorf("describe %s: %w", path, err)
		}
		lower := strings.ToLower(name)
		types[lower] = strings.ToUpper(typ)
		names[lower] = name
	}
	return types, names, rows.Err()
}

func pickColumn(names map[string]string, aliases []string) (string, bool) {
	for _, a := range aliases {
		if n, ok := names[a]; ok {
			return n, true
		}
	}
	return "", false
}

// ReadInteractionsParquet 读取 Parquet 行为表。timestamp 列可以是 TIMESTAMP 或 unix 秒整数。
func ReadInteractionsParquet(ctx context.Context, path string) ([]core.Interaction, error) {
	db, err := openDuckDB(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	types, names, err := parquetColumns(ctx, db, path)
	if err != nil {
		return nil, err
	}
	userCol, ok1 := pickColumn(names, userColumns)
	itemCol, ok2 := pickColumn(names, itemColumns)
	timeCol, ok3 := pickColumn(names, timeColumns)
	if !ok1 || !ok2 || !ok3 {
		return nil, core.InvalidInput(core.ModuleDataset, fmt.Sprintf("parquet %s: need user_id, item_id and timestamp columns", path))
	}

	timeExpr := "CAST(" + quoteIdent(timeCol) + " AS TIMESTAMP)"
	if strings.Contains(types[strings.ToLower(timeCol)], "INT") {
		timeExpr = "epoch_ms(CAST(" + quoteIdent(timeCol) + " AS BIGINT) * 1000)"
	}
	seqExpr := "0"
	if seqCol, ok := pickColumn(names, seqColumns); ok {
		seqExpr = "COALESCE(CAST(" + quoteIdent(seqCol) + " AS INTEGER), 0)"
	}
	query := fmt.Sprintf("SELECT CAST(%s AS BIGINT), CAST(%s AS BIGINT), %s, %s FROM read_parquet(%s)",
		quoteIdent(userCol), quoteIdent(itemCol), timeExpr, seqExpr, quoteLiteral(path))

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	defer rows.Close()

	var out []core.Interaction
	for rows.Next() {
		var r core.Interaction
		var ts time.Time
		if err := rows.Scan(&r.UserID, &r.ItemID, &ts, &r.SeqRank); err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		r.Time = ts.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReadAttributesParquet 读取 Parquet 属性表，NULL 表示缺失。
func ReadAttributesParquet(ctx context.Context, path string) (core.AttributeSet, error) {
	db, err := openDuckDB(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	_, names, err := parquetColumns(ctx, db, path)
	if err != nil {
		return nil, err
	}
	itemCol, ok := pickColumn(names, itemColumns)
	if !ok {
		return nil, core.InvalidInput(core.ModuleDataset, fmt.Sprintf("parquet %s: missing item_id column", path))
	}
	cateExpr, storeExpr := "NULL", "NULL"
	if c, ok := pickColumn(names, categoryColumns); ok {
		cateExpr = "CAST(" + quoteIdent(c) + " AS BIGINT)"
	}
	if s, ok := pickColumn(names, storeColumns); ok {
		storeExpr = "CAST(" + quoteIdent(s) + " AS BIGINT)"
	}
	query := fmt.Sprintf("SELECT CAST(%s AS BIGINT), %s, %s FROM read_parquet(%s)",
		quoteIdent(itemCol), cateExpr, storeExpr, quoteLiteral(path))

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	defer rows.Close()

	out := make(core.AttributeSet)
	for rows.Next() {
		var item int64
		var cate, store sql.NullInt64
		if err := rows.Scan(&item, &cate, &store); err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		out[item] = core.ItemAttribute{
			ItemID:      item,
			CategoryID:  cate.Int64,
			HasCategory: cate.Valid,
			StoreID:     store.Int64,
			HasStore:    store.Valid,
		}
	}
	return out, rows.Err()
}
