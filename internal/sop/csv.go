package sop

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"linsight/internal/shared/model"
)

// OnConflict 导入时名称已存在的处理方式
type OnConflict string

const (
	ConflictOverride OnConflict = "override" // 覆盖同名记录
	ConflictSaveNew  OnConflict = "save_new" // 另存为新记录
	ConflictSkip     OnConflict = "skip"     // 跳过
)

// Valid 是否为合法取值
func (c OnConflict) Valid() bool {
	switch c {
	case ConflictOverride, ConflictSaveNew, ConflictSkip:
		return true
	}
	return false
}

// csvHeader 导入导出列
var csvHeader = []string{"name", "description", "content"}

const maxNameLen = 500

// RowError 导入失败的行（行号从 1 开始，不含表头）
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// ImportResult 导入结果
type ImportResult struct {
	Success []int      `json:"success_rows"`
	Errors  []RowError `json:"error_rows"`
	Repeat  []int      `json:"repeat_rows"` // 与已有记录同名的行
}

type importRow struct {
	row int
	rec model.SOPRecord
}

// Import 从 CSV 批量导入
//
// 先整体校验：ignoreErrors 为 false 时遇到首个错误行即返回 ErrInvalidImport，不写入任何记录；
// 为 true 时跳过错误行继续。
func (s *Service) Import(ctx context.Context, r io.Reader, onConflict OnConflict, ignoreErrors bool, userID string) (*ImportResult, error) {
	if !onConflict.Valid() {
		return nil, fmt.Errorf("%w: on_conflict %q", ErrInvalidImport, onConflict)
	}
	rows, bad, err := parseCSV(r)
	if err != nil {
		return nil, err
	}
	res := &ImportResult{Success: []int{}, Errors: []RowError{}, Repeat: []int{}}
	if len(bad) > 0 {
		if !ignoreErrors {
			return nil, fmt.Errorf("%w: row %d: %s", ErrInvalidImport, bad[0].Row, bad[0].Reason)
		}
		res.Errors = append(res.Errors, bad...)
	}

	for _, row := range rows {
		existing, err := s.store.FindSOPByName(ctx, row.rec.Name)
		if err != nil {
			return res, err
		}
		rec := row.rec
		rec.UserID = userID
		switch {
		case existing == nil:
			err = s.Add(ctx, &rec)
		case onConflict == ConflictOverride:
			res.Repeat = append(res.Repeat, row.row)
			_, err = s.Update(ctx, existing.ID, &rec, true)
		case onConflict == ConflictSaveNew:
			res.Repeat = append(res.Repeat, row.row)
			err = s.Add(ctx, &rec)
		default:
			res.Repeat = append(res.Repeat, row.row)
			continue
		}
		if err != nil {
			if !ignoreErrors {
				return res, fmt.Errorf("row %d: %w", row.row, err)
			}
			res.Errors = append(res.Errors, RowError{Row: row.row, Reason: err.Error()})
			continue
		}
		res.Success = append(res.Success, row.row)
	}
	s.log.WithContext(ctx).Info("sop import finished",
		"success", len(res.Success), "errors", len(res.Errors), "repeat", len(res.Repeat))
	return res, nil
}

func parseCSV(r io.Reader) ([]importRow, []RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: empty file", ErrInvalidImport)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, want := range csvHeader {
		if _, ok := cols[want]; !ok {
			return nil, nil, fmt.Errorf("%w: missing column %q", ErrInvalidImport, want)
		}
	}
	field := func(rec []string, name string) string {
		if i := cols[name]; i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var (
		rows []importRow
		bad  []RowError
	)
	for n := 1; ; n++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				bad = append(bad, RowError{Row: n, Reason: pe.Err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
		}
		name, content := field(rec, "name"), field(rec, "content")
		switch {
		case name == "":
			bad = append(bad, RowError{Row: n, Reason: "name is empty"})
		case len([]rune(name)) > maxNameLen:
			bad = append(bad, RowError{Row: n, Reason: "name too long"})
		case content == "":
			bad = append(bad, RowError{Row: n, Reason: "content is empty"})
		default:
			rows = append(rows, importRow{row: n, rec: model.SOPRecord{
				Name: name, Description: field(rec, "description"), Content: content,
			}})
		}
	}
	return rows, bad, nil
}

// Export 按过滤条件导出为 CSV（忽略分页）
func (s *Service) Export(ctx context.Context, w io.Writer, f model.SOPFilter) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	f.PageSize = rebuildPageSize
	n := 0
	for page := 1; ; page++ {
		f.Page = page
		recs, _, err := s.List(ctx, f)
		if err != nil {
			return n, err
		}
		for _, r := range recs {
			if err := cw.Write([]string{r.Name, r.Description, r.Content}); err != nil {
				return n, err
			}
			n++
		}
		if len(recs) < f.PageSize {
			break
		}
	}
	cw.Flush()
	return n, cw.Error()
}
