// Package export moves table snapshots in and out of spreadsheet workbooks.
package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"ezquery/internal/db"
	"ezquery/internal/models"
)

const defaultSheet = "Sheet1"

// NewWorkbook lays out one sheet per table: a header row of column names,
// then the rendered rows.
func NewWorkbook(tables []models.Table) (*excelize.File, error) {
	f := excelize.NewFile()

	names := SheetNames(tables)
	keepDefault := false
	for i, t := range tables {
		sheet := names[i]
		if sheet == defaultSheet {
			keepDefault = true
		}
		idx, err := f.NewSheet(sheet)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to add sheet for %s: %w", t.Name, err)
		}
		if i == 0 {
			f.SetActiveSheet(idx)
		}

		rowNum := 1
		if len(t.Columns) > 0 {
			if err := setRow(f, sheet, rowNum, t.Columns); err != nil {
				f.Close()
				return nil, err
			}
			rowNum++
		}
		width := len(t.Columns)
		for _, row := range t.Rows {
			if err := setRow(f, sheet, rowNum, row); err != nil {
				f.Close()
				return nil, err
			}
			width = max(width, len(row))
			rowNum++
		}
		if err := setDimension(f, sheet, width, rowNum-1); err != nil {
			f.Close()
			return nil, err
		}
	}

	if len(tables) > 0 && !keepDefault {
		if err := f.DeleteSheet(defaultSheet); err != nil {
			f.Close()
			return nil, err
		}
		// Deleting a sheet can shift the active index.
		if idx, err := f.GetSheetIndex(names[0]); err == nil && idx >= 0 {
			f.SetActiveSheet(idx)
		}
	}
	return f, nil
}

func setRow(f *excelize.File, sheet string, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	return f.SetSheetRow(sheet, cell, &row)
}

// setDimension records the used range; readers size their row grids from it.
func setDimension(f *excelize.File, sheet string, cols, rows int) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	end, err := excelize.CoordinatesToCellName(cols, rows)
	if err != nil {
		return err
	}
	return f.SetSheetDimension(sheet, "A1:"+end)
}

// WriteWorkbook streams the workbook to w.
func WriteWorkbook(tables []models.Table, w io.Writer) error {
	f, err := NewWorkbook(tables)
	if err != nil {
		return models.NewError(models.ErrStore, "export workbook", err)
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return models.NewError(models.ErrStore, "export workbook", err)
	}
	return nil
}

// SaveWorkbook writes the workbook to path. The extension must be .xlsx.
func SaveWorkbook(tables []models.Table, path string) error {
	f, err := NewWorkbook(tables)
	if err != nil {
		return models.NewError(models.ErrStore, "export workbook", err)
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return models.NewError(models.ErrStore, "export workbook", err)
	}
	log.Info().Str("path", path).Int("tables", len(tables)).Msg("workbook saved")
	return nil
}

// SheetNames maps table names to unique, valid sheet names.
func SheetNames(tables []models.Table) []string {
	names := make([]string, len(tables))
	seen := make(map[string]bool, len(tables))
	for i, t := range tables {
		base := sanitizeSheetName(t.Name)
		name := base
		for n := 2; seen[strings.ToLower(name)]; n++ {
			suffix := fmt.Sprintf("~%d", n)
			name = truncateRunes(base, excelize.MaxSheetNameLength-len(suffix)) + suffix
		}
		seen[strings.ToLower(name)] = true
		names[i] = name
	}
	return names
}

func sanitizeSheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, "'")
	if name == "" {
		name = "table"
	}
	return truncateRunes(name, excelize.MaxSheetNameLength)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// WorkbookReader serves a workbook as a snapshot source. Each sheet is a
// table; its first row holds the column names.
type WorkbookReader struct {
	path string
}

func NewWorkbookReader(path string) *WorkbookReader {
	return &WorkbookReader{path: path}
}

func (r *WorkbookReader) ReadAll(ctx context.Context) (models.TableSnapshot, error) {
	tables, err := r.ReadTables(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make(models.TableSnapshot, len(tables))
	for _, t := range tables {
		text, err := db.RenderRows(t.Rows)
		if err != nil {
			return nil, models.NewError(models.ErrQuery, "read sheet "+t.Name, err)
		}
		snapshot[t.Name] = text
	}
	return snapshot, nil
}

func (r *WorkbookReader) ReadTables(ctx context.Context) ([]models.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewError(models.ErrConnectivity, "open workbook", err)
	}

	f, err := xlsx.OpenFile(r.path)
	if err != nil {
		return nil, models.NewError(models.ErrConnectivity, "open workbook", err)
	}

	tables := make([]models.Table, 0, len(f.Sheets))
	for _, sheet := range f.Sheets {
		t := models.Table{Name: sheet.Name}
		for i, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			if i == 0 {
				t.Columns = cells
				continue
			}
			t.Rows = append(t.Rows, padRow(cells, len(t.Columns)))
		}
		log.Debug().Str("sheet", sheet.Name).Int("rows", len(t.Rows)).Msg("read sheet")
		tables = append(tables, t)
	}
	return tables, nil
}

// padRow restores trailing empty cells the workbook did not store.
func padRow(cells []string, width int) []string {
	for len(cells) < width {
		cells = append(cells, "")
	}
	return cells
}
