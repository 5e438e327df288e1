package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/signalnine/mpsearch/internal/sampler"
	"github.com/xuri/excelize/v2"
)

const summarySheet = "Summary"

// writeXLSX writes a summary sheet plus one ranked sheet per family.
func writeXLSX(rep *Report, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("naming summary sheet: %w", err)
	}

	header := []any{"Family", "Evaluated", "Failed", "Best candidate", rep.RankMetric}
	if err := f.SetSheetRow(summarySheet, "A1", &header); err != nil {
		return err
	}
	for i, fs := range rep.Families {
		row := []any{fs.Family, fs.Evaluated, fs.Failed}
		if fs.Best != nil {
			row = append(row, fs.Best.Index, fs.Best.Score)
		}
		if err := f.SetSheetRow(summarySheet, cell(1, i+2), &row); err != nil {
			return err
		}
		if err := writeFamilySheet(f, fs); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func writeFamilySheet(f *excelize.File, fs FamilySummary) error {
	// sheet names are capped at 31 characters
	name := fs.Family
	if len(name) > 31 {
		name = name[:31]
	}
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("creating sheet %s: %w", name, err)
	}
	var params, scores []string
	if len(fs.Ranked) > 0 {
		params = fs.Ranked[0].Params.Names()
		for k := range fs.Ranked[0].Scores {
			scores = append(scores, k)
		}
		sort.Strings(scores)
	}
	header := []any{"Rank", "Index"}
	for _, p := range params {
		header = append(header, p)
	}
	for _, s := range scores {
		header = append(header, s)
	}
	if err := f.SetSheetRow(name, "A1", &header); err != nil {
		return err
	}
	for i, e := range fs.Ranked {
		row := []any{e.Rank, e.Index}
		for _, p := range params {
			row = append(row, cellValue(e.Params[p]))
		}
		for _, s := range scores {
			row = append(row, e.Scores[s])
		}
		if err := f.SetSheetRow(name, cell(1, i+2), &row); err != nil {
			return err
		}
	}
	return nil
}

func cellValue(v any) any {
	switch v.(type) {
	case int, float64, bool, string:
		return v
	case nil:
		return ""
	}
	return sampler.FormatValue(v)
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}
