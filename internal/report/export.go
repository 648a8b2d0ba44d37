package report

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/attribution-cli/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatAuto Format = "auto"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Columns is the export header.
var Columns = []string{"channel_name", "date", "cost", "ihc", "ihc_revenue", "CPO", "ROAS"}

// Row is a rendered report row. Undefined ratios hold the missing marker.
type Row struct {
	ChannelName string `csv:"channel_name" json:"channel_name"`
	Date        string `csv:"date" json:"date"`
	Cost        string `csv:"cost" json:"cost"`
	IHC         string `csv:"ihc" json:"ihc"`
	IHCRevenue  string `csv:"ihc_revenue" json:"ihc_revenue"`
	CPO         string `csv:"CPO" json:"CPO"`
	ROAS        string `csv:"ROAS" json:"ROAS"`
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatRatio(v float64, ok bool, missing string) string {
	if !ok {
		return missing
	}
	return formatFloat(v)
}

// Rows renders metrics for export, writing missing for undefined CPO/ROAS.
func Rows(metrics []model.ChannelMetric, missing string) []Row {
	rows := make([]Row, len(metrics))
	for i, m := range metrics {
		cpo, cpoOK := m.CPO()
		roas, roasOK := m.ROAS()
		rows[i] = Row{
			ChannelName: m.ChannelName,
			Date:        m.Date,
			Cost:        formatFloat(m.Cost),
			IHC:         formatFloat(m.IHC),
			IHCRevenue:  formatFloat(m.IHCRevenue),
			CPO:         formatRatio(cpo, cpoOK, missing),
			ROAS:        formatRatio(roas, roasOK, missing),
		}
	}
	return rows
}

// WriteCSV writes the report as CSV with a header row.
func WriteCSV(w io.Writer, metrics []model.ChannelMetric, missing string) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(Row{}); err != nil {
		return eris.Wrap(err, "report: encode csv header")
	}
	for _, r := range Rows(metrics, missing) {
		if err := enc.Encode(r); err != nil {
			return eris.Wrapf(err, "report: encode csv row %s/%s", r.ChannelName, r.Date)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "report: flush csv")
	}
	return nil
}

// WriteXLSX writes the report as a single-sheet workbook. Defined values are
// numeric cells, undefined ratios are string cells holding missing.
func WriteXLSX(w io.Writer, metrics []model.ChannelMetric, missing string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("channel_reporting")
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range Columns {
		header.AddCell().SetString(c)
	}

	for _, m := range metrics {
		row := sheet.AddRow()
		row.AddCell().SetString(m.ChannelName)
		row.AddCell().SetString(m.Date)
		row.AddCell().SetFloat(m.Cost)
		row.AddCell().SetFloat(m.IHC)
		row.AddCell().SetFloat(m.IHCRevenue)
		for _, ratio := range []func() (float64, bool){m.CPO, m.ROAS} {
			cell := row.AddCell()
			if v, ok := ratio(); ok {
				cell.SetFloat(v)
			} else {
				cell.SetString(missing)
			}
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "report: write xlsx")
	}
	return nil
}

// ResolveFormat picks the export format. FormatAuto (or empty) chooses by
// file extension, defaulting to CSV.
func ResolveFormat(path string, format Format) (Format, error) {
	switch format {
	case FormatCSV, FormatXLSX:
		return format, nil
	case "", FormatAuto:
		if strings.EqualFold(filepath.Ext(path), ".xlsx") {
			return FormatXLSX, nil
		}
		return FormatCSV, nil
	default:
		return "", eris.Errorf("report: unknown format %q", format)
	}
}

// WriteFile exports metrics to path in the resolved format. The file is
// written in full or not at all.
func WriteFile(path string, format Format, metrics []model.ChannelMetric, missing string) error {
	resolved, err := ResolveFormat(path, format)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	switch resolved {
	case FormatXLSX:
		err = WriteXLSX(&buf, metrics, missing)
	default:
		err = WriteCSV(&buf, metrics, missing)
	}
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "report: create dir %s", dir)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return eris.Wrapf(err, "report: write %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "report: rename %s", path)
	}
	return nil
}
