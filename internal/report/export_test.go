package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/attribution-cli/internal/model"
)

func sampleMetrics() []model.ChannelMetric {
	return []model.ChannelMetric{
		{ChannelName: "Display", Date: "2023-09-01", Cost: 100, IHC: 0, IHCRevenue: 0},
		{ChannelName: "Email", Date: "2023-09-01", Cost: 0, IHC: 1.5, IHCRevenue: 75},
		{ChannelName: "Paid Search", Date: "2023-09-02", Cost: 50, IHC: 2, IHCRevenue: 150},
	}
}

func TestRows(t *testing.T) {
	t.Parallel()

	rows := Rows(sampleMetrics(), "NA")
	require.Len(t, rows, 3)

	assert.Equal(t, "NA", rows[0].CPO)
	assert.Equal(t, "0", rows[0].ROAS)

	assert.Equal(t, "0", rows[1].CPO)
	assert.Equal(t, "NA", rows[1].ROAS)

	assert.Equal(t, "25", rows[2].CPO)
	assert.Equal(t, "3", rows[2].ROAS)
	assert.Equal(t, "1.5", rows[1].IHC)
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleMetrics(), ""))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "channel_name,date,cost,ihc,ihc_revenue,CPO,ROAS", lines[0])
	assert.Equal(t, "Display,2023-09-01,100,0,0,,0", lines[1])
	assert.Equal(t, "Email,2023-09-01,0,1.5,75,0,", lines[2])
	assert.Equal(t, "Paid Search,2023-09-02,50,2,150,25,3", lines[3])
}

func TestWriteCSV_EmptyReport(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil, ""))
	assert.Equal(t, "channel_name,date,cost,ihc,ihc_revenue,CPO,ROAS\n", buf.String())
}

func TestWriteXLSX(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, WriteFile(path, FormatAuto, sampleMetrics(), "n/a"))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	sheet := f.Sheets[0]
	assert.Equal(t, "channel_reporting", sheet.Name)
	require.Len(t, sheet.Rows, 4)

	header := sheet.Rows[0]
	for i, c := range Columns {
		assert.Equal(t, c, header.Cells[i].Value)
	}

	display := sheet.Rows[1]
	assert.Equal(t, "Display", display.Cells[0].Value)
	cost, err := display.Cells[2].Float()
	require.NoError(t, err)
	assert.InDelta(t, 100, cost, 1e-9)
	assert.Equal(t, "n/a", display.Cells[5].Value)

	search := sheet.Rows[3]
	cpo, err := search.Cells[5].Float()
	require.NoError(t, err)
	assert.InDelta(t, 25, cpo, 1e-9)
}

func TestResolveFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		format  Format
		want    Format
		wantErr bool
	}{
		{"out.csv", FormatAuto, FormatCSV, false},
		{"out.XLSX", "", FormatXLSX, false},
		{"out", FormatAuto, FormatCSV, false},
		{"out.csv", FormatXLSX, FormatXLSX, false},
		{"out.csv", Format("pdf"), "", true},
	}
	for _, tt := range tests {
		got, err := ResolveFormat(tt.path, tt.format)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestWriteFile_CSV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "channel_reporting.csv")
	require.NoError(t, WriteFile(path, FormatAuto, sampleMetrics(), ""))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "channel_name,date"))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFile_BadFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.csv")
	require.Error(t, WriteFile(path, Format("pdf"), sampleMetrics(), ""))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
