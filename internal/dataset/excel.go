package dataset

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Loader reads a customer dataset from an .xlsx or .csv file into a Table
type Loader struct {
	filePath string
	fileType string
}

// NewLoader creates a loader, inferring the file type from the extension
func NewLoader(filePath string) *Loader {
	fileType := strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), ".")
	return &Loader{filePath: filePath, fileType: fileType}
}

// Load reads the file and builds a typed Table. Columns where at least 80% of
// non-empty cells parse as numbers become numeric; the rest stay categorical.
// A column named "date", "timestamp" or "period" that parses as dates becomes
// the table's time index.
func (l *Loader) Load() (*Table, error) {
	var rows [][]string
	var err error

	switch l.fileType {
	case "xlsx":
		rows, err = l.readExcelRows()
	case "csv":
		rows, err = l.readCSVRows()
	default:
		return nil, fmt.Errorf("unsupported file type: %s", l.fileType)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("file must have at least a header row and one data row")
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(h)
	}
	dataRows := rows[1:]

	table := NewTable(len(dataRows))
	var timeIndex []time.Time

	for col, name := range headers {
		if name == "" {
			continue
		}
		cells := make([]string, len(dataRows))
		for i, row := range dataRows {
			if col < len(row) {
				cells[i] = strings.TrimSpace(row[col])
			}
		}

		if isTimeColumn(name) {
			if parsed, ok := parseTimeColumn(cells); ok {
				timeIndex = parsed
				continue
			}
		}

		if numeric, ok := parseNumericColumn(cells); ok {
			if err := table.AddNumeric(name, numeric); err != nil {
				return nil, err
			}
		} else {
			if err := table.AddCategorical(name, cells); err != nil {
				return nil, err
			}
		}
	}

	if timeIndex != nil {
		if err := table.SetTimeIndex(timeIndex); err != nil {
			log.Printf("[Loader] Dropping unordered time index: %v", err)
		}
	}

	log.Printf("[Loader] %s file processed (%d columns, %d rows, temporal=%v)",
		strings.ToUpper(l.fileType), len(table.Columns()), table.NumRows(), table.HasTimeIndex())
	return table, nil
}

func (l *Loader) readExcelRows() ([][]string, error) {
	start := time.Now()
	f, err := excelize.OpenFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	log.Printf("[Loader] Excel sheet %s read in %.2fms (%d rows)",
		sheet, float64(time.Since(start).Nanoseconds())/1e6, len(rows))
	return rows, nil
}

func (l *Loader) readCSVRows() ([][]string, error) {
	file, err := os.Open(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	return rows, nil
}

func isTimeColumn(name string) bool {
	lower := strings.ToLower(name)
	return lower == "date" || lower == "timestamp" || lower == "period"
}

func parseTimeColumn(cells []string) ([]time.Time, bool) {
	layouts := []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "01/02/2006"}
	out := make([]time.Time, len(cells))
	for i, cell := range cells {
		if cell == "" {
			return nil, false
		}
		parsed := false
		for _, layout := range layouts {
			if t, err := time.Parse(layout, cell); err == nil {
				out[i] = t
				parsed = true
				break
			}
		}
		if !parsed {
			return nil, false
		}
	}
	return out, true
}

func parseNumericColumn(cells []string) ([]float64, bool) {
	out := make([]float64, len(cells))
	parsed, nonEmpty := 0, 0
	for i, cell := range cells {
		if cell == "" {
			out[i] = math.NaN()
			continue
		}
		nonEmpty++
		v, err := strconv.ParseFloat(strings.ReplaceAll(cell, ",", ""), 64)
		if err != nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = v
		parsed++
	}
	if nonEmpty == 0 || float64(parsed)/float64(nonEmpty) < 0.8 {
		return nil, false
	}
	return out, true
}
