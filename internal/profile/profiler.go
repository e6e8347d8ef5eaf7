package profile

import (
	"fmt"
	"math"
	"strings"

	flynn "github.com/montanaflynn/stats"

	"retcause/domain/core"
	"retcause/internal/dataset"
)

// SemanticType classifies a column for test feasibility decisions
type SemanticType string

const (
	TypeBinary      SemanticType = "binary"
	TypeOrdinal     SemanticType = "ordinal"
	TypeContinuous  SemanticType = "continuous"
	TypeCategorical SemanticType = "categorical"
)

// ColumnProfile is the compact description of one column
type ColumnProfile struct {
	Name               string       `json:"name"`
	SemanticType       SemanticType `json:"semantic_type"`
	Missingness        float64      `json:"missingness"`
	Prevalence         float64      `json:"prevalence,omitempty"`  // binary only
	Cardinality        int          `json:"cardinality,omitempty"` // categorical only
	Mean               float64      `json:"mean,omitempty"`
	StdDev             float64      `json:"std_dev,omitempty"`
	OutcomeCorrelation float64      `json:"outcome_correlation"`
}

// Profile is the read-only dataset summary consumed by the generator prompt
// and the analyzer's confounder scan
type Profile struct {
	SampleSize    int             `json:"sample_size"`
	OutcomeColumn string          `json:"outcome_column"`
	HasTimeIndex  bool            `json:"has_time_index"`
	Columns       []ColumnProfile `json:"columns"`
}

// Column returns the profile for a named column
func (p *Profile) Column(name string) (ColumnProfile, bool) {
	for _, c := range p.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnProfile{}, false
}

// ContextString renders the profile as a feature listing for prompt injection
func (p *Profile) ContextString() string {
	var b strings.Builder
	for _, c := range p.Columns {
		fmt.Fprintf(&b, "- %s (%s", c.Name, c.SemanticType)
		if c.SemanticType == TypeBinary {
			fmt.Fprintf(&b, ", prevalence=%.2f", c.Prevalence)
		}
		if c.SemanticType == TypeCategorical {
			fmt.Fprintf(&b, ", levels=%d", c.Cardinality)
		}
		if c.Missingness > 0 {
			fmt.Fprintf(&b, ", missing=%.0f%%", c.Missingness*100)
		}
		fmt.Fprintf(&b, ", corr_with_outcome=%.2f)\n", c.OutcomeCorrelation)
	}
	return b.String()
}

// Profiler builds dataset profiles
type Profiler struct{}

// NewProfiler creates a profiler
func NewProfiler() *Profiler {
	return &Profiler{}
}

// BuildProfile types every catalog column and computes missingness,
// prevalence, cardinality, and correlation with the outcome. It fails with a
// data quality error when the dataset is empty or the outcome column is
// absent or degenerate.
func (p *Profiler) BuildProfile(data *dataset.Table, catalog dataset.Catalog, outcomeCol string) (*Profile, error) {
	if data.NumRows() == 0 {
		return nil, core.ErrEmptyDataset
	}
	if !data.HasColumn(outcomeCol) {
		return nil, core.NewDataQualityError(fmt.Sprintf("outcome column %q not present in dataset", outcomeCol))
	}
	if data.Cardinality(outcomeCol) <= 1 {
		return nil, core.ErrDegenerateColumn
	}

	outcome, outcomeNumeric := data.NumericView(outcomeCol)

	profile := &Profile{
		SampleSize:    data.NumRows(),
		OutcomeColumn: outcomeCol,
		HasTimeIndex:  data.HasTimeIndex(),
	}

	columns := catalog.Names()
	if len(columns) == 0 {
		columns = data.Columns()
	}
	seen := make(map[string]bool)
	for _, name := range columns {
		if seen[name] || !data.HasColumn(name) {
			continue
		}
		seen[name] = true
		profile.Columns = append(profile.Columns, p.profileColumn(data, name, outcome, outcomeNumeric))
	}
	// The outcome itself always appears in the profile
	if !seen[outcomeCol] {
		profile.Columns = append(profile.Columns, p.profileColumn(data, outcomeCol, outcome, outcomeNumeric))
	}

	return profile, nil
}

func (p *Profiler) profileColumn(data *dataset.Table, name string, outcome []float64, outcomeNumeric bool) ColumnProfile {
	col := ColumnProfile{
		Name:        name,
		Missingness: data.Missingness(name),
	}

	values, numeric := data.NumericView(name)
	switch {
	case !data.IsNumeric(name):
		// String columns stay categorical even when a two-level numeric view exists
		col.SemanticType = TypeCategorical
		col.Cardinality = data.Cardinality(name)
	case isZeroOne(values):
		col.SemanticType = TypeBinary
		col.Prevalence = prevalence(values)
	case data.Cardinality(name) <= 10:
		col.SemanticType = TypeOrdinal
	default:
		col.SemanticType = TypeContinuous
	}

	if numeric {
		clean := dropNaN(values)
		if len(clean) > 0 {
			col.Mean, _ = flynn.Mean(clean)
			col.StdDev, _ = flynn.StandardDeviationSample(clean)
		}
		if outcomeNumeric {
			col.OutcomeCorrelation = pairwiseCorrelation(values, outcome)
		}
	}
	return col
}

func isZeroOne(values []float64) bool {
	distinct := make(map[float64]bool)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v != 0 && v != 1 {
			return false
		}
		distinct[v] = true
	}
	return len(distinct) > 0 && len(distinct) <= 2
}

func prevalence(values []float64) float64 {
	ones, n := 0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		n++
		if v == 1 {
			ones++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(ones) / float64(n)
}

func dropNaN(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// pairwiseCorrelation computes Pearson correlation over rows where both
// values are present
func pairwiseCorrelation(x, y []float64) float64 {
	xs, ys := make(flynn.Float64Data, 0, len(x)), make(flynn.Float64Data, 0, len(y))
	for i := range x {
		if i >= len(y) || math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
	}
	if len(xs) < 3 {
		return 0
	}
	r, err := flynn.Correlation(xs, ys)
	if err != nil || math.IsNaN(r) {
		return 0
	}
	return r
}
