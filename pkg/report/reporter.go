// Package report formats bootstrapping runs and candidate store contents for
// humans (colored tables) and machines (JSON).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/orneryd/espresso/pkg/espresso"
	"github.com/orneryd/espresso/pkg/storage"
)

// Run describes one bootstrapping run.
type Run struct {
	RunID      string             `json:"run_id"`
	Relation   string             `json:"relation"`
	Collection Collections        `json:"collections"`
	Seeds      []storage.Instance `json:"seeds"`
	N          int                `json:"n_best"`
	Start      int                `json:"start"`
	Stop       int                `json:"stop"`
	Keep       bool               `json:"keep_seeds"`
	Reset      bool               `json:"reset"`
	Timestamp  time.Time          `json:"timestamp"`
	Duration   time.Duration      `json:"duration_ns"`
	Iterations []espresso.Result  `json:"iterations"`
	// Error is set when the run stopped on a failure.
	Error string `json:"error,omitempty"`
}

// Collections names the store collections of a relation.
type Collections struct {
	Instances string `json:"instances"`
	Patterns  string `json:"patterns"`
}

// CollectionsOf returns the collection names of relation.
func CollectionsOf(relation string) Collections {
	return Collections{
		Instances: storage.InstanceCollection(relation),
		Patterns:  storage.PatternCollection(relation),
	}
}

// Promoted returns the number of patterns and instances promoted by the run.
func (r *Run) Promoted() (patterns, instances int) {
	for _, it := range r.Iterations {
		patterns += len(it.Patterns)
		instances += len(it.Instances)
	}
	return patterns, instances
}

// Reporter formats and outputs bootstrapping results.
type Reporter struct {
	writer io.Writer
}

// NewReporter creates a new reporter that writes to the given writer.
func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stdout
	}
	return &Reporter{writer: w}
}

// PrintSummary prints a human-readable summary of a run.
func (r *Reporter) PrintSummary(run *Run) {
	w := r.writer

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║               Espresso Bootstrapping Results                   ║")
	fmt.Fprintln(w, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "📚 Relation: %s (%s, %s)\n", run.Relation, run.Collection.Instances, run.Collection.Patterns)
	fmt.Fprintf(w, "🆔 Run:      %s\n", run.RunID)
	fmt.Fprintf(w, "📅 Time:     %s\n", run.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "⏱️  Duration: %v\n", run.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "🌱 Seeds:    %d | N: %d | Iterations: %d..%d | Keep: %v | Reset: %v\n",
		len(run.Seeds), run.N, run.Start, run.Stop, run.Keep, run.Reset)
	fmt.Fprintln(w)

	patterns, instances := run.Promoted()
	switch {
	case run.Error != "":
		fmt.Fprintln(w, color.RedString("❌ Stopped after %d iteration(s): %s", len(run.Iterations), run.Error))
	case instances == 0 && patterns == 0:
		fmt.Fprintln(w, color.YellowString("⚠️  Nothing promoted"))
	default:
		fmt.Fprintln(w, color.GreenString("✅ %d iteration(s): %d patterns, %d instances promoted",
			len(run.Iterations), patterns, instances))
	}
	fmt.Fprintln(w)
}

// PrintDetails prints the ranked promotions of every iteration.
func (r *Reporter) PrintDetails(run *Run) {
	w := r.writer

	for _, it := range run.Iterations {
		fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────────────┐")
		fmt.Fprintf(w, "│ Iteration %-54d│\n", it.Iteration)
		fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
		if len(it.Patterns) == 0 {
			fmt.Fprintln(w, "│ (no patterns)")
		}
		for i, rec := range it.Patterns {
			r.printScoreRow(w, i+1, string(rec.Pattern), rec.Score)
		}
		fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
		if len(it.Instances) == 0 {
			fmt.Fprintln(w, "│ (no instances)")
		}
		for i, rec := range it.Instances {
			r.printScoreRow(w, i+1, rec.Instance.String(), rec.Score)
		}
		fmt.Fprintln(w, "└─────────────────────────────────────────────────────────────────┘")
		fmt.Fprintln(w)
	}
}

// PrintStore prints the latest record of every instance and pattern of a
// relation, best first.
func (r *Reporter) PrintStore(relation string, patterns []storage.ScoredPattern, instances []storage.ScoredInstance) {
	w := r.writer
	c := CollectionsOf(relation)

	fmt.Fprintf(w, "%s (%d)\n", color.New(color.Bold).Sprint(c.Patterns), len(patterns))
	for i, rec := range patterns {
		fmt.Fprintf(w, "  %3d. [it %d] ", i+1, rec.Iteration)
		r.printScore(w, string(rec.Pattern), rec.Score)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s (%d)\n", color.New(color.Bold).Sprint(c.Instances), len(instances))
	for i, rec := range instances {
		fmt.Fprintf(w, "  %3d. [it %d] ", i+1, rec.Iteration)
		r.printScore(w, rec.Instance.String(), rec.Score)
	}
}

// printScoreRow prints one ranked row inside an iteration table.
func (r *Reporter) printScoreRow(w io.Writer, rank int, label string, score float64) {
	fmt.Fprintf(w, "│ %2d. ", rank)
	r.printScore(w, label, score)
}

func (r *Reporter) printScore(w io.Writer, label string, score float64) {
	value := fmt.Sprintf("%.4f", score)
	switch {
	case score >= 0.5:
		value = color.GreenString(value)
	case score <= 0:
		value = color.RedString(value)
	}
	fmt.Fprintf(w, "%-36s %s %s\n", truncate(label, 36), r.progressBar(score, 16), value)
}

// progressBar creates a visual bar for a score in [0, 1].
func (r *Reporter) progressBar(value float64, width int) string {
	filled := int(value * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s]", bar)
}

// PrintJSON outputs a run as JSON.
func (r *Reporter) PrintJSON(run *Run) error {
	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(run)
}

// SaveJSON saves a run to a JSON file.
func (r *Reporter) SaveJSON(run *Run, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(run)
}

// PrintCompact prints a one-line summary.
func (r *Reporter) PrintCompact(run *Run) {
	status := "OK"
	if run.Error != "" {
		status = "FAIL"
	}
	patterns, instances := run.Promoted()

	fmt.Fprintf(r.writer, "[%s] %s | iterations=%d patterns=%d instances=%d | %v\n",
		status,
		run.Relation,
		len(run.Iterations),
		patterns, instances,
		run.Duration.Round(time.Millisecond),
	)
}

func truncate(s string, max int) string {
	if len([]rune(s)) <= max {
		return s
	}
	return string([]rune(s)[:max-3]) + "..."
}
