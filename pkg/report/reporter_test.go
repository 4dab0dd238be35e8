package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/espresso/pkg/espresso"
	"github.com/orneryd/espresso/pkg/storage"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func sampleRun() *Run {
	return &Run{
		RunID:      "0b7e2c1e-5d7f-4a52-9d0e-3b1f3f0c9a11",
		Relation:   "capital",
		Collection: CollectionsOf("capital"),
		Seeds:      []storage.Instance{{"paris", "france"}},
		N:          10,
		Start:      1,
		Stop:       2,
		Timestamp:  time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
		Duration:   1500 * time.Millisecond,
		Iterations: []espresso.Result{
			{
				Iteration: 1,
				Patterns: []storage.ScoredPattern{
					{Pattern: "X is the capital of Y", Iteration: 1, Score: 0.5},
				},
				Instances: []storage.ScoredInstance{
					{Instance: storage.Instance{"berlin", "germany"}, Iteration: 1, Score: 0.375},
					{Instance: storage.Instance{"rome", "italy"}, Iteration: 1, Score: 0.125},
				},
			},
		},
	}
}

func TestRun_Promoted(t *testing.T) {
	patterns, instances := sampleRun().Promoted()
	assert.Equal(t, 1, patterns)
	assert.Equal(t, 2, instances)
}

func TestReporterPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	NewReporter(&buf).PrintSummary(sampleRun())

	output := buf.String()
	assert.Contains(t, output, "capital (capital_esp_i, capital_esp_p)")
	assert.Contains(t, output, "0b7e2c1e")
	assert.Contains(t, output, "1 iteration(s): 1 patterns, 2 instances promoted")
	assert.Contains(t, output, "Iterations: 1..2")
}

func TestReporterPrintSummary_Failure(t *testing.T) {
	run := sampleRun()
	run.Error = "candidate store unavailable"

	var buf bytes.Buffer
	NewReporter(&buf).PrintSummary(run)
	assert.Contains(t, buf.String(), "Stopped after 1 iteration(s): candidate store unavailable")
}

func TestReporterPrintSummary_Empty(t *testing.T) {
	run := sampleRun()
	run.Iterations = nil

	var buf bytes.Buffer
	NewReporter(&buf).PrintSummary(run)
	assert.Contains(t, buf.String(), "Nothing promoted")
}

func TestReporterPrintDetails(t *testing.T) {
	var buf bytes.Buffer
	NewReporter(&buf).PrintDetails(sampleRun())

	output := buf.String()
	assert.Contains(t, output, "Iteration 1")
	assert.Contains(t, output, "X is the capital of Y")
	assert.Contains(t, output, "0.5000")
	assert.Contains(t, output, "(berlin, germany)")

	// Rows keep ranked order.
	assert.Less(t, strings.Index(output, "berlin"), strings.Index(output, "rome"))
}

func TestReporterPrintStore(t *testing.T) {
	var buf bytes.Buffer
	NewReporter(&buf).PrintStore("capital",
		[]storage.ScoredPattern{{Pattern: "X of Y", Iteration: 2, Score: 0.25}},
		[]storage.ScoredInstance{{Instance: storage.Instance{"oslo", "norway"}, Iteration: 2, Score: 0}},
	)

	output := buf.String()
	assert.Contains(t, output, "capital_esp_p (1)")
	assert.Contains(t, output, "capital_esp_i (1)")
	assert.Contains(t, output, "[it 2] X of Y")
	assert.Contains(t, output, "(oslo, norway)")
}

func TestReporterPrintCompact(t *testing.T) {
	var buf bytes.Buffer
	NewReporter(&buf).PrintCompact(sampleRun())
	assert.Equal(t, "[OK] capital | iterations=1 patterns=1 instances=2 | 1.5s\n", buf.String())
}

func TestReporterJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReporter(&buf).PrintJSON(sampleRun()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "capital", decoded["relation"])

	iterations := decoded["iterations"].([]any)
	require.Len(t, iterations, 1)
	first := iterations[0].(map[string]any)
	instances := first["instances"].([]any)
	berlin := instances[0].(map[string]any)
	assert.Equal(t, "berlin", berlin["arg1"])
	assert.Equal(t, "germany", berlin["arg2"])
	assert.Equal(t, 0.375, berlin["score"])
}

func TestReporterSaveJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, NewReporter(nil).SaveJSON(sampleRun(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id": "0b7e2c1e-5d7f-4a52-9d0e-3b1f3f0c9a11"`)
}

func TestProgressBar(t *testing.T) {
	r := NewReporter(nil)
	assert.Equal(t, "[██░░]", r.progressBar(0.5, 4))
	assert.Equal(t, "[░░░░]", r.progressBar(-1, 4))
	assert.Equal(t, "[████]", r.progressBar(3, 4))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
