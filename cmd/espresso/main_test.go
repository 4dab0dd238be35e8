package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const matrix = `# arg1	arg2	pattern	dpmi
paris	france	X is the capital of Y	2.0
berlin	germany	X is the capital of Y	3.0
rome	italy	X is the capital of Y	1.0
paris	france	X, capital of Y	1.0
tokyo	japan	X, capital of Y	4.0
`

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// execute runs the CLI with args and returns stdout and the error.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil {
		t.Logf("stderr: %s", errOut.String())
	}
	return out.String(), err
}

func writeMatrix(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pmi.tsv")
	require.NoError(t, os.WriteFile(path, []byte(matrix), 0o644))
	return path
}

type bootstrapOutput struct {
	RunID      string `json:"run_id"`
	Iterations []struct {
		Iteration int `json:"iteration"`
		Patterns  []struct {
			Pattern   string  `json:"pattern"`
			Iteration int     `json:"iteration"`
			Score     float64 `json:"score"`
		} `json:"patterns"`
		Instances []map[string]any `json:"instances"`
	} `json:"iterations"`
}

func TestBootstrapCommand_JSON(t *testing.T) {
	dataDir := t.TempDir()
	out, err := execute(t, "paris\tfrance\n",
		"bootstrap", "capital", writeMatrix(t), "--data-dir", dataDir, "-t", "1", "--json", "--log-level", "warn")
	require.NoError(t, err)

	var res bootstrapOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Iterations, 1)

	first := res.Iterations[0]
	require.Len(t, first.Patterns, 2)
	assert.Equal(t, "X is the capital of Y", first.Patterns[0].Pattern)
	assert.Equal(t, 1, first.Patterns[0].Iteration)
	assert.InDelta(t, 0.5, first.Patterns[0].Score, 1e-12)

	require.Len(t, first.Instances, 3)
	assert.Equal(t, "berlin", first.Instances[0]["arg1"])
	assert.Equal(t, "germany", first.Instances[0]["arg2"])
}

func TestBootstrapCommand_SeedFileAndSummary(t *testing.T) {
	dir := t.TempDir()
	seeds := filepath.Join(dir, "seeds.tsv")
	require.NoError(t, os.WriteFile(seeds, []byte("# seeds\nparis\tfrance\n"), 0o644))
	metricsFile := filepath.Join(dir, "espresso.prom")

	out, err := execute(t, "",
		"bootstrap", "capital", writeMatrix(t), seeds,
		"--data-dir", filepath.Join(dir, "data"), "-n", "1", "-t", "2", "-k",
		"--metrics-file", metricsFile, "--log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "bootstrapping \"capital\"")
	assert.Contains(t, out, "capital_esp_i")
	assert.Contains(t, out, "Iteration 2")

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "espresso_bootstrap_iteration{relation=\"capital\"} 2")
	assert.Contains(t, string(prom), "espresso_pmi_cache_lookups")
}

func TestBootstrapCommand_WrongArgs(t *testing.T) {
	out, err := execute(t, "", "bootstrap", "capital")
	require.Error(t, err)
	assert.Contains(t, out, "Usage:")
}

func TestBootstrapCommand_NoSeeds(t *testing.T) {
	_, err := execute(t, "", "bootstrap", "capital", writeMatrix(t), "--in-memory", "--log-level", "warn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed instances")
}

func TestBootstrapCommand_SeedArity(t *testing.T) {
	_, err := execute(t, "paris\tfrance\teurope\n",
		"bootstrap", "capital", writeMatrix(t), "--in-memory", "--log-level", "warn")
	require.Error(t, err)
}

func TestShowConfidenceReset(t *testing.T) {
	dataDir := t.TempDir()
	matrixPath := writeMatrix(t)

	_, err := execute(t, "paris\tfrance\n",
		"bootstrap", "capital", matrixPath, "--data-dir", dataDir, "-t", "1", "--log-level", "warn")
	require.NoError(t, err)

	out, err := execute(t, "", "show", "capital", "--data-dir", dataDir, "--json", "--log-level", "warn")
	require.NoError(t, err)
	var shown struct {
		Patterns []struct {
			Pattern string  `json:"pattern"`
			Score   float64 `json:"score"`
		} `json:"patterns"`
		Instances []map[string]any `json:"instances"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Len(t, shown.Patterns, 2)
	assert.Equal(t, "X is the capital of Y", shown.Patterns[0].Pattern)
	assert.Len(t, shown.Instances, 3)

	// (3.0*0.5 + 0*0.25) / (0.5 + 0.25)
	out, err = execute(t, "", "confidence", "capital", matrixPath, "berlin", "germany",
		"--data-dir", dataDir, "--log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "S((berlin, germany)) = 2.000000 (2 patterns from iteration 1)")

	_, err = execute(t, "", "confidence", "capital", matrixPath, "berlin",
		"--data-dir", dataDir, "--log-level", "warn")
	assert.Error(t, err)

	out, err = execute(t, "", "reset", "capital", "--data-dir", dataDir, "--log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "Dropped capital_esp_i and capital_esp_p")

	out, err = execute(t, "", "show", "capital", "--data-dir", dataDir, "--log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "capital_esp_p (0)")

	_, err = execute(t, "", "confidence", "capital", matrixPath, "berlin", "germany",
		"--data-dir", dataDir, "--log-level", "warn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no patterns promoted")
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "espresso.yaml")

	out, err := execute(t, "", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "n_best: 10")

	_, err = execute(t, "", "init", "-o", path)
	assert.Error(t, err)
	_, err = execute(t, "", "init", "-o", path, "--force")
	assert.NoError(t, err)
}

func TestBootstrapCommand_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "espresso.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("bootstrap:\n  n_best: 1\n  stop: 1\nstorage:\n  in_memory: true\nlogging:\n  level: warn\n"), 0o644))

	out, err := execute(t, "paris\tfrance\n",
		"bootstrap", "capital", writeMatrix(t), "--config", cfgPath, "--json")
	require.NoError(t, err)

	var res bootstrapOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Iterations, 1)
	assert.Len(t, res.Iterations[0].Patterns, 1)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "espresso v0.1.0 (dev)\n", out)
}
