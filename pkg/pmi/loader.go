package pmi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/orneryd/espresso/pkg/storage"
)

// LoadFile reads a tab-separated co-occurrence table from path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pmi table: %w", err)
	}
	defer f.Close()

	t, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Load reads rows of the form arg1 TAB ... argN TAB pattern TAB dpmi.
// Blank lines and lines starting with '#' are skipped. The arity is fixed by
// the first row.
func Load(r io.Reader) (*Table, error) {
	t := NewTable(0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Split(text, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: want at least 3 tab-separated fields, got %d", line, len(fields))
		}
		n := len(fields)
		dpmi, err := strconv.ParseFloat(strings.TrimSpace(fields[n-1]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad dpmi %q: %w", line, fields[n-1], err)
		}
		inst := storage.Instance(fields[:n-2])
		if err := t.Add(inst, storage.Pattern(fields[n-2]), dpmi); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading pmi table: %w", err)
	}
	return t, nil
}

// ReadSeeds reads one tab-separated instance per line. Blank lines and
// '#' comments are skipped; every seed must have the given arity (0 accepts
// whatever the first seed has).
func ReadSeeds(r io.Reader, arity int) ([]storage.Instance, error) {
	var seeds []storage.Instance
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		inst := storage.Instance(strings.Split(text, "\t"))
		for n := range inst {
			inst[n] = strings.TrimSpace(inst[n])
		}
		if arity == 0 {
			arity = len(inst)
		}
		if len(inst) != arity {
			return nil, fmt.Errorf("seed line %d: %w: %s has %d arguments, want %d", line, ErrArity, inst, len(inst), arity)
		}
		seeds = append(seeds, inst)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading seeds: %w", err)
	}
	return seeds, nil
}
