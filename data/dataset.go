package data

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/tsawler/go-plm/errdefs"
)

// Columns names the dataset fields read for each sample.
type Columns struct {
	Sequence string
	Label    string
	Foldseek string
	SS8      string
}

// DefaultColumns are the field names used when none are configured.
func DefaultColumns() Columns {
	return Columns{Sequence: "aa_seq", Label: "label", Foldseek: "foldseek_seq", SS8: "ss8_seq"}
}

// Sample is one raw dataset row. Label keeps the decoded value as found in the
// file; the collator interprets it according to the problem type.
type Sample struct {
	Seq      string
	Foldseek string
	SS8      string
	Label    any
}

// Dataset is an in-memory list of samples.
type Dataset struct {
	Samples []Sample
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Samples)
}

// TokenNums returns the token count of every sample after truncation to
// maxSeqLen (0 means no truncation), counting the two special tokens.
func (d *Dataset) TokenNums(maxSeqLen int) []int {
	out := make([]int, len(d.Samples))
	for i, s := range d.Samples {
		n := len(s.Seq)
		if maxSeqLen > 0 && n > maxSeqLen {
			n = maxSeqLen
		}
		out[i] = n + 2
	}
	return out
}

// Load reads a dataset file, choosing the format from the extension: .jsonl
// and .json are JSON lines, .csv is comma separated with a header row.
func Load(path string, cols Columns) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, errdefs.ErrResource)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".json":
		return ReadJSONL(f, cols)
	case ".csv":
		return ReadCSV(f, cols)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q: %w", filepath.Ext(path), errdefs.ErrConfiguration)
	}
}

// ReadJSONL decodes one JSON object per line.
func ReadJSONL(r io.Reader, cols Columns) (*Dataset, error) {
	ds := &Dataset{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var row map[string]any
		if err := sonic.UnmarshalString(raw, &row); err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		s, err := sampleFromRow(row, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ds.Samples = append(ds.Samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %v", err)
	}
	return ds, nil
}

// ReadCSV decodes a header row followed by one sample per record.
func ReadCSV(r io.Reader, cols Columns) (*Dataset, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %v", err)
	}
	ds := &Dataset{}
	for rec := 1; ; rec++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %v", rec, err)
		}
		row := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(fields) {
				row[name] = fields[i]
			}
		}
		s, err := sampleFromRow(row, cols)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec, err)
		}
		ds.Samples = append(ds.Samples, s)
	}
	return ds, nil
}

func sampleFromRow(row map[string]any, cols Columns) (Sample, error) {
	seq, ok := row[cols.Sequence].(string)
	if !ok {
		return Sample{}, fmt.Errorf("missing sequence column %q: %w", cols.Sequence, errdefs.ErrConfiguration)
	}
	label, ok := row[cols.Label]
	if !ok {
		return Sample{}, fmt.Errorf("missing label column %q: %w", cols.Label, errdefs.ErrConfiguration)
	}
	s := Sample{Seq: seq, Label: label}
	if v, ok := row[cols.Foldseek].(string); ok {
		s.Foldseek = v
	}
	if v, ok := row[cols.SS8].(string); ok {
		s.SS8 = v
	}
	return s, nil
}
