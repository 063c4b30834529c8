package birdnet

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// Label is one model output class.
type Label struct {
	Scientific string
	Common     string
}

// ParseLabel splits a "Scientific name_Common name" label line. Lines
// without a separator are taken as scientific names only.
func ParseLabel(line string) Label {
	line = strings.TrimSpace(line)
	sci, common, found := strings.Cut(line, "_")
	if !found {
		return Label{Scientific: line}
	}
	return Label{Scientific: strings.TrimSpace(sci), Common: strings.TrimSpace(common)}
}

// LoadLabels reads a label file, one label per line.
func LoadLabels(path string) ([]Label, error) {
	if path == "" {
		return nil, errors.Newf("birdnet: classifier.labelpath is not set").
			Component("birdnet").
			Category(errors.CategoryConfiguration).
			Build()
	}
	f, err := os.Open(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, errors.New(err).
			Component("birdnet").
			Category(errors.CategoryLabelLoad).
			FileContext(path, 0).
			Build()
	}
	defer func() { _ = f.Close() }()

	labels, err := ReadLabels(f)
	if err != nil {
		return nil, errors.New(err).
			Component("birdnet").
			Category(errors.CategoryLabelLoad).
			FileContext(path, 0).
			Build()
	}
	return labels, nil
}

// ReadLabels parses labels from r, skipping blank lines.
func ReadLabels(r io.Reader) ([]Label, error) {
	var labels []Label
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		labels = append(labels, ParseLabel(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, errors.NewStd("label file is empty")
	}
	return labels, nil
}
