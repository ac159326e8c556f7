// Package descriptions maps model ids to human-readable descriptions.
package descriptions

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Fallback is returned for models without a description.
const Fallback = "No description available."

// ErrDescriptionLoad reports an unreadable description table. It is never fatal.
var ErrDescriptionLoad = errors.New("description load failed")

// Table is an immutable model id -> description mapping.
type Table map[string]string

// Lookup returns the description for id, or Fallback.
func (t Table) Lookup(id string) string {
	if d, ok := t[id]; ok {
		return d
	}
	return Fallback
}

// Load reads a CSV with "model" and "description" columns. On failure it
// returns an empty table together with an error wrapping ErrDescriptionLoad.
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrDescriptionLoad, err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return Table{}, fmt.Errorf("%w: %s: %v", ErrDescriptionLoad, path, err)
	}
	return t, nil
}

// Parse decodes a description table from r.
func Parse(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	modelCol, descCol := -1, -1
	for i, name := range head {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case "model":
			modelCol = i
		case "description":
			descCol = i
		}
	}
	if modelCol < 0 || descCol < 0 {
		return nil, fmt.Errorf("missing model/description columns in %v", head)
	}

	t := Table{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return nil, err
		}
		if modelCol >= len(rec) || descCol >= len(rec) {
			continue
		}
		t[strings.TrimSpace(rec[modelCol])] = rec[descCol]
	}
}
