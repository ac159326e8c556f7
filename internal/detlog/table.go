package detlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

// Header is the fixed first row of the persisted table.
var Header = []string{"Time", "ClassID", "ClassName", "X", "Y", "Width", "Height"}

// writeTable replaces the file at path with header plus rows. The new
// contents are written to a sibling temp file and renamed into place so
// readers never see a partial table.
func writeTable(path string, rows []types.Detection) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}
	tmpName := tmp.Name()

	if err := WriteCSV(tmp, rows); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp table: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace table: %w", err)
	}
	return nil
}

// WriteCSV encodes header plus rows in the persisted table format.
func WriteCSV(w io.Writer, rows []types.Detection) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(Header))
	for _, d := range rows {
		record[0] = d.Timestamp
		record[1] = strconv.Itoa(d.ClassID)
		record[2] = d.ClassName
		record[3] = strconv.Itoa(d.X)
		record[4] = strconv.Itoa(d.Y)
		record[5] = strconv.Itoa(d.Width)
		record[6] = strconv.Itoa(d.Height)
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadFile loads a persisted table. A missing file yields no rows and no error.
func ReadFile(path string) ([]types.Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return decodeTable(f)
}

func decodeTable(r io.Reader) ([]types.Detection, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	head, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, name := range Header {
		if head[i] != name {
			return nil, fmt.Errorf("unexpected column %q, want %q", head[i], name)
		}
	}

	var out []types.Detection
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		var nums [5]int
		for i, field := range []string{rec[1], rec[3], rec[4], rec[5], rec[6]} {
			if nums[i], err = strconv.Atoi(field); err != nil {
				return nil, fmt.Errorf("row %d: %w", len(out)+1, err)
			}
		}
		out = append(out, types.Detection{
			Timestamp: rec[0],
			ClassID:   nums[0],
			ClassName: rec[2],
			X:         nums[1],
			Y:         nums[2],
			Width:     nums[3],
			Height:    nums[4],
		})
	}
}
