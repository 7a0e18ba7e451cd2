// Package census loads per-vintage racial population counts by tract.
package census

import (
	"archive/zip"
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	dserrors "github.com/districtshift/districtshift/internal/errors"
)

// table is a parsed CSV with a header-to-column index.
type table struct {
	source string
	col    map[string]int
	rows   [][]string
}

func readTable(r io.Reader, source string, required []string) (*table, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("failed to parse %s", source), err)
	}
	if len(records) < 1 {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("%s has no header row", source), nil)
	}

	header := records[0]
	// Handle BOM on first header cell
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, k := range required {
		if _, ok := col[k]; !ok {
			return nil, dserrors.NewInputError(dserrors.CodeMissingColumn,
				fmt.Sprintf("%s: missing required column %s", source, k), nil)
		}
	}

	return &table{source: source, col: col, rows: records[1:]}, nil
}

// get returns the trimmed cell for column name in row i, or "" when absent.
func (t *table) get(row []string, name string) string {
	i, ok := t.col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (t *table) has(name string) bool {
	_, ok := t.col[name]
	return ok
}

// openCSV opens path for reading. When path is a zip archive the member
// named member is opened; with an empty member the first entry whose name
// ends in suffix (or, failing that, in .csv) is used.
func openCSV(path, member, suffix string) (io.ReadCloser, string, error) {
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fileError(path, err)
		}
		return f, path, nil
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, "", fileError(path, err)
	}

	var chosen *zip.File
	for _, f := range zr.File {
		name := f.Name
		switch {
		case member != "" && name == member:
			chosen = f
		case member == "" && suffix != "" && strings.HasSuffix(name, suffix):
			chosen = f
		}
		if chosen != nil {
			break
		}
	}
	if chosen == nil && member == "" {
		for _, f := range zr.File {
			if strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
				chosen = f
				break
			}
		}
	}
	if chosen == nil {
		zr.Close()
		return nil, "", dserrors.NewInputError(dserrors.CodeFileNotFound,
			fmt.Sprintf("%s: no CSV member matching %q", path, member), nil)
	}

	rc, err := chosen.Open()
	if err != nil {
		zr.Close()
		return nil, "", dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("%s: failed to open member %s", path, chosen.Name), err)
	}
	return &zipMember{ReadCloser: rc, archive: zr}, path + "!" + chosen.Name, nil
}

type zipMember struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (z *zipMember) Close() error {
	err := z.ReadCloser.Close()
	if cerr := z.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func fileError(path string, err error) error {
	code := dserrors.CodeMalformedInput
	if os.IsNotExist(err) {
		code = dserrors.CodeFileNotFound
	}
	return dserrors.NewInputError(code, fmt.Sprintf("failed to open %s", path), err)
}
