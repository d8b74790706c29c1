// Package codec reads and writes draw files: CSV tables whose header is the
// dataset's dimension columns plus a value column, optionally gzip-compressed
// by file extension.
//
// Reading builds the coordinate space in a single pass and validates that the
// rows form a complete rectangular grid. Writing streams rows in row-major
// order and replaces the destination atomically and durably (temp file,
// fsync, rename), so a crashed writer never leaves a partial draw file
// behind.
package codec

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/dshills/epirake/dataset"
)

// ValueColumn is the measurement column every draw file carries.
const ValueColumn = "value"

// ErrBadHeader is returned when a file's header row is missing or does not
// carry the value column.
var ErrBadHeader = errors.New("bad header")

// ErrBadRow is returned when a data row cannot be parsed.
var ErrBadRow = errors.New("bad row")

// ReadOptions adjusts how a draw file is read.
type ReadOptions struct {
	// Draw, when non-nil, filters on the file's "draw" column: only rows
	// with this draw survive and the column is dropped from the result.
	// Envelope files store every draw in one file; this is how one is
	// selected. Reading a file without a draw column with Draw set is an
	// error.
	Draw *int64
}

// Read parses a CSV draw file from r.
//
// The header names the dimension columns in order; the value column may sit
// anywhere and is excluded from the dimensions. Every row must parse, and
// the rows must form a complete rectangular grid over the observed
// coordinates. Errors name the offending row.
func Read(r io.Reader, opts ReadOptions) (*dataset.Dataset, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("codec: %w: empty file", ErrBadHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: read header: %w", err)
	}

	valueCol := -1
	drawCol := -1
	var dims []string
	var dimCols []int
	for i, name := range header {
		name = strings.TrimSpace(name)
		switch {
		case name == ValueColumn:
			if valueCol >= 0 {
				return nil, fmt.Errorf("codec: %w: duplicate %q column", ErrBadHeader, ValueColumn)
			}
			valueCol = i
		case opts.Draw != nil && name == dataset.DimDraw:
			drawCol = i
		default:
			dims = append(dims, name)
			dimCols = append(dimCols, i)
		}
	}
	if valueCol < 0 {
		return nil, fmt.Errorf("codec: %w: no %q column in %v", ErrBadHeader, ValueColumn, header)
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("codec: %w: no dimension columns", ErrBadHeader)
	}
	if opts.Draw != nil && drawCol < 0 {
		return nil, fmt.Errorf("codec: %w: draw filter requested but no %q column", ErrBadHeader, dataset.DimDraw)
	}

	b := dataset.NewBuilder(dims...)
	key := make([]int64, len(dims))
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("codec: row %d: %w: %v", line, ErrBadRow, err)
		}

		if drawCol >= 0 {
			d, err := strconv.ParseInt(strings.TrimSpace(record[drawCol]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("codec: row %d: %w: draw %q: %v", line, ErrBadRow, record[drawCol], err)
			}
			if d != *opts.Draw {
				continue
			}
		}

		for i, col := range dimCols {
			c, err := strconv.ParseInt(strings.TrimSpace(record[col]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("codec: row %d: %w: %s %q: %v", line, ErrBadRow, dims[i], record[col], err)
			}
			key[i] = c
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[valueCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("codec: row %d: %w: value %q: %v", line, ErrBadRow, record[valueCol], err)
		}
		b.AddRow(key, v, line)
	}

	ds, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return ds, nil
}

// ReadFile reads a draw file from disk, transparently decompressing paths
// ending in .gz.
func ReadFile(path string, opts ReadOptions) (*dataset.Dataset, error) {
	f, err := os.Open(path) // #nosec G304 -- draw file paths come from run config
	if err != nil {
		return nil, fmt.Errorf("codec: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("codec: gzip %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	ds, err := Read(r, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// Write streams the dataset to w as CSV: one header row (dimensions in
// storage order, then value), then one row per cell in row-major order.
// Identical datasets always serialize to identical bytes.
func Write(w io.Writer, ds *dataset.Dataset) error {
	cw := csv.NewWriter(w)

	dims := ds.Dims()
	header := append(append([]string(nil), dims...), ValueColumn)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("codec: write header: %w", err)
	}

	record := make([]string, len(dims)+1)
	var writeErr error
	ds.Each(func(key []int64, v float64) {
		if writeErr != nil {
			return
		}
		for i, c := range key {
			record[i] = strconv.FormatInt(c, 10)
		}
		record[len(dims)] = strconv.FormatFloat(v, 'g', -1, 64)
		writeErr = cw.Write(record)
	})
	if writeErr != nil {
		return fmt.Errorf("codec: write row: %w", writeErr)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("codec: flush: %w", err)
	}
	return nil
}

// WriteFile writes the dataset to path atomically and durably: the data
// lands in a temp file in the destination directory, is fsynced, and is
// renamed over path in one step. Paths ending in .gz are gzip-compressed.
func WriteFile(path string, ds *dataset.Dataset) error {
	// renameio handles temp file creation, fsync, atomic rename, and
	// cleanup on error.
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("codec: create pending file for %s: %w", path, err)
	}
	defer func() { _ = pending.Cleanup() }()

	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(pending)
		if err := Write(gz, ds); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("codec: close gzip for %s: %w", path, err)
		}
	} else {
		if err := Write(pending, ds); err != nil {
			return err
		}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("codec: atomically replace %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns the SHA-256 content hash of a file in the
// "sha256:<hex>" form checkpoints and run reports record for provenance.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- draw file paths come from run config
	if err != nil {
		return "", fmt.Errorf("codec: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("codec: hash %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
