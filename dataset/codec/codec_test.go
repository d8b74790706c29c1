package codec

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/epirake/dataset"
)

func sampleDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	b := dataset.NewBuilder(dataset.DimLocation, dataset.DimAge)
	b.Add([]int64{10, 8}, 1.5)
	b.Add([]int64{10, 9}, 2)
	b.Add([]int64{20, 8}, 0)
	b.Add([]int64{20, 9}, 123.456)
	ds, err := b.Build()
	if err != nil {
		t.Fatalf("build sample dataset: %v", err)
	}
	return ds
}

func TestWriteRead_RoundTrip(t *testing.T) {
	ds := sampleDataset(t)

	var buf bytes.Buffer
	if err := Write(&buf, ds); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Header is dims in order plus value.
	firstLine := strings.SplitN(buf.String(), "\n", 2)[0]
	if firstLine != "location_id,age_group_id,value" {
		t.Errorf("unexpected header: %q", firstLine)
	}

	back, err := Read(bytes.NewReader(buf.Bytes()), ReadOptions{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !back.AllClose(ds, 0) {
		t.Error("round trip changed values")
	}
}

func TestWrite_Deterministic(t *testing.T) {
	ds := sampleDataset(t)

	var a, b bytes.Buffer
	if err := Write(&a, ds); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := Write(&b, ds.Clone()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("identical datasets produced different bytes")
	}
}

func TestRead_DrawFilter(t *testing.T) {
	// Envelope-style file: all draws in one file.
	input := strings.Join([]string{
		"location_id,draw,value",
		"10,0,1",
		"10,1,2",
		"20,0,3",
		"20,1,4",
	}, "\n")

	draw := int64(1)
	ds, err := Read(strings.NewReader(input), ReadOptions{Draw: &draw})
	if err != nil {
		t.Fatalf("Read with draw filter failed: %v", err)
	}
	if ds.HasDim(dataset.DimDraw) {
		t.Error("draw column should be dropped by the filter")
	}
	got, err := ds.At(map[string]int64{dataset.DimLocation: 20})
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if got != 4 {
		t.Errorf("expected draw 1 value 4, got %v", got)
	}

	// Filter on a file without a draw column is an error.
	if _, err := Read(strings.NewReader("location_id,value\n10,1\n"), ReadOptions{Draw: &draw}); !errors.Is(err, ErrBadHeader) {
		t.Errorf("expected ErrBadHeader, got: %v", err)
	}

	// Without a filter the draw column stays a dimension.
	full, err := Read(strings.NewReader(input), ReadOptions{})
	if err != nil {
		t.Fatalf("Read without filter failed: %v", err)
	}
	if !full.HasDim("draw") {
		t.Error("draw column should remain a dimension without a filter")
	}
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty file", "", ErrBadHeader},
		{"no value column", "location_id,age_group_id\n1,2\n", ErrBadHeader},
		{"only value column", "value\n1\n", ErrBadHeader},
		{"non-integer coordinate", "location_id,value\nabc,1\n", ErrBadRow},
		{"non-numeric value", "location_id,value\n10,xyz\n", ErrBadRow},
		{"duplicate cell", "location_id,value\n10,1\n10,2\n", dataset.ErrCoordOverlap},
		{"ragged grid", "location_id,age_group_id,value\n10,8,1\n10,9,2\n20,8,3\n", dataset.ErrInvalidShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.input), ReadOptions{})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
		})
	}

	// Row errors name the offending line.
	_, err := Read(strings.NewReader("location_id,value\n10,1\nbad,2\n"), ReadOptions{})
	if err == nil || !strings.Contains(err.Error(), "row 3") {
		t.Errorf("error should name row 3: %v", err)
	}
}

func TestWriteReadFile_PlainAndGzip(t *testing.T) {
	ds := sampleDataset(t)
	dir := t.TempDir()

	for _, name := range []string{"draw_7.csv", "draw_7.csv.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := WriteFile(path, ds); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}

			back, err := ReadFile(path, ReadOptions{})
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if !back.AllClose(ds, 0) {
				t.Error("file round trip changed values")
			}

			// No temp files left behind next to the output.
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatalf("ReadDir failed: %v", err)
			}
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), ".") || strings.Contains(e.Name(), "tmp") {
					t.Errorf("leftover temp file: %s", e.Name())
				}
			}
		})
	}

	// Overwrite replaces content atomically.
	path := filepath.Join(dir, "draw_7.csv")
	changed := ds.Clone()
	_ = changed.Set(map[string]int64{dataset.DimLocation: 10, dataset.DimAge: 8}, 99)
	if err := WriteFile(path, changed); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	back, err := ReadFile(path, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadFile after overwrite failed: %v", err)
	}
	got, _ := back.At(map[string]int64{dataset.DimLocation: 10, dataset.DimAge: 8})
	if got != 99 {
		t.Errorf("expected overwritten value 99, got %v", got)
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "draw_0.csv")
	ds := sampleDataset(t)
	if err := WriteFile(path, ds); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fp1, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if !strings.HasPrefix(fp1, "sha256:") {
		t.Errorf("fingerprint missing prefix: %q", fp1)
	}

	// Identical content, identical fingerprint.
	other := filepath.Join(dir, "copy.csv")
	if err := WriteFile(other, ds); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	fp2, _ := Fingerprint(other)
	if fp1 != fp2 {
		t.Errorf("identical files fingerprint differently: %q vs %q", fp1, fp2)
	}

	if _, err := Fingerprint(filepath.Join(dir, "missing.csv")); err == nil {
		t.Error("Fingerprint of missing file should fail")
	}
}
