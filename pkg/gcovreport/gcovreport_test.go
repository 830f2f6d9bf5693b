package gcovreport

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.c")

	report := New()
	report.Files = append(report.Files, FileReport{
		Lines: []LineReport{
			{Count: 3, LineNumber: 10, FunctionName: "main", UnexecutedBlock: false},
		},
		Functions: []FunctionReport{
			{Blocks: 1, BlocksExecuted: 1, Name: "main", DemangledName: "main", StartLine: 10, EndLine: 12, ExecutionCount: 3},
		},
	})

	if err := Write(src, report); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := os.Open(src + ".gcov.json.gz")
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()

	body, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got Report
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, body)
	}

	if got.FormatVersion != formatVersion {
		t.Errorf("format_version = %q, want %q", got.FormatVersion, formatVersion)
	}
	if got.DataFile != "main.c" {
		t.Errorf("data_file = %q, want main.c", got.DataFile)
	}
	if len(got.Files) != 1 || got.Files[0].File != "main.c" {
		t.Fatalf("files = %+v", got.Files)
	}
	if len(got.Files[0].Lines) != 1 || got.Files[0].Lines[0].Count != 3 {
		t.Fatalf("lines = %+v", got.Files[0].Lines)
	}
}

func TestWriteOutputOpenFailure(t *testing.T) {
	// A directory that does not exist: os.Create must fail and Write must
	// surface an *OutputOpenError rather than panicking.
	err := Write(filepath.Join(t.TempDir(), "missing-dir", "x.c"), New())
	if err == nil {
		t.Fatal("want error for unwritable path")
	}
	var openErr *OutputOpenError
	if !asOutputOpenError(err, &openErr) {
		t.Fatalf("want *OutputOpenError, got %T: %v", err, err)
	}
}

func asOutputOpenError(err error, target **OutputOpenError) bool {
	if e, ok := err.(*OutputOpenError); ok {
		*target = e
		return true
	}
	return false
}
