package samples

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}
}

func ids(list []Sample) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.ImageID)
	}
	sort.Strings(out)
	return out
}

func TestEnumerateDirectoryFiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.jpg", "b.jpg", "c.png")

	gotDir, list, err := Enumerate(dir, "jpg")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if gotDir != dir {
		t.Errorf("expected dir %s, got %s", dir, gotDir)
	}

	got := ids(list)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected {a, b}, got %v", got)
	}
	for _, s := range list {
		if s.Format != "jpg" {
			t.Errorf("expected format jpg for %s, got %q", s.ImageID, s.Format)
		}
	}
}

func TestEnumerateDefaultsToJPG(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.jpg", "b.png")

	_, list, err := Enumerate(dir)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if got := ids(list); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected {a}, got %v", got)
	}
}

func TestEnumerateIsCaseSensitive(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "upper.JPG", "lower.jpg")

	_, list, err := Enumerate(dir, "jpg")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if got := ids(list); len(got) != 1 || got[0] != "lower" {
		t.Fatalf("expected {lower}, got %v", got)
	}
}

func TestEnumerateSkipsHiddenFilesAndSubdirectories(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, ".hidden.jpg", "keep.jpg")
	if err := os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, list, err := Enumerate(dir, "jpg")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if got := ids(list); len(got) != 1 || got[0] != "keep" {
		t.Fatalf("expected {keep}, got %v", got)
	}
}

func TestEnumerateSingleFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "y")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	touch(t, dir, "foo.jpg")

	gotDir, list, err := Enumerate(filepath.Join(dir, "foo.jpg"))
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if gotDir != dir {
		t.Errorf("expected dir %s, got %s", dir, gotDir)
	}
	if len(list) != 1 || list[0].ImageID != "foo" || list[0].Format != "jpg" {
		t.Fatalf("unexpected samples: %+v", list)
	}
}

func TestFromFileKeepsInnerDots(t *testing.T) {
	dir, list := FromFile("/x/y/foo.bar.png")
	if dir != "/x/y" {
		t.Errorf("expected /x/y, got %s", dir)
	}
	if list[0].ImageID != "foo.bar" || list[0].Format != "png" {
		t.Fatalf("unexpected sample: %+v", list[0])
	}
	if got := list[0].FileName("jpg"); got != "foo.bar.png" {
		t.Fatalf("unexpected file name: %s", got)
	}
}

func TestEnumerateNotFound(t *testing.T) {
	_, _, err := Enumerate(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnumerateEmptyResult(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "only.png")

	_, list, err := Enumerate(dir, "jpg")
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected an empty, non-nil list, got %#v", list)
	}
}

func TestEnumerateDuplicateImageID(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "foo.jpg", "foo.png", "bar.jpg")

	_, _, err := Enumerate(dir, "jpg", "png")
	if !errors.Is(err, ErrDuplicateImageID) {
		t.Fatalf("expected ErrDuplicateImageID, got %v", err)
	}
}

func TestParseFormats(t *testing.T) {
	got := ParseFormats(" jpg, png ,,")
	if len(got) != 2 || got[0] != "jpg" || got[1] != "png" {
		t.Fatalf("unexpected formats: %v", got)
	}
}

func TestSampleFileNameFallback(t *testing.T) {
	if got := (Sample{ImageID: "a"}).FileName("jpg"); got != "a.jpg" {
		t.Fatalf("unexpected file name: %s", got)
	}
}
