package vault

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRandomBlobNameShapeAndUniqueness(t *testing.T) {
	a, err := RandomBlobName()
	if err != nil {
		t.Fatalf("RandomBlobName failed: %v", err)
	}
	if !IsBlobName(a) {
		t.Errorf("expected a freshly generated name to satisfy IsBlobName, got %q", a)
	}
	b, err := RandomBlobName()
	if err != nil {
		t.Fatalf("RandomBlobName failed: %v", err)
	}
	if a == b {
		t.Errorf("expected two random names to differ (astronomically unlikely collision)")
	}
}

func TestRandomIndexNameIsDotPrefixedAndDistinct(t *testing.T) {
	name, err := RandomIndexName()
	if err != nil {
		t.Fatalf("RandomIndexName failed: %v", err)
	}
	if !IsIndexFileName(name) {
		t.Errorf("expected RandomIndexName's output to satisfy IsIndexFileName, got %q", name)
	}
	if IsBlobName(name) {
		t.Errorf("expected an index name to not also satisfy the plain blob pattern")
	}
}

func TestFilterIndexEntriesDropsOnlyIndexFiles(t *testing.T) {
	idx, err := RandomIndexName()
	if err != nil {
		t.Fatalf("RandomIndexName failed: %v", err)
	}
	blob, err := RandomBlobName()
	if err != nil {
		t.Fatalf("RandomBlobName failed: %v", err)
	}
	entries := []Entry{
		{Name: idx, Kind: KindFile},
		{Name: blob, Kind: KindFile},
		{Name: "subfolder", Kind: KindDir},
	}
	out := FilterIndexEntries(entries)
	if len(out) != 2 {
		t.Fatalf("expected 2 surviving entries, got %d", len(out))
	}
	for _, e := range out {
		if e.Name == idx {
			t.Errorf("expected the index entry to be filtered out")
		}
	}
}

func TestWriteBlobDeletesPartialOnFnFailure(t *testing.T) {
	a := NewMemAdapter()
	wantErr := errors.New("boom")
	err := WriteBlob(a, "", "somename", func(w io.Writer) error {
		w.Write([]byte("partial"))
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected WriteBlob to propagate fn's error, got %v", err)
	}
	entries, err := a.Enumerate("")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected the partial artifact to be deleted, found %d entries", len(entries))
	}
}

func TestWriteBlobSucceedsAndPersists(t *testing.T) {
	a := NewMemAdapter()
	err := WriteBlob(a, "", "goodname", func(w io.Writer) error {
		_, err := io.Copy(w, strings.NewReader("payload"))
		return err
	})
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	entries, err := a.Enumerate("")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "goodname" {
		t.Fatalf("expected exactly one persisted entry named goodname, got %+v", entries)
	}
}

func TestMemAdapterCreateSubdirAndEnumerate(t *testing.T) {
	a := NewMemAdapter()
	sub, err := a.CreateSubdir("", "child")
	if err != nil {
		t.Fatalf("CreateSubdir failed: %v", err)
	}
	if sub.Kind != KindDir {
		t.Errorf("expected the created entry to be a directory")
	}

	if err := WriteBlob(a, "child", "x", func(w io.Writer) error {
		_, err := w.Write([]byte("hi"))
		return err
	}); err != nil {
		t.Fatalf("WriteBlob into subfolder failed: %v", err)
	}

	rootEntries, err := a.Enumerate("")
	if err != nil {
		t.Fatalf("Enumerate(root) failed: %v", err)
	}
	if len(rootEntries) != 1 || rootEntries[0].Name != "child" {
		t.Fatalf("expected exactly the child directory at root, got %+v", rootEntries)
	}

	childEntries, err := a.Enumerate("child")
	if err != nil {
		t.Fatalf("Enumerate(child) failed: %v", err)
	}
	if len(childEntries) != 1 || childEntries[0].Name != "x" {
		t.Fatalf("expected one blob inside child, got %+v", childEntries)
	}
}

func TestMemAdapterOpenReadRoundTrip(t *testing.T) {
	a := NewMemAdapter()
	if err := WriteBlob(a, "", "f", func(w io.Writer) error {
		_, err := w.Write([]byte("round trip me"))
		return err
	}); err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	entries, err := a.Enumerate("")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	r, err := a.OpenRead(entries[0])
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "round trip me" {
		t.Errorf("expected %q, got %q", "round trip me", data)
	}
}

func TestMemAdapterDeleteRemovesEntry(t *testing.T) {
	a := NewMemAdapter()
	if err := WriteBlob(a, "", "to-delete", func(w io.Writer) error {
		_, err := w.Write([]byte("x"))
		return err
	}); err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	if err := a.Delete("", "to-delete"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	entries, err := a.Enumerate("")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected the folder to be empty after delete, got %+v", entries)
	}
}
