package kacpkg

import "testing"

func TestIndexBuilderAccumulatesOffsets(t *testing.T) {
	b := NewIndexBuilder(1000)

	off1 := b.Add("file-a", 100)
	off2 := b.Add("file-b", 200)
	off3 := b.Add("file-c", 50)

	if off1 != 1000 {
		t.Errorf("first Add offset: got %d, want 1000", off1)
	}
	if off2 != 1100 {
		t.Errorf("second Add offset: got %d, want 1100", off2)
	}
	if off3 != 1300 {
		t.Errorf("third Add offset: got %d, want 1300", off3)
	}
	if got, want := b.Cursor(), uint32(1350); got != want {
		t.Errorf("Cursor: got %d, want %d", got, want)
	}

	entries := b.Entries()
	if len(entries) != 3 {
		t.Fatalf("Entries count: got %d, want 3", len(entries))
	}
	want := []IndexEntry{
		{Name: "file-a", Size: 100, Offset: 1000},
		{Name: "file-b", Size: 200, Offset: 1100},
		{Name: "file-c", Size: 50, Offset: 1300},
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entries[%d]: got %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestIndexBuilderBuildMatchesEncodeIndex(t *testing.T) {
	b := NewIndexBuilder(0)
	b.Add("a", 10)
	b.Add("b", 20)

	built, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	direct, err := EncodeIndex(b.Entries())
	if err != nil {
		t.Fatalf("EncodeIndex: %v", err)
	}
	if string(built) != string(direct) {
		t.Errorf("Build() output differs from EncodeIndex(Entries())")
	}
}

func TestNewIndexBuilderEmpty(t *testing.T) {
	b := NewIndexBuilder(42)
	if got := b.Cursor(); got != 42 {
		t.Errorf("Cursor on empty builder: got %d, want 42", got)
	}
	if len(b.Entries()) != 0 {
		t.Errorf("Entries on empty builder: got %d, want 0", len(b.Entries()))
	}
}
