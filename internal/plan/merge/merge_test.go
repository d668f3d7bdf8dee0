package merge

import "testing"

func totalMembers(groups []Group, solo []Candidate) int {
	n := len(solo)
	for _, g := range groups {
		n += len(g.Members)
	}
	return n
}

func TestMergeCombinesAdjacentSmallRanges(t *testing.T) {
	candidates := []Candidate{
		{Offset: 0, Size: 1000, TaskID: 0},
		{Offset: 1000, Size: 1000, TaskID: 1},
		{Offset: 2000, Size: 1000, TaskID: 2},
	}
	groups, solo := Merge(candidates)
	if len(solo) != 0 {
		t.Fatalf("expected no solo candidates, got %d", len(solo))
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.Start != 0 || g.End != 3000 {
		t.Errorf("group span: got [%d, %d), want [0, 3000)", g.Start, g.End)
	}
	if len(g.Members) != 3 {
		t.Errorf("group members: got %d, want 3", len(g.Members))
	}
	if g.WasteRatio() != 0 {
		t.Errorf("WasteRatio for fully contiguous group: got %v, want 0", g.WasteRatio())
	}
}

func TestMergeLeavesIsolatedSmallCandidateSolo(t *testing.T) {
	candidates := []Candidate{
		{Offset: 0, Size: 1000, TaskID: 0},
	}
	groups, solo := Merge(candidates)
	if len(groups) != 0 {
		t.Fatalf("expected no groups for a single candidate, got %d", len(groups))
	}
	if len(solo) != 1 {
		t.Fatalf("expected 1 solo candidate, got %d", len(solo))
	}
}

func TestMergeKeepsLargeFilesSolo(t *testing.T) {
	candidates := []Candidate{
		{Offset: 0, Size: smallFileThreshold + 1, TaskID: 0},
		{Offset: smallFileThreshold + 1, Size: 1000, TaskID: 1},
	}
	groups, solo := Merge(candidates)
	if len(groups) != 0 {
		t.Fatalf("expected no groups (large file + single small), got %d", len(groups))
	}
	if len(solo) != 2 {
		t.Fatalf("expected both candidates solo, got %d", len(solo))
	}
}

func TestMergeSplitsWhenWasteRatioExceeded(t *testing.T) {
	// A big gap between two small candidates means merging them would
	// download far more than their combined effective size.
	candidates := []Candidate{
		{Offset: 0, Size: 100, TaskID: 0},
		{Offset: 100 + 100*1000, Size: 100, TaskID: 1},
	}
	groups, solo := Merge(candidates)
	if len(groups) != 0 {
		t.Fatalf("expected the large gap to prevent merging, got %d groups", len(groups))
	}
	if len(solo) != 2 {
		t.Fatalf("expected both candidates to fall back solo, got %d", len(solo))
	}
}

func TestMergeRespectsMaxGroupDownload(t *testing.T) {
	// Many small, perfectly adjacent candidates whose combined span
	// exceeds maxGroupDownload must split into more than one group.
	var candidates []Candidate
	const n = 50
	const size = int64(300 * 1024)
	for i := 0; i < n; i++ {
		candidates = append(candidates, Candidate{
			Offset: int64(i) * size,
			Size:   size,
			TaskID: i,
		})
	}
	groups, solo := Merge(candidates)
	if len(groups) < 2 {
		t.Fatalf("expected candidates to split across multiple groups, got %d", len(groups))
	}
	for _, g := range groups {
		if g.TotalDownload > maxGroupDownload {
			t.Errorf("group download %d exceeds maxGroupDownload %d", g.TotalDownload, maxGroupDownload)
		}
		if g.WasteRatio() > maxWasteRatio {
			t.Errorf("group waste ratio %v exceeds maxWasteRatio %v", g.WasteRatio(), maxWasteRatio)
		}
	}
	if got, want := totalMembers(groups, solo), n; got != want {
		t.Errorf("total accounted candidates: got %d, want %d", got, want)
	}
}

func TestMergeNoCandidates(t *testing.T) {
	groups, solo := Merge(nil)
	if len(groups) != 0 || len(solo) != 0 {
		t.Errorf("Merge(nil) = (%v, %v), want empty", groups, solo)
	}
}

func TestMergeOrderIndependentOfInputOrdering(t *testing.T) {
	// Merge sorts internally by offset, so candidates passed out of
	// order should produce the same grouping as passed in order.
	inOrder := []Candidate{
		{Offset: 0, Size: 1000, TaskID: 0},
		{Offset: 1000, Size: 1000, TaskID: 1},
		{Offset: 2000, Size: 1000, TaskID: 2},
	}
	shuffled := []Candidate{inOrder[2], inOrder[0], inOrder[1]}

	groupsA, soloA := Merge(inOrder)
	groupsB, soloB := Merge(shuffled)

	if len(groupsA) != len(groupsB) || len(soloA) != len(soloB) {
		t.Fatalf("grouping differs by input order: (%d,%d) vs (%d,%d)", len(groupsA), len(soloA), len(groupsB), len(soloB))
	}
	if len(groupsA) == 1 && (groupsA[0].Start != groupsB[0].Start || groupsA[0].End != groupsB[0].End) {
		t.Errorf("group span differs by input order: %+v vs %+v", groupsA[0], groupsB[0])
	}
}
