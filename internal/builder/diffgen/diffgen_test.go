package diffgen

import (
	"bytes"
	"math/rand"
	"testing"
)

func randomBytes(t testing.TB, n int, seed uint64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(int64(seed ^ 0xABCDEF)))
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(r.Uint32())
	}
	return buf
}

func applyAndCheck(t *testing.T, base, from, to []byte) {
	t.Helper()
	ops := Generate(from, to)

	var out bytes.Buffer
	if err := Apply(&out, base, ops); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(out.Bytes(), to) {
		t.Fatalf("Apply output mismatch: got %d bytes, want %d bytes", out.Len(), len(to))
	}
}

func TestGenerateApplyIdenticalFiles(t *testing.T) {
	data := randomBytes(t, 64*1024, 1)
	applyAndCheck(t, data, data, data)
}

func TestGenerateApplyAppendedTail(t *testing.T) {
	base := randomBytes(t, 200*1024, 2)
	to := append(append([]byte{}, base...), randomBytes(t, 10*1024, 3)...)
	applyAndCheck(t, base, base, to)
}

func TestGenerateApplyPrependedHead(t *testing.T) {
	base := randomBytes(t, 200*1024, 4)
	to := append(append([]byte{}, randomBytes(t, 10*1024, 5)...), base...)
	applyAndCheck(t, base, base, to)
}

func TestGenerateApplyInteriorEdit(t *testing.T) {
	base := randomBytes(t, 500*1024, 6)
	to := make([]byte, len(base))
	copy(to, base)
	// Overwrite a chunk in the middle so the reconstructed bytes must mix
	// copied base ranges with literal data.
	copy(to[200*1024:200*1024+4096], randomBytes(t, 4096, 7))
	applyAndCheck(t, base, base, to)
}

func TestGenerateApplyCompletelyDifferentFiles(t *testing.T) {
	from := randomBytes(t, 100*1024, 8)
	to := randomBytes(t, 120*1024, 9)
	applyAndCheck(t, from, from, to)
}

func TestGenerateApplyEmptyFiles(t *testing.T) {
	applyAndCheck(t, nil, nil, nil)
}

func TestGenerateApplyShrinkToEmpty(t *testing.T) {
	from := randomBytes(t, 10*1024, 10)
	applyAndCheck(t, from, from, nil)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	from := randomBytes(t, 300*1024, 11)
	to := make([]byte, len(from))
	copy(to, from)
	copy(to[1000:2000], randomBytes(t, 1000, 12))
	ops := Generate(from, to)

	encoded, err := Encode(ops)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != len(ops) {
		t.Fatalf("Decode op count: got %d, want %d", len(decoded), len(ops))
	}

	var out bytes.Buffer
	if err := Apply(&out, from, decoded); err != nil {
		t.Fatalf("Apply decoded ops: %v", err)
	}
	if !bytes.Equal(out.Bytes(), to) {
		t.Fatalf("Apply decoded ops mismatch: got %d bytes, want %d bytes", out.Len(), len(to))
	}
}

func TestApplyRejectsOutOfRangeCopy(t *testing.T) {
	base := []byte("short base")
	ops := []Operation{{Type: OpCopy, Offset: 0, Length: int64(len(base) + 100)}}
	var out bytes.Buffer
	if err := Apply(&out, base, ops); err == nil {
		t.Error("expected error applying an out-of-range OpCopy")
	}
}

func TestCoalesceDataMergesAdjacentLiterals(t *testing.T) {
	// Two fully unrelated small files produce no matching chunks, so
	// Generate's output should coalesce into a single OpData run rather
	// than many small ones.
	from := randomBytes(t, 1024, 13)
	to := randomBytes(t, 2048, 14)
	ops := Generate(from, to)

	dataOps := 0
	for _, op := range ops {
		if op.Type == OpData {
			dataOps++
		}
	}
	if dataOps > 1 {
		t.Errorf("expected adjacent literal chunks to coalesce into at most 1 OpData run, got %d", dataOps)
	}
}
