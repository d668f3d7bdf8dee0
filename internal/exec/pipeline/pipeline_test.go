package pipeline

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/YuehaiTeam/kachina-installer/internal/builder/diffgen"
	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
)

func zstdCompress(t testing.TB, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func randomBytes(t testing.TB, n int, seed uint64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(int64(seed ^ 0x9E3779B9)))
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(r.Uint32())
	}
	return buf
}

func TestRunDirectSource(t *testing.T) {
	data := randomBytes(t, 32*1024, 1)
	compressed := zstdCompress(t, data)
	hash := hashalgo.Compute(hashalgo.AlgoMD5, data)

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	var progressed int64
	err := Run(Source{Direct: bytes.NewReader(compressed)}, Options{
		TargetPath: target,
		TargetHash: hash,
		Algo:       hashalgo.AlgoMD5,
		OnProgress: func(n int64) { progressed += n },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("target content mismatch: got %d bytes, want %d bytes", len(got), len(data))
	}
	if progressed != int64(len(data)) {
		t.Errorf("OnProgress total: got %d, want %d", progressed, len(data))
	}
}

func TestRunDirectSourceRejectsHashMismatch(t *testing.T) {
	data := randomBytes(t, 4096, 2)
	compressed := zstdCompress(t, data)
	wrongHash := hashalgo.Compute(hashalgo.AlgoMD5, []byte("not the data"))

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	err := Run(Source{Direct: bytes.NewReader(compressed)}, Options{
		TargetPath: target,
		TargetHash: wrongHash,
		Algo:       hashalgo.AlgoMD5,
	})
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Error("target should not exist after a failed run")
	}
}

func TestRunBaseDiffSource(t *testing.T) {
	base := randomBytes(t, 64*1024, 3)
	to := make([]byte, len(base))
	copy(to, base)
	copy(to[1000:2000], randomBytes(t, 1000, 4))

	ops := diffgen.Generate(base, to)
	patchBlob, err := diffgen.Encode(ops)
	if err != nil {
		t.Fatalf("diffgen.Encode: %v", err)
	}

	compressedBase := zstdCompress(t, base)
	hash := hashalgo.Compute(hashalgo.AlgoXxHash, to)

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	err = Run(Source{
		Base: bytes.NewReader(compressedBase),
		Diff: bytes.NewReader(patchBlob),
	}, Options{
		TargetPath: target,
		TargetHash: hash,
		Algo:       hashalgo.AlgoXxHash,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, to) {
		t.Fatalf("patched target mismatch: got %d bytes, want %d bytes", len(got), len(to))
	}
}

func TestRunSkipHashBypassesVerification(t *testing.T) {
	data := randomBytes(t, 1024, 5)
	compressed := zstdCompress(t, data)

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	err := Run(Source{Direct: bytes.NewReader(compressed)}, Options{
		TargetPath: target,
		SkipHash:   true,
	})
	if err != nil {
		t.Fatalf("Run with SkipHash: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch under SkipHash: got %d bytes, want %d bytes", len(got), len(data))
	}
}

func TestRunRejectsSourceWithNeitherDirectNorBaseDiff(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	err := Run(Source{}, Options{TargetPath: target})
	if err == nil {
		t.Fatal("expected error for a Source with no Direct and no Base/Diff")
	}
}

func TestRunOverwritesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(target, []byte("stale contents"), 0o644); err != nil {
		t.Fatalf("seed existing target: %v", err)
	}

	data := randomBytes(t, 2048, 6)
	compressed := zstdCompress(t, data)
	hash := hashalgo.Compute(hashalgo.AlgoMD5, data)

	err := Run(Source{Direct: bytes.NewReader(compressed)}, Options{
		TargetPath: target,
		TargetHash: hash,
		Algo:       hashalgo.AlgoMD5,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("target was not overwritten with new content")
	}
}
