package hashalgo

import (
	"bytes"
	"testing"
)

func TestComputeAndString(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	md5h := Compute(AlgoMD5, data)
	if md5h.Algo != AlgoMD5 {
		t.Fatalf("Compute(AlgoMD5): got Algo %v", md5h.Algo)
	}
	if len(md5h.String()) != 32 {
		t.Fatalf("md5 String() length: got %d, want 32", len(md5h.String()))
	}

	xxh := Compute(AlgoXxHash, data)
	if xxh.Algo != AlgoXxHash {
		t.Fatalf("Compute(AlgoXxHash): got Algo %v", xxh.Algo)
	}
	if len(xxh.String()) != 16 {
		t.Fatalf("xxh String() length: got %d, want 16", len(xxh.String()))
	}
}

func TestParseRoundTrip(t *testing.T) {
	data := []byte("round trip me")

	md5h := Compute(AlgoMD5, data)
	parsedMD5, err := ParseMD5(md5h.String())
	if err != nil {
		t.Fatalf("ParseMD5: %v", err)
	}
	if !parsedMD5.Equal(md5h) {
		t.Errorf("ParseMD5 round trip mismatch: got %+v, want %+v", parsedMD5, md5h)
	}

	xxh := Compute(AlgoXxHash, data)
	parsedXxH, err := ParseXxHash(xxh.String())
	if err != nil {
		t.Fatalf("ParseXxHash: %v", err)
	}
	if !parsedXxH.Equal(xxh) {
		t.Errorf("ParseXxHash round trip mismatch: got %+v, want %+v", parsedXxH, xxh)
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	if _, err := ParseMD5("abcd"); err == nil {
		t.Error("ParseMD5(\"abcd\"): expected error for short input")
	}
	if _, err := ParseXxHash("abcd1234abcd123456"); err == nil {
		t.Error("ParseXxHash: expected error for long input")
	}
	if _, err := ParseMD5("not-hex-at-all-zzzzzzzzzzzzzzzzz"); err == nil {
		t.Error("ParseMD5: expected error for non-hex input")
	}
}

func TestEqualAcrossAlgorithms(t *testing.T) {
	data := []byte("cross algo")
	md5h := Compute(AlgoMD5, data)
	xxh := Compute(AlgoXxHash, data)

	if md5h.Equal(xxh) {
		t.Error("Equal: expected false comparing different algorithms")
	}

	if _, err := md5h.EqualStrict(xxh); err != ErrMixedAlgorithms {
		t.Errorf("EqualStrict: got err %v, want ErrMixedAlgorithms", err)
	}

	ok, err := md5h.EqualStrict(Compute(AlgoMD5, data))
	if err != nil || !ok {
		t.Errorf("EqualStrict same algo: got (%v, %v), want (true, nil)", ok, err)
	}
}

func TestIsZero(t *testing.T) {
	if !(Hash{Algo: AlgoMD5}).IsZero() {
		t.Error("zero-value MD5 Hash: IsZero() = false")
	}
	if !(Hash{Algo: AlgoXxHash}).IsZero() {
		t.Error("zero-value xxHash Hash: IsZero() = false")
	}
	if (Compute(AlgoMD5, []byte("x"))).IsZero() {
		t.Error("non-zero hash reported as zero")
	}
}

func TestHashingWriterMatchesCompute(t *testing.T) {
	data := []byte("stream me through the hashing writer in small chunks")

	for _, algo := range []Algorithm{AlgoMD5, AlgoXxHash} {
		var buf bytes.Buffer
		hw := NewHashingWriter(&buf, algo)

		for i := 0; i < len(data); i += 7 {
			end := i + 7
			if end > len(data) {
				end = len(data)
			}
			n, err := hw.Write(data[i:end])
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if n != end-i {
				t.Fatalf("Write: got n=%d, want %d", n, end-i)
			}
		}

		if !bytes.Equal(buf.Bytes(), data) {
			t.Fatalf("HashingWriter(%v) did not tee through all bytes", algo)
		}
		if hw.BytesWritten() != int64(len(data)) {
			t.Fatalf("BytesWritten: got %d, want %d", hw.BytesWritten(), len(data))
		}
		if got, want := hw.Sum(), Compute(algo, data); !got.Equal(want) {
			t.Errorf("HashingWriter(%v).Sum() = %v, want %v", algo, got, want)
		}
	}
}

func TestHashingWriterNilSink(t *testing.T) {
	data := []byte("hash only, no sink")
	hw := NewHashingWriter(nil, AlgoMD5)
	if _, err := hw.Write(data); err != nil {
		t.Fatalf("Write with nil sink: %v", err)
	}
	if got, want := hw.Sum(), Compute(AlgoMD5, data); !got.Equal(want) {
		t.Errorf("Sum with nil sink = %v, want %v", got, want)
	}
}

func TestAlgorithmStringUnknown(t *testing.T) {
	if got := Algorithm(99).String(); got != "invalid" {
		t.Errorf("Algorithm(99).String() = %q, want %q", got, "invalid")
	}
}
