package chunkio

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestEmptyFile(t *testing.T) {
	path := writeTemp(t, nil)
	r, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	payload, hasNext, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(payload) != 0 || hasNext {
		t.Errorf("got (%v, %v), want (empty, false)", payload, hasNext)
	}
	if !r.Done() {
		t.Error("reader should be done after the single empty chunk")
	}
}

func TestPartialFinalChunk(t *testing.T) {
	const dataSize = 10
	data := make([]byte, 3*dataSize+7)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTemp(t, data)
	r, err := Open(path, dataSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var total []byte
	var chunks int
	for {
		payload, hasNext, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		total = append(total, payload...)
		chunks++
		if !hasNext {
			break
		}
	}
	if chunks != 4 {
		t.Errorf("chunks = %d, want 4", chunks)
	}
	if len(total) != len(data) {
		t.Errorf("total read %d bytes, want %d", len(total), len(data))
	}
}

func TestExactMultipleProducesExtraTerminator(t *testing.T) {
	const dataSize = 8
	data := make([]byte, 2*dataSize)
	path := writeTemp(t, data)
	r, err := Open(path, dataSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var chunks int
	for {
		payload, hasNext, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		chunks++
		if !hasNext {
			if len(payload) != 0 {
				t.Errorf("terminator payload len = %d, want 0", len(payload))
			}
			break
		}
	}
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3 (n+1 for n=2)", chunks)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), 10)
	if err == nil {
		t.Fatal("expected error opening missing file")
	}
}
