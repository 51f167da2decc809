package dirfat

import (
	"testing"

	"github.com/spf13/afero"
)

func TestFilePassthroughFillReadsExactRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/data.bin", []byte("0123456789"), 0644)

	p := NewFilePassthrough(fs, "/data.bin", 10)
	buf := make([]byte, 4)
	if err := p.Fill(buf, 3); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "3456" {
		t.Errorf("buf = %q, want 3456", buf)
	}
}

func TestFilePassthroughFillZeroPadsPastEOF(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/data.bin", []byte("abc"), 0644)

	p := NewFilePassthrough(fs, "/data.bin", 3)
	buf := make([]byte, 8)
	if err := p.Fill(buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf[:3]) != "abc" {
		t.Errorf("buf[:3] = %q, want abc", buf[:3])
	}
	for i := 3; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Errorf("buf[%d] = %d, want 0", i, buf[i])
		}
	}
}

func TestFilePassthroughReceiveIsReadOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/data.bin", []byte("abc"), 0644)

	p := NewFilePassthrough(fs, "/data.bin", 3)
	if err := p.Receive([]byte{1}, 0); err == nil {
		t.Fatal("expected file writes to be rejected")
	}
}

func TestFilePassthroughOpensFreshEachFill(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/data.bin", []byte("first"), 0644)
	p := NewFilePassthrough(fs, "/data.bin", 5)

	buf := make([]byte, 5)
	if err := p.Fill(buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "first" {
		t.Fatalf("buf = %q", buf)
	}

	afero.WriteFile(fs, "/data.bin", []byte("other"), 0644)
	if err := p.Fill(buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "other" {
		t.Errorf("buf = %q, want a fresh read to see the updated content", buf)
	}
}
