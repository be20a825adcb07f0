package arena

import (
	"errors"
	"testing"
)

func TestAllocAlignment(t *testing.T) {
	a := New(4096)

	first, err := a.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc(10) failed: %v", err)
	}
	if len(first) != 10 {
		t.Errorf("len(first) = %d, want 10", len(first))
	}

	second, err := a.Alloc(10)
	if err != nil {
		t.Fatalf("second Alloc(10) failed: %v", err)
	}

	// Second allocation must start on the next 64-byte boundary.
	if a.Used() != 64+10 {
		t.Errorf("Used() = %d, want %d", a.Used(), 64+10)
	}
	second[0] = 0xFF
	if first[9] == 0xFF {
		t.Error("allocations overlap")
	}
}

func TestAllocOutOfArenaLeavesCursor(t *testing.T) {
	a := New(128)

	if _, err := a.Alloc(64); err != nil {
		t.Fatalf("Alloc(64) failed: %v", err)
	}
	used := a.Used()

	_, err := a.Alloc(1024)
	if !errors.Is(err, ErrOutOfArena) {
		t.Fatalf("Alloc(1024) error = %v, want ErrOutOfArena", err)
	}
	if a.Used() != used {
		t.Errorf("cursor moved on failed alloc: %d != %d", a.Used(), used)
	}

	// Subsequent valid allocations still succeed.
	if _, err := a.Alloc(32); err != nil {
		t.Errorf("Alloc(32) after failure: %v", err)
	}
}

func TestAllocExactFit(t *testing.T) {
	a := New(64)
	buf, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc(64) on 64-byte arena failed: %v", err)
	}
	if len(buf) != 64 {
		t.Errorf("len = %d, want 64", len(buf))
	}
	if _, err := a.Alloc(1); !errors.Is(err, ErrOutOfArena) {
		t.Errorf("expected ErrOutOfArena on full arena, got %v", err)
	}
}

func TestAllocFloat32(t *testing.T) {
	a := New(1024)
	f, err := a.AllocFloat32(16)
	if err != nil {
		t.Fatalf("AllocFloat32 failed: %v", err)
	}
	if len(f) != 16 {
		t.Fatalf("len = %d, want 16", len(f))
	}
	for i := range f {
		f[i] = float32(i)
	}
	if f[15] != 15 {
		t.Errorf("f[15] = %f, want 15", f[15])
	}
}

func TestReset(t *testing.T) {
	a := New(256)
	if _, err := a.Alloc(200); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	a.Reset()
	if a.Used() != 0 {
		t.Errorf("Used() after Reset = %d, want 0", a.Used())
	}
	if _, err := a.Alloc(200); err != nil {
		t.Errorf("Alloc after Reset failed: %v", err)
	}
}

func TestZeroSizeAlloc(t *testing.T) {
	a := New(64)
	if _, err := a.Alloc(0); err != nil {
		t.Errorf("Alloc(0) failed: %v", err)
	}
	if _, err := a.Alloc(-1); err == nil {
		t.Error("Alloc(-1) should fail")
	}
}
