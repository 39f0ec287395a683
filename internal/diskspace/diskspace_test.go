package diskspace

import (
	"errors"
	"math"
	"testing"
)

func TestAvailableOnTempDir(t *testing.T) {
	dir := t.TempDir()
	if Available(dir) <= 0 {
		t.Skip("cannot stat temp filesystem; skipping")
	}
}

func TestCheckPassesWithZeroFloor(t *testing.T) {
	if err := Check(t.TempDir(), 0); err != nil {
		t.Errorf("Check with zero floor: %v", err)
	}
}

func TestCheckFailsWithAbsurdFloor(t *testing.T) {
	dir := t.TempDir()
	if Available(dir) == 0 {
		t.Skip("cannot stat temp filesystem; skipping")
	}
	err := Check(dir, math.MaxInt64)
	if err == nil {
		t.Fatal("expected low-space error for an impossible floor")
	}
	if !IsLowSpaceError(err) {
		t.Errorf("expected LowSpaceError, got %T", err)
	}
	var lse *LowSpaceError
	if !errors.As(err, &lse) {
		t.Fatal("expected errors.As to find LowSpaceError")
	}
	if lse.AvailableBytes <= 0 {
		t.Errorf("expected positive available bytes, got %d", lse.AvailableBytes)
	}
}

func TestCheckUnstatablePathPasses(t *testing.T) {
	// An unknown path cannot be statted; the check must let the operation
	// proceed and fail naturally later.
	if err := Check("/definitely/not/a/real/dir", 1); err != nil {
		t.Errorf("expected pass-through for unstatable path, got %v", err)
	}
}
