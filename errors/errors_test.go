package errors

import (
	"database/sql"
	"testing"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrNotOwner, "extend lease for job JB_123")
	if !IsNotOwnerError(err) {
		t.Error("wrapped ErrNotOwner should still match IsNotOwnerError")
	}
	if IsNotFoundError(err) {
		t.Error("ErrNotOwner should not match IsNotFoundError")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("job %s", "JB_456")
	if !Is(err, ErrNotFound) {
		t.Error("NewNotFoundError should wrap ErrNotFound")
	}
	if IsNotFoundError(nil) {
		t.Error("nil is not a not-found error")
	}
}

func TestIsPassesThroughStdlibSentinels(t *testing.T) {
	err := Wrap(sql.ErrNoRows, "get job")
	if !Is(err, sql.ErrNoRows) {
		t.Error("wrapped sql.ErrNoRows should still match")
	}
}

func TestDetailsSurvivWrapping(t *testing.T) {
	err := New("claim failed")
	err = WithDetail(err, "Worker ID: RB_abc")
	err = Wrap(err, "poll cycle")

	details := GetAllDetails(err)
	if len(details) != 1 || details[0] != "Worker ID: RB_abc" {
		t.Errorf("expected one detail to survive wrapping, got %v", details)
	}
}
