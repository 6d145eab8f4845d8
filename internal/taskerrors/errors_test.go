package taskerrors

import (
	"errors"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := NotFound("task %s not found", "abc123")
	if !Is(err, KindNotFound) {
		t.Fatalf("expected KindNotFound")
	}
	if Is(err, KindValidation) {
		t.Fatalf("did not expect KindValidation")
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Store(cause, "ping failed")
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to unwrap")
	}
	if !Is(err, KindStore) {
		t.Fatalf("expected KindStore")
	}
}
