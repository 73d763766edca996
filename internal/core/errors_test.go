package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindRoundTrip(t *testing.T) {
	t.Parallel()

	err := E(KindSchemaMismatch, "hash %s does not match", "abc")
	if !IsKind(err, KindSchemaMismatch) {
		t.Fatal("expected SchemaMismatch kind")
	}
	if IsKind(err, KindTimeout) {
		t.Error("kind should not match Timeout")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := Wrap(KindIO, cause, "writing snapshot")
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	if KindOf(err) != KindIO {
		t.Errorf("KindOf = %s, want IO", KindOf(err))
	}
}

func TestKindSurvivesOuterWrap(t *testing.T) {
	t.Parallel()

	inner := E(KindApprovalMismatch, "token already consumed")
	outer := fmt.Errorf("gate G4: %w", inner)
	if !IsKind(outer, KindApprovalMismatch) {
		t.Error("kind should survive fmt.Errorf wrapping")
	}
}

func TestTransientFlag(t *testing.T) {
	t.Parallel()

	err := E(KindIO, "connection reset").AsTransient()
	if !IsTransient(err) {
		t.Error("expected transient")
	}
	if IsTransient(E(KindConstraint, "duplicate")) {
		t.Error("constraint errors are not transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are not transient")
	}
}

func TestContextAndSuggestion(t *testing.T) {
	t.Parallel()

	err := E(KindDatabase, "locked").
		WithContext("claiming job %s", "j1").
		WithSuggestion("run with --standalone-writer")
	if err.Context == "" || err.Suggestion == "" {
		t.Error("context and suggestion should be populated")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	t.Parallel()

	if KindOf(errors.New("anything")) != KindIO {
		t.Error("unclassified errors default to IO")
	}
}
