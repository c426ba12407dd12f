package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  abc-123 "); !ok || got != "abc-123" {
		t.Fatalf("expected abc-123, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestWithAndEnsure(t *testing.T) {
	ctx := With(context.Background(), "   ")
	if ID(ctx) != "" {
		t.Fatal("invalid id must be ignored")
	}
	ctx = With(ctx, "foo")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
	same, id := Ensure(ctx)
	if id != "foo" || ID(same) != "foo" {
		t.Fatalf("ensure replaced existing id: %q", id)
	}
	fresh, id := Ensure(context.Background())
	if id == "" || ID(fresh) != id {
		t.Fatalf("ensure did not generate id: %q", id)
	}
	if _, ok := Normalize(Generate()); !ok {
		t.Fatal("generated id should be valid")
	}
}
