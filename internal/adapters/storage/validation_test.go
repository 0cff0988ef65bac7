package storage

import (
	"strings"
	"testing"
)

func TestValidateContentType(t *testing.T) {
	if err := ValidateContentType("application/json; charset=utf-8"); err != nil {
		t.Fatalf("expected json to be allowed, got %v", err)
	}
	if err := ValidateContentType("image/png"); err == nil {
		t.Fatal("expected image to be rejected")
	}
}

func TestValidateFileSize(t *testing.T) {
	if err := ValidateFileSize(512); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateFileSize(0); err == nil {
		t.Fatal("expected empty object to be rejected")
	}
	if err := ValidateFileSize(MaxObjectSize + 1); err == nil {
		t.Fatal("expected oversized object to be rejected")
	}
}

func TestObjectKeyIsUniqueUnderFolder(t *testing.T) {
	a := ObjectKey("tenant/2026/03/02", "call-1_call_ended.json")
	b := ObjectKey("tenant/2026/03/02", "call-1_call_ended.json")
	if a == b {
		t.Fatal("expected unique keys")
	}
	if !strings.HasPrefix(a, "tenant/2026/03/02/call-1_call_ended_") || !strings.HasSuffix(a, ".json") {
		t.Fatalf("unexpected key %q", a)
	}
}
