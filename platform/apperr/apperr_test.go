package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestGetKindUnwrapsChains(t *testing.T) {
	base := Unavailable("voice api unreachable", errors.New("dial tcp: timeout"))
	wrapped := fmt.Errorf("poll session: %w", base)

	if got := GetKind(wrapped); got != KindUnavailable {
		t.Fatalf("expected KindUnavailable, got %v", got)
	}
	if !Is(wrapped, KindUnavailable) {
		t.Fatalf("expected Is to match through wrapping")
	}
	if GetKind(errors.New("plain")) != KindUnknown {
		t.Fatalf("expected plain errors to be KindUnknown")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:      http.StatusNotFound,
		KindValidation:    http.StatusBadRequest,
		KindQuotaExceeded: http.StatusTooManyRequests,
		KindUnavailable:   http.StatusServiceUnavailable,
		KindUnauthorized:  http.StatusUnauthorized,
	}
	for kind, want := range cases {
		if got := New(kind, "x").HTTPStatus(); got != want {
			t.Fatalf("kind %v: expected %d, got %d", kind, want, got)
		}
	}
}

func TestErrorMessageIncludesOpAndCause(t *testing.T) {
	err := Wrap(KindInternal, "update failed", errors.New("conn reset")).WithOp("sessions.Merge")
	want := "sessions.Merge: update failed: conn reset"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
