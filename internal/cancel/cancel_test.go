package cancel_test

import (
	"testing"

	"github.com/cswenor/conductor/internal/cancel"
)

func TestRegisterSharesTokenAcrossCallers(t *testing.T) {
	r := cancel.NewRegistry()

	tok1 := r.Register("run-1")
	tok2 := r.Register("run-1")

	if tok1 != tok2 {
		t.Fatal("expected repeated Register calls for the same run to share a token")
	}
	if tok1.Cancelled() {
		t.Fatal("fresh token should not be cancelled")
	}
}

func TestSignalAbortsToken(t *testing.T) {
	r := cancel.NewRegistry()
	tok := r.Register("run-1")

	if ok := r.Signal("run-1"); !ok {
		t.Fatal("expected Signal on a registered run to return true")
	}
	if !tok.Cancelled() {
		t.Fatal("expected token to be cancelled after Signal")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("expected Done() channel to be closed")
	}
}

func TestSignalUnknownRunReturnsFalse(t *testing.T) {
	r := cancel.NewRegistry()
	if ok := r.Signal("missing"); ok {
		t.Fatal("expected Signal on an unregistered run to return false")
	}
}

func TestUnregisterDecrementsAndDeletes(t *testing.T) {
	r := cancel.NewRegistry()
	r.Register("run-1")
	r.Register("run-1")

	r.Unregister("run-1")
	if _, ok := r.GetToken("run-1"); !ok {
		t.Fatal("expected entry to survive one unregister when ref_count was 2")
	}

	r.Unregister("run-1")
	if _, ok := r.GetToken("run-1"); ok {
		t.Fatal("expected entry to be deleted once ref_count reaches zero")
	}
}

func TestIsCancelledReflectsSignal(t *testing.T) {
	r := cancel.NewRegistry()
	r.Register("run-1")

	if r.IsCancelled("run-1") {
		t.Fatal("should not be cancelled yet")
	}
	r.Signal("run-1")
	if !r.IsCancelled("run-1") {
		t.Fatal("expected IsCancelled to reflect the signal")
	}
}
