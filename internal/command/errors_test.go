package command

import (
	"testing"

	"github.com/junlov/quotey/internal/approval"
	"github.com/junlov/quotey/internal/flow"
	"github.com/junlov/quotey/internal/quote"
	"github.com/junlov/quotey/pkg/money"
)

func TestClassifyMapsNotFoundAndConflict(t *testing.T) {
	if got := classify(quote.ErrNotFound); got.Class != ErrorNotFound {
		t.Fatalf("expected not_found, got %s", got.Class)
	}
	if got := classify(quote.ErrStaleVersion); got.Class != ErrorConflict {
		t.Fatalf("expected conflict, got %s", got.Class)
	}
	if got := classify(&flow.IllegalTransition{From: flow.StatusDraft, To: flow.StatusSent}); got.Class != ErrorConflict {
		t.Fatalf("expected conflict for illegal transition, got %s", got.Class)
	}
	if got := classify(approval.ErrStaleApproval); got.Class != ErrorConflict {
		t.Fatalf("expected conflict for stale approval, got %s", got.Class)
	}
}

func TestClassifyMapsCurrencyMismatch(t *testing.T) {
	if got := classify(money.ErrCurrencyMismatch); got.Class != ErrorCurrencyMismatch {
		t.Fatalf("expected currency_mismatch, got %s", got.Class)
	}
}

func TestClassifyFallsBackToInternal(t *testing.T) {
	if got := classify(errUnclassified); got.Class != ErrorInternal {
		t.Fatalf("expected internal, got %s", got.Class)
	}
}

var errUnclassified = plainError("something unexpected")

type plainError string

func (e plainError) Error() string { return string(e) }
