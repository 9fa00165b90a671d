package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAllowsKnownEdges(t *testing.T) {
	require.NoError(t, Validate(StatusDraft, StatusValidated))
	require.NoError(t, Validate(StatusPriced, StatusApproval))
	require.NoError(t, Validate(StatusApproved, StatusFinalized))
}

func TestValidateRejectsUnknownEdge(t *testing.T) {
	err := Validate(StatusDraft, StatusFinalized)
	require.Error(t, err)
	var illegal *IllegalTransition
	assert.ErrorAs(t, err, &illegal)
}

func TestValidateRejectsFromTerminal(t *testing.T) {
	err := Validate(StatusSent, StatusFinalized)
	require.Error(t, err)
}

func TestFinalizedIsNotTerminalBecauseItCanStillAdvanceToSent(t *testing.T) {
	require.NoError(t, Validate(StatusFinalized, StatusSent))
}

func TestCancelAllowedFromAnyNonTerminal(t *testing.T) {
	_, ok := Allowed(StatusApproval, StatusCancelled)
	assert.True(t, ok)
	_, ok = Allowed(StatusDraft, StatusCancelled)
	assert.True(t, ok)
}

func TestCancelNotAllowedFromTerminal(t *testing.T) {
	require.Error(t, Validate(StatusSent, StatusCancelled))
}

func TestReviseAllowedFromAnyNonTerminal(t *testing.T) {
	_, ok := Allowed(StatusPriced, StatusRevised)
	assert.True(t, ok)
	require.Error(t, Validate(StatusSent, StatusRevised))
}

func TestCoherenceValidator(t *testing.T) {
	require.NoError(t, ValidateCoherence(StatusPriced, "pricing"))
	require.Error(t, ValidateCoherence(StatusPriced, "intake"))
}
