package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCanceled, StatusFailed}
	for _, s := range terminal {
		assert.Truef(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []Status{StatusPending, StatusInProgress, StatusInTroubleshooting}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestStatus_Receivable(t *testing.T) {
	assert.True(t, StatusPending.Receivable())
	assert.True(t, StatusInProgress.Receivable())

	for _, s := range []Status{StatusCompleted, StatusCanceled, StatusFailed, StatusInTroubleshooting} {
		assert.Falsef(t, s.Receivable(), "%s should not be receivable", s)
	}
}
