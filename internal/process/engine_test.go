package process

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumbus/commandbus/internal/command"
)

type fakeState struct {
	Counter int    `json:"counter"`
	Note    string `json:"note"`
}

func TestEnvelope_MarshalUnmarshalRoundTrip(t *testing.T) {
	env := envelope[fakeState]{
		User:                fakeState{Counter: 2, Note: "hi"},
		PendingCompensation: []Step{"StepB", "StepA"},
		Trigger:             triggerBusinessRule,
	}
	raw, err := env.marshal()
	require.NoError(t, err)

	got, err := unmarshalEnvelope[fakeState](raw)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestUnmarshalEnvelope_EmptyRawIsZeroValue(t *testing.T) {
	got, err := unmarshalEnvelope[fakeState](nil)
	require.NoError(t, err)
	assert.Equal(t, envelope[fakeState]{}, got)
}

func TestReplyDetails_Success(t *testing.T) {
	reply := command.Reply{Outcome: command.OutcomeSuccess, Result: json.RawMessage(`{"x":1}`)}
	assert.JSONEq(t, `{"x":1}`, string(replyDetails(reply)))
}

func TestReplyDetails_SuccessWithNoResult(t *testing.T) {
	reply := command.Reply{Outcome: command.OutcomeSuccess}
	assert.JSONEq(t, `{}`, string(replyDetails(reply)))
}

func TestReplyDetails_Failure(t *testing.T) {
	reply := command.Reply{
		Outcome:      command.OutcomeFailed,
		ErrorType:    command.ErrorTypeBusinessRule,
		ErrorCode:    "NO_ACCT",
		ErrorMessage: "account missing",
	}
	var got map[string]string
	require.NoError(t, json.Unmarshal(replyDetails(reply), &got))
	assert.Equal(t, command.ErrorTypeBusinessRule, got["error_type"])
	assert.Equal(t, "NO_ACCT", got["error_code"])
	assert.Equal(t, "account missing", got["error_message"])
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCompensated, StatusCanceled, StatusFailed} {
		assert.Truef(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []Status{StatusPending, StatusWaitingForReply, StatusWaitingForTSQ, StatusCompensating} {
		assert.Falsef(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}
