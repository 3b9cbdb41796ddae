package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFault_IsMatchesByKind(t *testing.T) {
	err := &Fault{
		Kind:       KindWorkerTerminated,
		Op:         "execute",
		SessionKey: "u1",
		RequestID:  "r1",
		Err:        fmt.Errorf("exit status 137"),
	}

	require.ErrorIs(t, err, ErrWorkerTerminated)
	require.NotErrorIs(t, err, ErrRequestTimeout)
}

func TestFault_IsMatchesThroughWrapping(t *testing.T) {
	inner := &Fault{Kind: KindRequestTimeout, Op: "plan"}
	wrapped := fmt.Errorf("plan failed: %w", inner)

	require.ErrorIs(t, wrapped, ErrRequestTimeout)
	require.Equal(t, KindRequestTimeout, KindOf(wrapped))
}

func TestKindOf_PlainError(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, IsRetryable(&Fault{Kind: KindSpawnFailure}))
	require.True(t, IsRetryable(&Fault{Kind: KindStartupTimeout}))
	require.True(t, IsRetryable(&Fault{Kind: KindWorkerTerminated}))
	require.True(t, IsRetryable(&Fault{Kind: KindRequestTimeout}))
	require.False(t, IsRetryable(errors.New("boom")))
	require.False(t, IsRetryable(&Fault{Kind: KindProtocolParse}))
}

func TestUserMessage_NeverLeaksProcessOutput(t *testing.T) {
	err := &Fault{
		Kind:   KindWorkerTerminated,
		Err:    fmt.Errorf("signal: killed"),
		Detail: "Traceback (most recent call last): ...",
	}

	msg := UserMessage(err)
	require.Equal(t, "worker unavailable, please retry", msg)
	require.NotContains(t, msg, "Traceback")
	require.NotContains(t, msg, "killed")
}

func TestUserMessage_Timeout(t *testing.T) {
	require.Equal(t, "request timed out, please retry",
		UserMessage(&Fault{Kind: KindRequestTimeout}))
}

func TestFault_ErrorIncludesContext(t *testing.T) {
	err := &Fault{
		Kind:       KindStartupTimeout,
		Op:         "acquire",
		SessionKey: "u1",
		Err:        errors.New("deadline exceeded"),
	}

	msg := err.Error()
	require.Contains(t, msg, "startup_timeout")
	require.Contains(t, msg, "op=acquire")
	require.Contains(t, msg, "session=u1")
	require.Contains(t, msg, "deadline exceeded")
}
