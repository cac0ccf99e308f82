package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors_MatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     Kind
		message  string
	}{
		{"not found", NotFound("artifact missing"), ErrNotFound, KindNotFound, "artifact missing"},
		{"policy", PolicyViolation("Group is read-only"), ErrPolicyViolation, KindPolicyViolation, "Group is read-only"},
		{"redeploy", Redeploy("Redeployment of a@1 is not allowed"), ErrRedeploy, KindPolicyViolation, "Redeployment of a@1 is not allowed"},
		{"digest", DigestMismatch("digest mismatch"), ErrDigestMismatch, KindDigestMismatch, "digest mismatch"},
		{"upstream", Upstream("upstream returned 502", nil), ErrUpstream, KindUpstreamFailure, "upstream returned 502"},
		{"input", InvalidInput("bad base64"), ErrInvalidInput, KindInvalidInput, "bad base64"},
		{"auth", Unauthorized("bad credentials"), ErrUnauthorized, KindUnauthorized, "bad credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.sentinel))
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.message, Message(tt.err))
		})
	}
}

func TestUpstream_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream("fetch failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.True(t, Retryable(err))
	assert.False(t, Retryable(NotFound("x")))
}

func TestMessage_PlainAndWrapped(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "boom", Message(errors.New("boom")))

	wrapped := fmt.Errorf("outer: %w", PolicyViolation("Unknown write policy"))
	assert.Equal(t, "Unknown write policy", Message(wrapped))
	assert.Equal(t, KindPolicyViolation, KindOf(wrapped))
}

func TestKindOf_Defaults(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	assert.Equal(t, KindLockContention, KindOf(fmt.Errorf("tick: %w", ErrLockContention)))
	assert.Equal(t, KindNotFound, KindOf(ErrSessionNotFound))
}
