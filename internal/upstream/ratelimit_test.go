package upstream

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResetTimeRetryAfterSeconds(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "60")

	ms := ParseResetTime(headers, "")
	require.NotNil(t, ms)
	assert.Equal(t, int64(60000), *ms)
}

func TestParseResetTimeRetryAfterZeroIsNil(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "0")

	assert.Nil(t, ParseResetTime(headers, ""))
}

func TestParseResetTimeRetryDelaySeconds(t *testing.T) {
	body := `{"error":{"details":[{"retryDelay":"7.5s"}]}}`

	ms := ParseResetTime(nil, body)
	require.NotNil(t, ms)
	assert.Equal(t, int64(7500), *ms)
}

func TestParseResetTimeHumanDuration(t *testing.T) {
	ms := ParseResetTime(nil, "quota resets in 1h23m45s")
	require.NotNil(t, ms)
	assert.Equal(t, int64(5025000), *ms)
}

func TestParseResetTimeMinutesSeconds(t *testing.T) {
	ms := ParseResetTime(nil, "try again in 23m45s")
	require.NotNil(t, ms)
	assert.Equal(t, int64(1425000), *ms)
}

func TestParseResetTimeUnknownBodyIsNil(t *testing.T) {
	assert.Nil(t, ParseResetTime(nil, "an unrecoverable error occurred"))
	assert.Nil(t, ParseResetTime(nil, ""))
	assert.Nil(t, ParseResetTime(http.Header{}, ""))
}

func TestParseResetTimeResetAfterHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("x-ratelimit-reset-after", "30")

	ms := ParseResetTime(headers, "")
	require.NotNil(t, ms)
	assert.Equal(t, int64(30000), *ms)
}

func TestParseResetTimeQuotaResetDelay(t *testing.T) {
	ms := ParseResetTime(nil, `"quotaResetDelay":"754.431528ms"`)
	require.NotNil(t, ms)
	assert.Equal(t, int64(754), *ms)

	ms = ParseResetTime(nil, `"quotaResetDelay":"1.5s"`)
	require.NotNil(t, ms)
	assert.Equal(t, int64(1500), *ms)
}

func TestParseRateLimitReason(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		want   RateLimitReason
	}{
		{"overloaded status", "", 529, ReasonModelCapacity},
		{"unavailable status", "", 503, ReasonModelCapacity},
		{"server status", "", 500, ReasonServerError},
		{"quota body", `{"error":"QUOTA_EXHAUSTED"}`, 429, ReasonQuotaExhausted},
		{"capacity body", "model is currently overloaded", 429, ReasonModelCapacity},
		{"rate limit body", "Too many requests, slow down", 429, ReasonRateLimitExceeded},
		{"unknown body", "what happened here", 429, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRateLimitReason(tt.body, tt.status))
		})
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	assert.True(t, IsPermanentAuthFailure(`{"error":"invalid_grant"}`))
	assert.True(t, IsPermanentAuthFailure("Token has been expired or revoked."))
	assert.False(t, IsPermanentAuthFailure("temporary auth hiccup"))
}
