// Package upstream implements the Cloud Code API client: payload building,
// endpoint failover, rate-limit handling and SSE translation.
package upstream

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/crosswire-dev/crosswire/internal/logging"
)

// RateLimitReason classifies an upstream throttle response.
type RateLimitReason string

const (
	ReasonRateLimitExceeded RateLimitReason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted    RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonModelCapacity     RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError       RateLimitReason = "SERVER_ERROR"
	ReasonUnknown           RateLimitReason = "UNKNOWN"
)

var (
	quotaDelayRe     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRe = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRe   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRe        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRe  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRe       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRe   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime extracts a reset duration in milliseconds from response
// headers and body. Returns nil when nothing usable was found; zero or
// negative results are also nil, leaving the caller to its default cooldown.
func ParseResetTime(headers http.Header, body string) *int64 {
	if ms := parseResetFromHeaders(headers); ms > 0 {
		return &ms
	}
	if ms := parseResetFromBody(body); ms > 0 {
		return &ms
	}
	return nil
}

func parseResetFromHeaders(headers http.Header) int64 {
	if headers == nil {
		return 0
	}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return int64(seconds) * 1000
		}
		if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			return time.Until(t).Milliseconds()
		}
	}

	// x-ratelimit-reset is absolute Unix seconds.
	if reset := headers.Get("x-ratelimit-reset"); reset != "" {
		if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
			return ts*1000 - time.Now().UnixMilli()
		}
	}

	if after := headers.Get("x-ratelimit-reset-after"); after != "" {
		if seconds, err := strconv.Atoi(after); err == nil {
			return int64(seconds) * 1000
		}
	}

	return 0
}

func parseResetFromBody(body string) int64 {
	if body == "" {
		return 0
	}

	// quotaResetDelay carries fractional units, e.g. "754.431528ms" or "1.5s".
	if m := quotaDelayRe.FindStringSubmatch(body); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		if strings.EqualFold(m[2], "s") {
			return int64(value * 1000)
		}
		return int64(value)
	}

	if m := quotaTimestampRe.FindStringSubmatch(body); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return time.Until(t).Milliseconds()
		}
	}

	// retryDelay / retry-after-ms as decimal seconds, e.g. "7.5s".
	if m := retrySecondsRe.FindStringSubmatch(body); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		return int64(value * 1000)
	}

	// Same keys as bare or explicit milliseconds.
	if m := retryMsRe.FindStringSubmatch(body); m != nil {
		ms, _ := strconv.ParseInt(m[1], 10, 64)
		return ms
	}

	// Prose like "retry after 60 seconds".
	if m := retryAfterSecRe.FindStringSubmatch(body); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		return seconds * 1000
	}

	// Human durations: "1h23m45s", "23m45s", "45s".
	if m := durationRe.FindStringSubmatch(body); m != nil {
		var ms int64
		switch {
		case m[1] != "":
			h, _ := strconv.Atoi(m[1])
			min, _ := strconv.Atoi(m[2])
			s, _ := strconv.Atoi(m[3])
			ms = int64(h*3600+min*60+s) * 1000
		case m[4] != "":
			min, _ := strconv.Atoi(m[4])
			s, _ := strconv.Atoi(m[5])
			ms = int64(min*60+s) * 1000
		default:
			s, _ := strconv.Atoi(m[6])
			ms = int64(s) * 1000
		}
		if ms > 0 {
			logging.Debug("upstream: parsed duration from body: %dms", ms)
		}
		return ms
	}

	if m := isoTimestampRe.FindStringSubmatch(body); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return time.Until(t).Milliseconds()
		}
	}

	return 0
}

// ParseRateLimitReason classifies a throttle from the status code and body.
func ParseRateLimitReason(body string, status int) RateLimitReason {
	if status == 529 || status == 503 {
		return ReasonModelCapacity
	}
	if status == 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(body)

	if containsAny(lower,
		"quota_exhausted", "quotaresetdelay", "quotaresettimestamp",
		"resource_exhausted", "daily limit", "quota exceeded") {
		return ReasonQuotaExhausted
	}
	if containsAny(lower,
		"model_capacity_exhausted", "capacity_exhausted",
		"model is currently overloaded", "service temporarily unavailable") {
		return ReasonModelCapacity
	}
	if containsAny(lower,
		"rate_limit_exceeded", "rate limit", "too many requests", "throttl") {
		return ReasonRateLimitExceeded
	}
	if containsAny(lower,
		"internal server error", "server error", "503", "502", "504") {
		return ReasonServerError
	}
	return ReasonUnknown
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
