// Package stats keeps per-account usage counters in redis, bucketed by day.
// Everything degrades to a no-op when redis is not configured.
package stats

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/internal/redisstore"
)

const (
	keyPrefix = "crosswire:stats:"
	entryTTL  = 30 * 24 * time.Hour
)

// Recorder accumulates request and token counters. Recording is
// fire-and-forget: a redis hiccup never fails the request being counted.
type Recorder struct {
	client *redisstore.Client
}

// NewRecorder builds a recorder; client may be nil for a no-op recorder.
func NewRecorder(client *redisstore.Client) *Recorder {
	return &Recorder{client: client}
}

func key(day, email, model string) string {
	return keyPrefix + day + ":" + email + ":" + model
}

// Record counts one completed request with its token usage.
func (r *Recorder) Record(ctx context.Context, email, model string, inputTokens, outputTokens int) {
	if r == nil || r.client == nil {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	k := key(day, email, model)

	pipe := r.client.Raw().Pipeline()
	pipe.HIncrBy(ctx, k, "requests", 1)
	pipe.HIncrBy(ctx, k, "inputTokens", int64(inputTokens))
	pipe.HIncrBy(ctx, k, "outputTokens", int64(outputTokens))
	pipe.Expire(ctx, k, entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Debug("Usage stats write failed: %v", err)
	}
}

// Entry is one (day, account, model) counter row.
type Entry struct {
	Day          string `json:"day"`
	Email        string `json:"email"`
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// Usage returns every counter row for the given day (UTC, "2006-01-02").
func (r *Recorder) Usage(ctx context.Context, day string) ([]Entry, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	rdb := r.client.Raw()
	pattern := keyPrefix + day + ":*"

	var entries []Entry
	iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		fields, err := rdb.HGetAll(ctx, k).Result()
		if err != nil {
			continue
		}

		// Key layout: prefix + day + ":" + email + ":" + model.
		rest := k[len(keyPrefix)+len(day)+1:]
		sep := strings.Index(rest, ":")
		if sep < 0 {
			continue
		}
		entry := Entry{Day: day, Email: rest[:sep], Model: rest[sep+1:]}
		entry.Requests, _ = strconv.ParseInt(fields["requests"], 10, 64)
		entry.InputTokens, _ = strconv.ParseInt(fields["inputTokens"], 10, 64)
		entry.OutputTokens, _ = strconv.ParseInt(fields["outputTokens"], 10, 64)
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
