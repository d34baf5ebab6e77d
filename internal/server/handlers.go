package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crosswire-dev/crosswire/internal/apierr"
	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/format"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/internal/pool"
	"github.com/crosswire-dev/crosswire/internal/upstream"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// handleMessages is the Anthropic Messages endpoint, streaming and unary.
func (s *Server) handleMessages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apierr.New(apierr.KindBadRequest, "failed to read request body: %v", err))
		return
	}

	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, apierr.New(apierr.KindBadRequest, "invalid JSON: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, apierr.New(apierr.KindBadRequest, "%v", err))
		return
	}

	cfg := config.Get()
	if mapped, ok := cfg.ModelMapping[req.Model]; ok && mapped != "" {
		logging.Debug("Model mapping: %s -> %s", req.Model, mapped)
		req.Model = mapped
	}
	if !s.validateModel(c.Request.Context(), req.Model) {
		writeError(c, apierr.New(apierr.KindBadRequest, "unknown model: %s", req.Model))
		return
	}

	// One optimistic attempt when the whole pool looks limited; upstream
	// resets are often shorter than advertised.
	if s.pool.IsAllRateLimited(req.Model) {
		s.pool.OptimisticReset(req.Model)
	}

	if req.Stream {
		s.streamMessages(c, &req, cfg.FallbackEnabled)
		return
	}

	resp, err := s.client.Send(c.Request.Context(), &req, cfg.FallbackEnabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamMessages forwards upstream events as SSE. Headers are held back
// until the first event so early failures still produce a JSON error.
func (s *Server) streamMessages(c *gin.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) {
	events, errs := s.client.SendStream(c.Request.Context(), req, fallbackEnabled)
	writer := newSSEWriter(c.Writer)

	first, ok := <-events
	if !ok {
		if err := <-errs; err != nil {
			writeError(c, err)
			return
		}
		writeError(c, apierr.New(apierr.KindTransient, "stream produced no events"))
		return
	}

	writer.Begin()
	if err := writer.Send(first); err != nil {
		return
	}
	for event := range events {
		if err := writer.Send(event); err != nil {
			// Client went away; drain so the upstream goroutine can finish.
			for range events {
			}
			<-errs
			return
		}
	}
	if err := <-errs; err != nil {
		logging.Warn("Stream failed mid-flight: %v", err)
		writer.SendError(apierr.ClientType(err), apierr.ClientMessage(err))
	}
}

// handleCountTokens is deliberately unimplemented; the upstream offers no
// tokenizer endpoint to delegate to.
func (s *Server) handleCountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented,
		anthropic.NewErrorResponse("api_error", "count_tokens is not supported by this proxy"))
}

// handleModels lists upstream models in Anthropic list format.
func (s *Server) handleModels(c *gin.Context) {
	token, _ := s.anyCredentials(c.Request.Context())
	if token == "" {
		c.JSON(http.StatusServiceUnavailable,
			anthropic.NewErrorResponse("api_error", "no usable account to query models with"))
		return
	}
	list, err := upstream.ListModels(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable,
			anthropic.NewErrorResponse("api_error", "model list unavailable: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleHealth reports liveness plus a pool summary.
func (s *Server) handleHealth(c *gin.Context) {
	total := s.pool.AccountCount()
	enabled := s.pool.EnabledCount()
	status := "ok"
	if enabled == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"version":  config.Version,
		"strategy": s.pool.StrategyName(),
		"accounts": gin.H{
			"total":   total,
			"enabled": enabled,
		},
	})
}

// refreshQuotas pulls the subscription tier and per-model quota snapshot for
// every live account and pushes them into the pool, where the selection
// strategies read them. Individual failures are logged and skipped so one
// broken account does not blank the report.
func (s *Server) refreshQuotas(ctx context.Context) {
	for _, account := range s.pool.Accounts() {
		if !account.Enabled || account.Invalid {
			continue
		}
		token, err := s.pool.Token(ctx, account)
		if err != nil {
			logging.Warn("Quota refresh: no token for %s: %v", account.Email, err)
			continue
		}

		sub, err := upstream.GetSubscriptionTier(ctx, token)
		if err != nil || sub == nil {
			logging.Warn("Quota refresh: tier detection failed for %s: %v", account.Email, err)
			continue
		}
		s.pool.UpdateSubscription(account.Email, sub.Tier, sub.ProjectID)

		projectID := sub.ProjectID
		if projectID == "" {
			projectID = s.pool.ProjectID(ctx, account)
		}
		quotas, err := upstream.GetModelQuotas(ctx, token, projectID)
		if err != nil {
			logging.Warn("Quota refresh: quota fetch failed for %s: %v", account.Email, err)
			continue
		}

		models := make(map[string]*pool.ModelQuotaInfo, len(quotas))
		for model, quota := range quotas {
			if quota == nil || quota.RemainingFraction == nil {
				continue
			}
			info := &pool.ModelQuotaInfo{RemainingFraction: *quota.RemainingFraction}
			if quota.ResetTime != nil {
				info.ResetTime = *quota.ResetTime
			}
			models[model] = info
		}
		s.pool.SetQuota(account.Email, &pool.QuotaInfo{
			Models:      models,
			LastChecked: time.Now().UnixMilli(),
		})
	}
}

// handleAccountLimits reports per-account per-model state; ?includeHistory
// appends recent log entries.
func (s *Server) handleAccountLimits(c *gin.Context) {
	s.refreshQuotas(c.Request.Context())
	response := gin.H{
		"accounts":  s.pool.Status(),
		"strategy":  s.pool.StrategyName(),
		"timestamp": time.Now().UnixMilli(),
	}
	if c.Query("includeHistory") != "" {
		response["history"] = logging.Default().History()
	}
	c.JSON(http.StatusOK, response)
}

// handleAccountsReload re-reads accounts.json written by the CLI.
func (s *Server) handleAccountsReload(c *gin.Context) {
	if err := s.pool.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError,
			anthropic.NewErrorResponse("api_error", "reload failed: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": s.pool.AccountCount()})
}

// handleRefreshToken drops the credential caches so the next request
// re-authenticates.
func (s *Server) handleRefreshToken(c *gin.Context) {
	s.pool.InvalidateAllCredentials()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUsage returns redis usage counters for one UTC day.
func (s *Server) handleUsage(c *gin.Context) {
	day := c.Query("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	entries, err := s.recorder.Usage(c.Request.Context(), day)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable,
			anthropic.NewErrorResponse("api_error", "usage stats unavailable: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "entries": entries})
}

// handleClearSignatureCache resets cached thought signatures, for tests
// that exercise cross-family recovery.
func (s *Server) handleClearSignatureCache(c *gin.Context) {
	format.Cache().ClearThinking()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// validateModel checks the model id against the cached upstream catalog,
// failing open when the catalog cannot be fetched.
func (s *Server) validateModel(ctx context.Context, model string) bool {
	token, projectID := s.anyCredentials(ctx)
	if token == "" {
		return true
	}
	return upstream.IsValidModel(ctx, model, token, projectID)
}

// anyCredentials returns a token and project for catalog-style calls that
// are not tied to a specific conversation.
func (s *Server) anyCredentials(ctx context.Context) (string, string) {
	for _, account := range s.pool.Accounts() {
		if !account.Enabled || account.Invalid {
			continue
		}
		token, err := s.pool.Token(ctx, account)
		if err != nil {
			continue
		}
		return token, s.pool.ProjectID(ctx, account)
	}
	return "", ""
}

// writeError renders an error in the Anthropic envelope with the mapped
// status code.
func writeError(c *gin.Context, err error) {
	c.JSON(apierr.HTTPStatus(err),
		anthropic.NewErrorResponse(apierr.ClientType(err), apierr.ClientMessage(err)))
}
