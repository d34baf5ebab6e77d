package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/apierr"
	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

// ModelInfo is one entry of the upstream model catalog.
type ModelInfo struct {
	DisplayName string     `json:"displayName,omitempty"`
	QuotaInfo   *QuotaInfo `json:"quotaInfo,omitempty"`
}

// QuotaInfo is the upstream's per-model quota report.
type QuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// FetchModelsResponse is the body of v1internal:fetchAvailableModels.
type FetchModelsResponse struct {
	Models map[string]*ModelInfo `json:"models,omitempty"`
}

// ModelListResponse is the client-facing model list.
type ModelListResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry is one client-facing model row.
type ModelEntry struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description"`
}

// ModelQuota is the per-model quota snapshot used by the pool.
type ModelQuota struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// SubscriptionInfo carries the account tier and its companion project.
type SubscriptionInfo struct {
	Tier      string `json:"tier"`
	ProjectID string `json:"projectId,omitempty"`
}

type loadCodeAssistRequest struct {
	Metadata *loadCodeAssistMetadata `json:"metadata,omitempty"`
}

type loadCodeAssistMetadata struct {
	IDEType     string `json:"ideType,omitempty"`
	Platform    string `json:"platform,omitempty"`
	PluginType  string `json:"pluginType,omitempty"`
	DuetProject string `json:"duetProject,omitempty"`
}

// LoadCodeAssistResponse is the body of v1internal:loadCodeAssist.
// cloudaicompanionProject arrives either as a string or as {id}.
type LoadCodeAssistResponse struct {
	PaidTier                *TierInfo   `json:"paidTier,omitempty"`
	CurrentTier             *TierInfo   `json:"currentTier,omitempty"`
	AllowedTiers            []*TierInfo `json:"allowedTiers,omitempty"`
	CloudAICompanionProject interface{} `json:"cloudaicompanionProject,omitempty"`
}

// TierInfo is one subscription tier descriptor.
type TierInfo struct {
	ID        string `json:"id,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

// ProjectID extracts the companion project id from either wire shape.
func (r *LoadCodeAssistResponse) ProjectID() string {
	switch v := r.CloudAICompanionProject.(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

var modelCache = struct {
	sync.RWMutex
	valid       map[string]bool
	lastFetched time.Time
}{valid: make(map[string]bool)}

func isSupportedModel(modelID string) bool {
	family := config.GetModelFamily(modelID)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

func catalogHeaders(token string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.ServiceHeaders() {
		headers[k] = v
	}
	return headers
}

// FetchAvailableModels retrieves the model catalog with quota info, trying
// each endpoint mirror in order.
func FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	client := &http.Client{Timeout: 30 * time.Second}
	for _, endpoint := range config.EndpointMirrors {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range catalogHeaders(token) {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			logging.Warn("upstream: fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			logging.Warn("upstream: fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data FetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			logging.Warn("upstream: fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}
		return &data, nil
	}

	return nil, apierr.New(apierr.KindTransient, "failed to fetch available models from all endpoints")
}

// ListModels renders the model catalog in the Anthropic list format and
// warms the validation cache.
func ListModels(ctx context.Context, token string) (*ModelListResponse, error) {
	data, err := FetchAvailableModels(ctx, token, "")
	if err != nil {
		return nil, err
	}
	if data == nil || data.Models == nil {
		return &ModelListResponse{Object: "list", Data: []ModelEntry{}}, nil
	}

	now := time.Now().Unix()
	entries := make([]ModelEntry, 0, len(data.Models))
	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) {
			continue
		}
		description := modelID
		if info != nil && info.DisplayName != "" {
			description = info.DisplayName
		}
		entries = append(entries, ModelEntry{
			ID:          modelID,
			Object:      "model",
			Created:     now,
			OwnedBy:     "anthropic",
			Description: description,
		})
	}

	modelCache.Lock()
	modelCache.valid = make(map[string]bool, len(entries))
	for _, e := range entries {
		modelCache.valid[e.ID] = true
	}
	modelCache.lastFetched = time.Now()
	modelCache.Unlock()

	return &ModelListResponse{Object: "list", Data: entries}, nil
}

// GetModelQuotas extracts per-model quota snapshots for an account.
func GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*ModelQuota, error) {
	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return nil, err
	}

	quotas := make(map[string]*ModelQuota)
	if data == nil || data.Models == nil {
		return quotas, nil
	}

	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) || info == nil || info.QuotaInfo == nil {
			continue
		}
		quota := &ModelQuota{ResetTime: info.QuotaInfo.ResetTime}
		if info.QuotaInfo.RemainingFraction != nil {
			quota.RemainingFraction = info.QuotaInfo.RemainingFraction
		} else if info.QuotaInfo.ResetTime != nil {
			// Missing fraction with a reset time means the quota is gone.
			zero := 0.0
			quota.RemainingFraction = &zero
		}
		quotas[modelID] = quota
	}
	return quotas, nil
}

// ParseTierID maps an upstream tier id onto a coarse subscription level.
func ParseTierID(tierID string) string {
	if tierID == "" {
		return "unknown"
	}
	lower := strings.ToLower(tierID)
	switch {
	case strings.Contains(lower, "ultra"):
		return "ultra"
	case lower == "standard-tier":
		return "pro"
	case strings.Contains(lower, "pro"), strings.Contains(lower, "premium"):
		return "pro"
	case strings.Contains(lower, "free"):
		return "free"
	}
	return "unknown"
}

// GetSubscriptionTier resolves the subscription tier and companion project
// for an account via loadCodeAssist.
func GetSubscriptionTier(ctx context.Context, token string) (*SubscriptionInfo, error) {
	reqBody := &loadCodeAssistRequest{
		Metadata: &loadCodeAssistMetadata{
			IDEType:     "IDE_UNSPECIFIED",
			Platform:    "PLATFORM_UNSPECIFIED",
			PluginType:  "GEMINI",
			DuetProject: config.DefaultProjectID,
		},
	}
	bodyBytes, _ := json.Marshal(reqBody)

	client := &http.Client{Timeout: 30 * time.Second}
	for _, endpoint := range config.LoadCodeAssistEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range catalogHeaders(token) {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			logging.Warn("upstream: loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			logging.Warn("upstream: loadCodeAssist error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data LoadCodeAssistResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			continue
		}

		tier := "unknown"
		if data.PaidTier != nil && data.PaidTier.ID != "" {
			tier = ParseTierID(data.PaidTier.ID)
		}
		if tier == "unknown" && data.CurrentTier != nil && data.CurrentTier.ID != "" {
			tier = ParseTierID(data.CurrentTier.ID)
		}
		if tier == "unknown" && len(data.AllowedTiers) > 0 {
			chosen := data.AllowedTiers[0]
			for _, t := range data.AllowedTiers {
				if t != nil && t.IsDefault {
					chosen = t
					break
				}
			}
			if chosen != nil {
				tier = ParseTierID(chosen.ID)
			}
		}

		return &SubscriptionInfo{Tier: tier, ProjectID: data.ProjectID()}, nil
	}

	logging.Warn("upstream: failed to detect subscription tier, defaulting to free")
	return &SubscriptionInfo{Tier: "free", ProjectID: ""}, nil
}

// PopulateModelCache refreshes the validation cache when stale.
func PopulateModelCache(ctx context.Context, token, projectID string) error {
	modelCache.RLock()
	fresh := len(modelCache.valid) > 0 &&
		time.Since(modelCache.lastFetched) < time.Duration(config.ModelValidationCacheTTLMs)*time.Millisecond
	modelCache.RUnlock()
	if fresh {
		return nil
	}

	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return err
	}
	if data != nil && data.Models != nil {
		modelCache.Lock()
		modelCache.valid = make(map[string]bool, len(data.Models))
		for modelID := range data.Models {
			if isSupportedModel(modelID) {
				modelCache.valid[modelID] = true
			}
		}
		modelCache.lastFetched = time.Now()
		modelCache.Unlock()
	}
	return nil
}

// IsValidModel validates a model id against the catalog. Fails open when
// the catalog could not be fetched, letting the API reject bad ids itself.
func IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	_ = PopulateModelCache(ctx, token, projectID)

	modelCache.RLock()
	defer modelCache.RUnlock()
	if len(modelCache.valid) > 0 {
		return modelCache.valid[modelID]
	}
	return true
}
