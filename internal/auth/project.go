package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

func serviceMetadata() map[string]string {
	return map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}

// DiscoverProjectID resolves the companion project for an access token via
// loadCodeAssist, onboarding the account when it has none yet. Returns ""
// when discovery fails entirely; callers fall back to the default project.
func DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	var lastResponse map[string]interface{}

	for _, endpoint := range config.LoadCodeAssistEndpoints {
		projectID, data, err := loadCodeAssist(ctx, accessToken, endpoint)
		if err != nil {
			logging.Warn("Project discovery failed at %s: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			return projectID, nil
		}
		lastResponse = data
		logging.Info("No project in loadCodeAssist response, attempting onboarding...")
		break
	}

	if lastResponse != nil {
		tierID := defaultTierID(lastResponse)
		if tierID == "" {
			tierID = "FREE"
		}
		project, err := OnboardUser(ctx, accessToken, tierID, "", 10, 5000)
		if err == nil && project != "" {
			logging.Success("Onboarded account, project: %s", project)
			return project, nil
		}
	}

	return "", nil
}

func loadCodeAssist(ctx context.Context, accessToken, endpoint string) (string, map[string]interface{}, error) {
	body, _ := json.Marshal(map[string]interface{}{"metadata": serviceMetadata()})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.ServiceHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("loadCodeAssist returned %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", nil, err
	}

	// cloudaicompanionProject arrives as a string or as {id}.
	if projectID, ok := data["cloudaicompanionProject"].(string); ok && projectID != "" {
		return projectID, data, nil
	}
	if obj, ok := data["cloudaicompanionProject"].(map[string]interface{}); ok {
		if projectID, ok := obj["id"].(string); ok && projectID != "" {
			return projectID, data, nil
		}
	}
	return "", data, nil
}

func defaultTierID(data map[string]interface{}) string {
	tiers, ok := data["allowedTiers"].([]interface{})
	if !ok || len(tiers) == 0 {
		return ""
	}
	for _, tier := range tiers {
		m, ok := tier.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, _ := m["isDefault"].(bool); isDefault {
			if id, ok := m["id"].(string); ok {
				return id
			}
		}
	}
	if first, ok := tiers[0].(map[string]interface{}); ok {
		if id, ok := first["id"].(string); ok {
			return id
		}
	}
	return ""
}

// OnboardUser provisions a managed project for an account. onboardUser is a
// long-running operation; poll until done or attempts run out.
func OnboardUser(ctx context.Context, token, tierID, projectID string, maxAttempts int, delayMs int64) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if delayMs <= 0 {
		delayMs = 5000
	}

	metadata := serviceMetadata()
	if projectID != "" {
		metadata["duetProject"] = projectID
	}
	// The body must not carry cloudaicompanionProject; auto-provisioned
	// tiers reject it with a 400.
	requestBody := map[string]interface{}{
		"tierId":   tierID,
		"metadata": metadata,
	}

	for _, endpoint := range config.OnboardUserEndpoints {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			result, err := postOnboard(ctx, endpoint, token, requestBody)
			if err != nil {
				logging.Warn("onboardUser failed at %s: %v", endpoint, err)
				break
			}

			if done, _ := result["done"].(bool); done {
				if response, ok := result["response"].(map[string]interface{}); ok {
					if proj, ok := response["cloudaicompanionProject"].(map[string]interface{}); ok {
						if id, ok := proj["id"].(string); ok && id != "" {
							return id, nil
						}
					}
				}
				if projectID != "" {
					return projectID, nil
				}
			}

			if attempt < maxAttempts-1 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(time.Duration(delayMs) * time.Millisecond):
				}
			}
		}
	}

	return "", fmt.Errorf("all onboarding attempts failed for tier %s", tierID)
}

func postOnboard(ctx context.Context, endpoint, token string, requestBody map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/v1internal:onboardUser", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.ServiceHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("onboardUser returned %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}
