package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPDirectory resolves user emails against the account service.
// An empty baseURL disables resolution (every lookup errors).
type HTTPDirectory struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (d *HTTPDirectory) EmailFor(ctx context.Context, userID string) (string, error) {
	if d.baseURL == "" {
		return "", fmt.Errorf("email directory: not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/users/"+userID, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("email directory: status %d", resp.StatusCode)
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Email == "" {
		return "", fmt.Errorf("email directory: user %s has no email", userID)
	}
	return body.Email, nil
}
