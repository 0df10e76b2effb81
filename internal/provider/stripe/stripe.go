package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/reckon/internal/provider/domain"
)

const defaultBaseURL = "https://api.stripe.com/v1"

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Adapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func New(cfg Config) *Adapter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Provider() string { return "stripe" }

type caseResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	EvidenceDueBy int64  `json:"evidence_due_by"`
	Created       int64  `json:"created"`
}

func (a *Adapter) FetchCase(ctx context.Context, providerCaseID string) (*domain.CaseSnapshot, error) {
	providerCaseID = strings.TrimSpace(providerCaseID)
	if providerCaseID == "" {
		return nil, domain.ErrCaseNotFound
	}

	endpoint := fmt.Sprintf("%s/disputes/%s", a.baseURL, url.PathEscape(providerCaseID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrCaseNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d", domain.ErrProvider, resp.StatusCode)
	}

	var body caseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}

	snapshot := &domain.CaseSnapshot{
		ProviderCaseID: body.ID,
		Status:         body.Status,
		Reason:         body.Reason,
		AmountCents:    body.Amount,
		Currency:       strings.ToUpper(body.Currency),
		UpdatedAt:      time.Now().UTC(),
	}
	if body.EvidenceDueBy > 0 {
		due := time.Unix(body.EvidenceDueBy, 0).UTC()
		snapshot.EvidenceDueBy = &due
	}
	return snapshot, nil
}

func (a *Adapter) SubmitEvidence(ctx context.Context, providerCaseID string, evidence domain.EvidencePayload) error {
	providerCaseID = strings.TrimSpace(providerCaseID)
	if providerCaseID == "" {
		return domain.ErrCaseNotFound
	}

	payload := map[string]any{
		"evidence": map[string]any{
			"shipping_tracking_number": evidence.TrackingNumber,
			"shipping_carrier":         evidence.Carrier,
			"product_description":      evidence.ProductDescription,
			"refund_policy":            evidence.RefundPolicy,
			"terms_of_service":         evidence.TermsOfService,
		},
		"submit": true,
	}
	if evidence.DeliveredAt != nil {
		payload["evidence"].(map[string]any)["shipping_date"] = evidence.DeliveredAt.Unix()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/disputes/%s", a.baseURL, url.PathEscape(providerCaseID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrCaseNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d", domain.ErrProvider, resp.StatusCode)
	}
	return nil
}
