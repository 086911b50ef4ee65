package ordersync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProvenanceMarker records which reconciliation action touched a commerce
// record. Callers treat marker failures as non-blocking: the action outcome
// stands even when the marker write fails.
type ProvenanceMarker interface {
	SetMarker(ctx context.Context, targetID, correlationID string, kind ActionKind, fingerprint string) error
}

type noopProvenanceMarker struct{}

func (noopProvenanceMarker) SetMarker(context.Context, string, string, ActionKind, string) error {
	return nil
}

// CommerceNoteMarker stores the marker as a timeline note on the commerce
// order so a later inspection can tell which action produced the change.
type CommerceNoteMarker struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

type CommerceNoteMarkerOptions struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

func NewCommerceNoteMarker(opts CommerceNoteMarkerOptions) *CommerceNoteMarker {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &CommerceNoteMarker{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(opts.AccessToken),
		httpClient:  httpClient,
	}
}

func (m *CommerceNoteMarker) SetMarker(ctx context.Context, targetID, correlationID string, kind ActionKind, fingerprint string) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return fmt.Errorf("%w: marker target id is required", ErrInvalidInput)
	}
	note := struct {
		Note string `json:"note"`
	}{
		Note: fmt.Sprintf("ordersync %s correlation=%s fingerprint=%s", kind, correlationID, fingerprint),
	}
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	endpoint := m.baseURL + "/v1/orders/" + url.PathEscape(targetID) + "/notes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.accessToken != "" {
		req.Header.Set("X-Access-Token", m.accessToken)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("marker write returned http %d", resp.StatusCode)
	}
	return nil
}
