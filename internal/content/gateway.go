package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// MaxObjectSize caps how much of a fetched object is read.
const MaxObjectSize = 1 << 20

// Fetcher retrieves content by id.
type Fetcher interface {
	Fetch(ctx context.Context, contentID string) ([]byte, error)
}

// Publisher adds content and returns its id.
type Publisher interface {
	Publish(ctx context.Context, data []byte) (string, error)
}

// Gateway reads through an HTTP IPFS gateway and writes through a Kubo RPC
// endpoint.
type Gateway struct {
	gatewayURL string
	apiURL     string
	client     *http.Client
}

// NewGateway creates a content client. apiURL may be empty for read-only use.
func NewGateway(gatewayURL, apiURL string, timeout time.Duration) *Gateway {
	return &Gateway{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		apiURL:     strings.TrimRight(apiURL, "/"),
		client:     &http.Client{Timeout: timeout},
	}
}

func (g *Gateway) Fetch(ctx context.Context, contentID string) ([]byte, error) {
	id, err := ParseCID(contentID)
	if err != nil {
		return nil, err
	}
	if g.gatewayURL == "" {
		return nil, fmt.Errorf("content: gateway URL not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.gatewayURL+"/ipfs/"+id.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("content: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content: fetch %s: %w", id, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close gateway response", "err", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("content: gateway returned %s for %s", resp.Status, id)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("content: read %s: %w", id, err)
	}
	if len(data) > MaxObjectSize {
		return nil, ErrTooLarge
	}
	if err := Verify(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Publish adds data through the Kubo RPC API as a pinned CIDv1 file with raw
// leaves.
func (g *Gateway) Publish(ctx context.Context, data []byte) (string, error) {
	if g.apiURL == "" {
		return "", fmt.Errorf("content: publish API URL not configured")
	}
	if len(data) > MaxObjectSize {
		return "", ErrTooLarge
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "certificate.json")
	if err != nil {
		return "", fmt.Errorf("content: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("content: build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("content: build form: %w", err)
	}

	url := g.apiURL + "/api/v0/add?cid-version=1&raw-leaves=true&pin=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("content: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("content: publish: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close publish response", "err", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("content: publish returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var added addResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", fmt.Errorf("content: decode publish response: %w", err)
	}
	id, err := ParseCID(added.Hash)
	if err != nil {
		return "", err
	}
	if err := Verify(id, data); err != nil {
		return "", fmt.Errorf("content: node returned %s: %w", id, err)
	}
	slog.Info("published certificate content", "cid", id.String(), "size", len(data))
	return id.String(), nil
}
