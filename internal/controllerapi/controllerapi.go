// Package controllerapi is the outbound half of the controller boundary
// (spec.md §6): three POSTs the aggregator drives, generalized from the
// teacher's resources.Client GET wrapper (app/internal/resources/client.go)
// into a POST client carrying the shared-secret header the real HMAC/
// time-delta handshake would occupy (spec.md §1's external transport
// collaborator).
package controllerapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client posts latency batches, events, and certificate changes to the
// database/controller server named in the configuration file's
// database_server field.
type Client struct {
	BaseURL     string
	OutboundKey string
	HTTP        *http.Client
}

// New constructs a Client. baseURL is the configuration file's
// database_server field; outboundKey is outbound_api_key, sent as a
// bearer token standing in for the real authenticated-transport handshake.
func New(baseURL, outboundKey string) *Client {
	return &Client{
		BaseURL:     baseURL,
		OutboundKey: outboundKey,
		HTTP:        &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.OutboundKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.OutboundKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("controllerapi: %s returned http %d", path, resp.StatusCode)
	}
	return nil
}

// PostLatencyBatch implements aggregator.Transport: POST /latency/record
// with the packed-binary payload from internal/wire.
func (c *Client) PostLatencyBatch(ctx context.Context, payload []byte) error {
	return c.post(ctx, "/latency/record", "application/octet-stream", payload)
}

// PostEvent implements aggregator.Transport: POST /event/report with a
// JSON-encoded event.
func (c *Client) PostEvent(ctx context.Context, payload []byte) error {
	return c.post(ctx, "/event/report", "application/json", payload)
}

// PostCertificate implements aggregator.Transport: POST
// /host_scheme/certificate with a JSON-encoded certificate change.
func (c *Client) PostCertificate(ctx context.Context, payload []byte) error {
	return c.post(ctx, "/host_scheme/certificate", "application/json", payload)
}
