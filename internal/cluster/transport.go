package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HeartbeatPath is the cluster endpoint every node serves
const HeartbeatPath = "/api/cluster/heartbeat"

const maxResponseSize = 32 << 20

var (
	ErrInvalidResponse  = errors.New("invalid response")
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// Transport delivers a message to a node and returns its reply.
type Transport interface {
	Send(ctx context.Context, node Node, msg *Message) (*Message, error)
}

// HTTPTransport posts JSON envelopes to HeartbeatPath.
type HTTPTransport struct {
	client *http.Client
	signer *Signer
}

// NewHTTPTransport creates a transport; client and signer may be nil.
func NewHTTPTransport(client *http.Client, signer *Signer) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{client: client, signer: signer}
}

// nodeURL accepts both host:port and full base URLs.
func nodeURL(address string) string {
	address = strings.TrimRight(address, "/")
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	return address + HeartbeatPath
}

func (t *HTTPTransport) Send(ctx context.Context, node Node, msg *Message) (*Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeURL(node.Address), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.signer != nil {
		token, err := t.signer.Sign(body)
		if err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var envelope Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if envelope.Item == nil {
		return nil, fmt.Errorf("%w: null item %s", ErrInvalidResponse, envelope.Error)
	}
	return envelope.Item, nil
}
