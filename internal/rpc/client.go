package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/meshnode/meshnode/internal/identity"
)

// Client talks PeerRPC to exactly one peer, identified by its base URL.
// Every outbound call carries its own timeout (spec §5: "every outbound
// peer call has timeout = peer.timeout"); the Client never retries on its
// own — callers (SyncEngine, ChatHub's push) own retry/backoff policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   *identity.Identity
}

// New creates a Client bound to baseURL with the given per-call timeout.
func New(baseURL string, timeout time.Duration, id *identity.Identity) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		identity:   id,
	}
}

// Handshake calls GET /peer/handshake. Unsigned: a bootstrap endpoint.
func (c *Client) Handshake(ctx context.Context) (*HandshakeResponse, error) {
	var out HandshakeResponse
	if err := c.doJSON(ctx, http.MethodGet, "/peer/handshake", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinRequest calls POST /peer/join-request. Unsigned: a bootstrap endpoint.
func (c *Client) JoinRequest(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	var out JoinResponse
	if err := c.doJSON(ctx, http.MethodPost, "/peer/join-request", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinStatus calls GET /peer/join-status?node_id=&public_key=. Unsigned,
// but the server checks the public key matches what it has on file.
func (c *Client) JoinStatus(ctx context.Context, nodeID, publicKeyHex string) (*JoinResponse, error) {
	q := url.Values{"node_id": {nodeID}, "public_key": {publicKeyHex}}
	path := "/peer/join-status?" + q.Encode()
	var out JoinResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sync calls POST /peer/sync, signed.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	var out SyncResponse
	if err := c.doJSON(ctx, http.MethodPost, "/peer/sync", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat calls POST /peer/heartbeat, signed.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	var out HeartbeatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/peer/heartbeat", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatPush calls POST /peer/chat-push, signed. Callers treat failures as
// fire-and-forget (spec §4.8): log and move on, never bubble to the user.
func (c *Client) ChatPush(ctx context.Context, req ChatPushRequest) error {
	var out ChatPushResponse
	return c.doJSON(ctx, http.MethodPost, "/peer/chat-push", req, &out, true)
}

// ─── transport plumbing ──────────────────────────────────────────────────

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any, signed bool) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyBytes = b
	} else {
		bodyBytes = []byte{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.identity == nil {
			return fmt.Errorf("rpc: signed call requested but client has no identity")
		}
		headers, err := c.identity.SignRequest(bodyBytes)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("X-Node-Id", headers.NodeID)
		req.Header.Set("X-Node-Ts", headers.Timestamp)
		req.Header.Set("X-Body-Hash", headers.BodyHash)
		req.Header.Set("X-Node-Sig", headers.Signature)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// TransientError wraps a network-level failure (timeout, connection
// refused, 5xx) per spec §7's Transient error kind: callers log at
// debug/warn, mark the peer offline, and retry next tick.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// AuthRejectedError wraps a 403 from a peer, carrying whatever reason the
// body gave (e.g. "kicked").
type AuthRejectedError struct {
	Status  int
	Reason  string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("auth rejected (HTTP %d): %s", e.Status, e.Reason)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var e ErrorBody
	_ = json.Unmarshal(body, &e)
	msg := e.Error
	if msg == "" {
		msg = string(body)
	}
	if resp.StatusCode == http.StatusForbidden {
		return &AuthRejectedError{Status: resp.StatusCode, Reason: msg}
	}
	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)}
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
}
