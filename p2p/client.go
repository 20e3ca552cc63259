package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"dpos-node/models"
)

// DefaultMaxResponseBytes caps a peer reply when no other limit is set
const DefaultMaxResponseBytes = 16 << 20

var (
	// ErrPeerResponse matches every PeerError
	ErrPeerResponse = errors.New("unexpected peer response")
	// ErrResponseTooLarge is returned when a reply exceeds the client's cap
	ErrResponseTooLarge = errors.New("peer response too large")
)

// PeerError is a non-200 reply from a peer
type PeerError struct {
	Peer    string
	Status  int
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s replied %d: %s", e.Peer, e.Status, e.Message)
}

func (e *PeerError) Is(target error) bool {
	return target == ErrPeerResponse
}

// HTTPClient talks to the peer endpoints of other nodes
type HTTPClient struct {
	client   *http.Client
	maxBytes int64
}

// ClientOption configures an HTTPClient
type ClientOption func(*HTTPClient)

// WithMaxResponseBytes caps how much of a reply is read. Non-positive
// values keep the default.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *HTTPClient) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// NewHTTPClient creates a client whose requests time out after timeout
func NewHTTPClient(timeout time.Duration, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{client: &http.Client{Timeout: timeout}, maxBytes: DefaultMaxResponseBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Header fetches the header a peer announces about itself
func (c *HTTPClient) Header(ctx context.Context, peer models.Peer) (models.Peer, error) {
	var header models.PeerHeader
	if err := c.do(ctx, http.MethodGet, peer, PeerPath, nil, &header); err != nil {
		return models.Peer{}, err
	}
	return models.Peer{IP: peer.IP, PeerHeader: header}, nil
}

// Announce tells peer about this node
func (c *HTTPClient) Announce(ctx context.Context, peer models.Peer, self models.PeerHeader) error {
	return c.do(ctx, http.MethodPost, peer, PeerPath, self, nil)
}

// State polls the consensus view of peer
func (c *HTTPClient) State(ctx context.Context, peer models.Peer) (models.PeerState, error) {
	var state models.PeerState
	if err := c.do(ctx, http.MethodPost, peer, ConsensusPath, nil, &state); err != nil {
		return models.PeerState{}, err
	}
	state.IP = peer.IP
	return state, nil
}

// Blocks downloads up to limit blocks from peer starting at fromHeight
func (c *HTTPClient) Blocks(ctx context.Context, peer models.Peer, fromHeight uint64, limit int) ([]*models.Block, error) {
	var resp BlocksResponse
	req := BlocksRequest{FromHeight: fromHeight, Limit: limit}
	if err := c.do(ctx, http.MethodPost, peer, BlocksPath, req, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

func (c *HTTPClient) do(ctx context.Context, method string, peer models.Peer, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+PeerKey(peer)+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &PeerError{Peer: PeerKey(peer), Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > c.maxBytes {
		return fmt.Errorf("%w: %s sent more than %d bytes on %s", ErrResponseTooLarge, PeerKey(peer), c.maxBytes, path)
	}
	return json.Unmarshal(data, out)
}
