package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hoshizora-mesh/filemesh/internal/xerrors"
)

// RegisterPeerRequest is the body of POST /api/peers/register, spec §4.8.
type RegisterPeerRequest struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	PublicIP    string `json:"publicIp"` // "auto" => relay derives it from the request source
	Port        int    `json:"port"`
	PublicKey   string `json:"publicKey"`
}

// RemotePeer is one entry in GET /api/peers/list's response.
type RemotePeer struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Addr        string `json:"addr"`
	PublicKey   string `json:"publicKey"`
}

func (c *Client) postJSON(ctx context.Context, path string, body any, dst any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w", xerrors.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", xerrors.ErrTransport, resp.StatusCode)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *Client) RegisterPeer(ctx context.Context, req RegisterPeerRequest) error {
	return c.postJSON(ctx, "/api/peers/register", req, nil)
}

func (c *Client) Heartbeat(ctx context.Context, peerID string) error {
	return c.postJSON(ctx, "/api/peers/heartbeat?peerId="+url.QueryEscape(peerID), struct{}{}, nil)
}

func (c *Client) ListPeers(ctx context.Context, selfPeerID string) ([]RemotePeer, error) {
	var out []RemotePeer
	err := c.getJSON(ctx, c.ServerURL+"/api/peers/list?peerId="+url.QueryEscape(selfPeerID), &out)
	return out, err
}

// RegisterFileRequest is the body of POST /api/files/register, spec §4.8.
type RegisterFileRequest struct {
	FileHash string `json:"fileHash"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	SenderID string `json:"senderId"`
}

func (c *Client) RegisterFile(ctx context.Context, req RegisterFileRequest) error {
	return c.postJSON(ctx, "/api/files/register", req, nil)
}

// SearchResult is one entry in GET /api/files/search's response.
type SearchResult struct {
	FileHash string `json:"fileHash"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	SenderID string `json:"senderId"`
}

func (c *Client) SearchFiles(ctx context.Context, query, excludeSender string) ([]SearchResult, error) {
	var out []SearchResult
	u := c.ServerURL + "/api/files/search?q=" + url.QueryEscape(query)
	if excludeSender != "" {
		u += "&excludeSender=" + url.QueryEscape(excludeSender)
	}
	err := c.getJSON(ctx, u, &out)
	return out, err
}

// CreatePinRequest is the body of POST /api/pin/create, spec §4.8/§4.9.
type CreatePinRequest struct {
	PIN      string       `json:"pin"`
	FileRef  RelayFileRef `json:"fileRef"`
	ExpiryAt string       `json:"expiryAt"`
}

func (c *Client) CreatePin(ctx context.Context, req CreatePinRequest) error {
	return c.postJSON(ctx, "/api/pin/create", req, nil)
}

// PinLookupResult is the body of GET /api/pin/find's success response.
type PinLookupResult struct {
	FileRef RelayFileRef `json:"fileRef"`
}

func (c *Client) FindPin(ctx context.Context, pin string) (PinLookupResult, error) {
	var out PinLookupResult
	err := c.getJSON(ctx, c.ServerURL+"/api/pin/find?pin="+url.QueryEscape(pin), &out)
	return out, err
}
