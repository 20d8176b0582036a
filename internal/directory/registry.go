package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/rpc"
)

var ErrVoteRejected = errors.New("vote rejected by registry")

// Registry resolves the peers of a network and accepts votes for them.
type Registry interface {
	ResolveNamespace(ctx context.Context, search, network string, subnet int) (map[string]string, error)
	Key2UID(ctx context.Context, network string, subnet int) (map[string]int, error)
	Name2Key(ctx context.Context, search, network string, subnet int) (map[string]string, error)
	// SubmitVote returns a receipt identifying the accepted vote.
	SubmitVote(ctx context.Context, payload dataType.VotePayload, network string, subnet int) (string, error)
}

// HTTPRegistry talks JSON to a registry service.
type HTTPRegistry struct {
	base    string
	keyName string
	secret  string
	client  *http.Client
}

func NewHTTPRegistry(baseURL, keyName, secret string, timeout time.Duration) *HTTPRegistry {
	return &HTTPRegistry{
		base:    strings.TrimRight(baseURL, "/"),
		keyName: keyName,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

type voteRequest struct {
	dataType.VotePayload
	Network string `json:"network"`
	Subnet  int    `json:"netuid"`
	Key     string `json:"key"`
}

type voteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"msg"`
	Receipt string `json:"receipt"`
}

func (r *HTTPRegistry) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	u := r.base + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" && data != nil {
		req.Header.Set(rpc.SignatureHeader, rpc.Sign(r.secret, data))
	}
	if r.keyName != "" {
		req.Header.Set(rpc.KeyHeader, r.keyName)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s", rpc.ErrStatus, method, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", endpoint, err)
	}
	return nil
}

func networkQuery(search, network string, subnet int) url.Values {
	q := url.Values{}
	q.Set("network", network)
	q.Set("netuid", strconv.Itoa(subnet))
	if search != "" {
		q.Set("search", search)
	}
	return q
}

func (r *HTTPRegistry) ResolveNamespace(ctx context.Context, search, network string, subnet int) (map[string]string, error) {
	out := map[string]string{}
	err := r.do(ctx, http.MethodGet, "/namespace", networkQuery(search, network, subnet), nil, &out)
	return out, err
}

func (r *HTTPRegistry) Key2UID(ctx context.Context, network string, subnet int) (map[string]int, error) {
	out := map[string]int{}
	err := r.do(ctx, http.MethodGet, "/key2uid", networkQuery("", network, subnet), nil, &out)
	return out, err
}

func (r *HTTPRegistry) Name2Key(ctx context.Context, search, network string, subnet int) (map[string]string, error) {
	out := map[string]string{}
	err := r.do(ctx, http.MethodGet, "/name2key", networkQuery(search, network, subnet), nil, &out)
	return out, err
}

func (r *HTTPRegistry) SubmitVote(ctx context.Context, payload dataType.VotePayload, network string, subnet int) (string, error) {
	var resp voteResponse
	req := voteRequest{VotePayload: payload, Network: network, Subnet: subnet, Key: r.keyName}
	if err := r.do(ctx, http.MethodPost, "/vote", nil, req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", ErrVoteRejected, resp.Message)
	}
	return resp.Receipt, nil
}

// StaticRegistry serves the peers listed in the configuration and keeps the
// votes it receives in memory.
type StaticRegistry struct {
	mu    sync.RWMutex
	peers []config.Peer
	votes []dataType.VotePayload
}

func NewStaticRegistry(peers []config.Peer) *StaticRegistry {
	return &StaticRegistry{peers: append([]config.Peer(nil), peers...)}
}

// SetPeers replaces the served peer list.
func (s *StaticRegistry) SetPeers(peers []config.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append([]config.Peer(nil), peers...)
}

func (s *StaticRegistry) ResolveNamespace(_ context.Context, search, _ string, _ int) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.peers))
	for _, p := range s.peers {
		if search == "" || strings.Contains(p.Name, search) {
			out[p.Name] = p.Address
		}
	}
	return out, nil
}

func (s *StaticRegistry) Key2UID(_ context.Context, _ string, _ int) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.peers))
	for _, p := range s.peers {
		if p.Key != "" {
			out[p.Key] = p.UID
		}
	}
	return out, nil
}

func (s *StaticRegistry) Name2Key(_ context.Context, search, _ string, _ int) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.peers))
	for _, p := range s.peers {
		if p.Key != "" && (search == "" || strings.Contains(p.Name, search)) {
			out[p.Name] = p.Key
		}
	}
	return out, nil
}

func (s *StaticRegistry) SubmitVote(_ context.Context, payload dataType.VotePayload, _ string, _ int) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes = append(s.votes, payload)
	return uuid.NewString(), nil
}

// Votes returns every vote received so far.
func (s *StaticRegistry) Votes() []dataType.VotePayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dataType.VotePayload(nil), s.votes...)
}
