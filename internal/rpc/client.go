package rpc

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"module_vali/internal/dataType"
	"module_vali/internal/utils"
)

var (
	ErrContentType = errors.New("invalid response content type")
	ErrStatus      = errors.New("unexpected response status")
)

const (
	SignatureHeader = "X-Vali-Signature"
	KeyHeader       = "X-Vali-Key"
)

// Client calls functions exposed by one peer.
type Client interface {
	Call(ctx context.Context, fn string, args []any, kwargs map[string]any) (any, error)
	Info(ctx context.Context) (map[string]any, error)
	Address() string
	Close() error
}

// Connector opens clients by peer address.
type Connector interface {
	Connect(ctx context.Context, address string) (Client, error)
}

type Options struct {
	KeyName string
	Secret  string
	// SelfIP is reported to the peer in every request body.
	SelfIP string
	// HTTP may be shared by many clients; Close leaves its connections to
	// the other peers alone. Nil gives each client its own transport.
	HTTP   *http.Client
	Logger *zap.Logger
}

type request struct {
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	IP        string         `json:"ip"`
	Timestamp float64        `json:"timestamp"`
}

// HTTPClient posts JSON calls to http://{address}/{fn}/.
type HTTPClient struct {
	address string
	opts    Options
	owned   bool
}

func NewHTTPClient(address string, opts Options) (*HTTPClient, error) {
	addr, err := utils.CanonicalizeAddress(address)
	if err != nil {
		return nil, err
	}
	owned := opts.HTTP == nil
	if owned {
		opts.HTTP = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPClient{address: addr, opts: opts, owned: owned}, nil
}

func (c *HTTPClient) Address() string {
	return c.address
}

func (c *HTTPClient) Close() error {
	if c.owned {
		c.opts.HTTP.CloseIdleConnections()
	}
	return nil
}

// Sign returns the hex HMAC-SHA512 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

func (c *HTTPClient) post(ctx context.Context, fn string, args []any, kwargs map[string]any) (*http.Response, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	data, err := json.Marshal(request{
		Args:      args,
		Kwargs:    kwargs,
		IP:        c.opts.SelfIP,
		Timestamp: dataType.UnixSeconds(time.Now()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", fn, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, utils.FunctionURL(c.address, fn), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.opts.Secret, data))
	}
	if c.opts.KeyName != "" {
		req.Header.Set(KeyHeader, c.opts.KeyName)
	}

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", ErrStatus, c.address, resp.StatusCode)
	}
	return resp, nil
}

// Call invokes fn on the peer and decodes the reply according to its
// content type. A {"data": ...} envelope is unwrapped.
func (c *HTTPClient) Call(ctx context.Context, fn string, args []any, kwargs map[string]any) (any, error) {
	start := time.Now()
	resp, err := c.post(ctx, fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.opts.Logger.Warn("failed to close response body", zap.String("address", c.address), zap.Error(err))
		}
	}()

	result, err := decode(resp)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", c.address, fn, err)
	}
	c.opts.Logger.Debug("call finished",
		zap.String("address", c.address),
		zap.String("fn", fn),
		zap.Duration("latency", time.Since(start)))
	return unwrapData(result), nil
}

// Stream invokes fn and hands back the event-stream chunks without buffering
// the whole reply. The caller must Close the stream.
func (c *HTTPClient) Stream(ctx context.Context, fn string, args []any, kwargs map[string]any) (*Stream, error) {
	resp, err := c.post(ctx, fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %q", ErrContentType, mediaType)
	}
	return newStream(resp.Body), nil
}

func (c *HTTPClient) Info(ctx context.Context) (map[string]any, error) {
	out, err := c.Call(ctx, "info", nil, nil)
	if err != nil {
		return nil, err
	}
	info, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("info from %s is %T, not an object", c.address, out)
	}
	return info, nil
}

func decode(resp *http.Response) (any, error) {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentType, err)
	}
	switch mediaType {
	case "application/json":
		var out any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode json reply: %w", err)
		}
		return out, nil
	case "text/plain":
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return string(body), nil
	case "text/event-stream":
		return collect(newStream(resp.Body))
	default:
		return nil, fmt.Errorf("%w: %q", ErrContentType, mediaType)
	}
}

func unwrapData(v any) any {
	if m, ok := v.(map[string]any); ok {
		if data, ok := m["data"]; ok {
			return data
		}
	}
	return v
}

// HTTPConnector opens HTTPClients sharing one transport.
type HTTPConnector struct {
	Options Options
}

func (h HTTPConnector) Connect(_ context.Context, address string) (Client, error) {
	return NewHTTPClient(address, h.Options)
}
