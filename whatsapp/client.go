package whatsapp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/contaspt/media-ingest/telemetry"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL      = "https://graph.facebook.com/v18.0"
	DefaultMaxMediaSize = 25 << 20
	DefaultTimeout      = 30 * time.Second

	// Outbound message budget per business number.
	DefaultSendRate  = rate.Limit(10)
	DefaultSendBurst = 10
)

var (
	ErrMediaTooLarge    = errors.New("media exceeds maximum size")
	ErrChecksumMismatch = errors.New("media checksum mismatch")
)

// APIError is a non-2xx Graph API response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	TraceID    string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graph api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("graph api: status %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// MediaInfo is the Graph API description of an uploaded media object.
// URL is short-lived and requires the same bearer token.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// DownloadedMedia is a fetched media body and its description.
type DownloadedMedia struct {
	Info MediaInfo
	Data []byte
}

// Client talks to the Graph API with one business access token.
type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	limiter      *rate.Limiter
	maxMediaSize int64
	logger       *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithSendLimit sets the outbound message rate.
func WithSendLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

func WithMaxMediaSize(n int64) ClientOption {
	return func(c *Client) { c.maxMediaSize = n }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(accessToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		token:        accessToken,
		limiter:      rate.NewLimiter(DefaultSendRate, DefaultSendBurst),
		maxMediaSize: DefaultMaxMediaSize,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "graph"),
		}
	}
	c.logger = c.logger.With("component", "graph-client")
	return c
}

// MediaInfo resolves a media id to its download URL and metadata.
func (c *Client) MediaInfo(ctx context.Context, mediaID string) (*MediaInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(mediaID), nil)
	if err != nil {
		return nil, err
	}

	var info MediaInfo
	if err := c.do(req, &info); err != nil {
		return nil, fmt.Errorf("fetching media info %s: %w", mediaID, err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("fetching media info %s: response has no url", mediaID)
	}
	return &info, nil
}

// Download fetches the media body. Bodies over the configured maximum
// are rejected with ErrMediaTooLarge and a provider checksum, when
// present, must match.
func (c *Client) Download(ctx context.Context, mediaID string) (*DownloadedMedia, error) {
	info, err := c.MediaInfo(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if c.maxMediaSize > 0 && info.FileSize > c.maxMediaSize {
		return nil, fmt.Errorf("media %s is %d bytes: %w", mediaID, info.FileSize, ErrMediaTooLarge)
	}

	req, err := c.newRequest(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading media %s: %w", mediaID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("downloading media %s: %w", mediaID, readAPIError(resp))
	}

	var body io.Reader = resp.Body
	if c.maxMediaSize > 0 {
		body = io.LimitReader(resp.Body, c.maxMediaSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading media %s: %w", mediaID, err)
	}
	if c.maxMediaSize > 0 && int64(len(data)) > c.maxMediaSize {
		return nil, fmt.Errorf("media %s: %w", mediaID, ErrMediaTooLarge)
	}
	if info.SHA256 != "" && !checksumMatches(data, info.SHA256) {
		return nil, fmt.Errorf("media %s: %w", mediaID, ErrChecksumMismatch)
	}
	if info.MIMEType == "" {
		info.MIMEType = resp.Header.Get("Content-Type")
	}

	c.logger.Debug("media downloaded", "media_id", mediaID, "mime_type", info.MIMEType, "bytes", len(data))
	return &DownloadedMedia{Info: *info, Data: data}, nil
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             Text   `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message from the business number and returns the
// provider message id. Calls wait on the client's rate limiter.
func (c *Client) SendText(ctx context.Context, phoneNumberID, to, body string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for send budget: %w", err)
	}

	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             TypeText,
		Text:             Text{Body: body},
	})
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	endpoint := c.baseURL + "/" + url.PathEscape(phoneNumberID) + "/messages"
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out sendResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("sending message to %s: %w", to, err)
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		envelope.Error.StatusCode = resp.StatusCode
		return envelope.Error
	}
	apiErr.Message = strings.TrimSpace(string(data))
	return apiErr
}

// checksumMatches accepts the digest in hex or base64, the two forms the
// provider uses.
func checksumMatches(data []byte, want string) bool {
	sum := sha256.Sum256(data)
	want = strings.TrimSpace(want)
	return strings.EqualFold(hex.EncodeToString(sum[:]), want) ||
		base64.StdEncoding.EncodeToString(sum[:]) == want
}
