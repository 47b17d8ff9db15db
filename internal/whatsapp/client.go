// Package whatsapp connects SuvFin to the WhatsApp Cloud API: the
// outbound Graph API client, inbound webhook parsing, reply formatting
// and the queue that feeds inbound messages to the agent.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/suvfin/internal/config"
	"github.com/nugget/suvfin/internal/httpkit"
)

// Graph API defaults.
const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"
)

// MaxTextLen is the Cloud API limit for a text message body.
const MaxTextLen = 4096

// maxMediaBytes bounds media downloads. WhatsApp caps images at 5 MB
// and documents at 100 MB; receipts are images.
const maxMediaBytes = 16 << 20

// APIError is a non-2xx answer from the Graph API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp API error %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	APIVersion    string
	AccessToken   string
	PhoneNumberID string
	// SendRatePerSec paces outbound calls. Zero disables pacing.
	SendRatePerSec float64
	Timeout        time.Duration
}

// Client sends messages and fetches media through the Graph API.
type Client struct {
	baseURL    string
	phoneID    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Graph API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger = logger.With("component", "whatsapp")

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.Trim(cfg.APIVersion, "/"),
		phoneID: cfg.PhoneNumberID,
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithBearerToken(cfg.AccessToken),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
	if cfg.SendRatePerSec > 0 {
		burst := max(int(cfg.SendRatePerSec), 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), burst)
	}
	return c
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type mediaRef struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type outboundMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type,omitempty"`
	To               string    `json:"to,omitempty"`
	Type             string    `json:"type,omitempty"`
	Text             *textBody `json:"text,omitempty"`
	Image            *mediaRef `json:"image,omitempty"`
	Document         *mediaRef `json:"document,omitempty"`

	Status    string `json:"status,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends text to a recipient, splitting bodies longer than
// MaxTextLen into several messages.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	for _, part := range SplitText(text, MaxTextLen) {
		id, err := c.send(ctx, outboundMessage{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               to,
			Type:             "text",
			Text:             &textBody{Body: part},
		})
		if err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		c.logger.Debug("text sent", "to", to, "message_id", id, "len", len(part))
	}
	return nil
}

// SendMedia uploads data and sends it as an image (image/* types) or a
// document (everything else).
func (c *Client) SendMedia(ctx context.Context, to string, data []byte, mimeType, filename, caption string) error {
	mediaID, err := c.upload(ctx, data, mimeType, filename)
	if err != nil {
		return fmt.Errorf("send media: %w", err)
	}

	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
	}
	if strings.HasPrefix(mimeType, "image/") {
		msg.Type = "image"
		msg.Image = &mediaRef{ID: mediaID, Caption: caption}
	} else {
		msg.Type = "document"
		msg.Document = &mediaRef{ID: mediaID, Caption: caption, Filename: filename}
	}

	id, err := c.send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	c.logger.Info("media sent", "to", to, "message_id", id, "mime", mimeType, "bytes", len(data))
	return nil
}

// MarkRead marks an inbound message as read (blue ticks).
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	if _, err := c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	}); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// DownloadMedia fetches media by ID: the first call resolves a
// short-lived URL, the second downloads the bytes.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	var meta struct {
		URL      string `json:"url"`
		MIMEType string `json:"mime_type"`
		FileSize int64  `json:"file_size"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/"+mediaID, &meta); err != nil {
		return nil, fmt.Errorf("resolve media %s: %w", mediaID, err)
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("resolve media %s: empty url", mediaID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", mediaID, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", mediaID, err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media %s exceeds %d bytes", mediaID, maxMediaBytes)
	}

	c.logger.Info("media downloaded", "media_id", mediaID, "mime", meta.MIMEType, "bytes", len(data))
	return data, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, msg outboundMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "outbound message", "json", string(body))

	if err := c.wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.phoneID+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out sendResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

func (c *Client) upload(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := w.WriteField("type", mimeType); err != nil {
		return "", err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.phoneID+"/media", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("upload media: no media id returned")
	}
	return out.ID, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		c.logger.Error("API error", "path", req.URL.Path, "status", resp.StatusCode, "body", body)
		return &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Log(req.Context(), config.LevelTrace, "API response", "path", req.URL.Path, "json", string(data))
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SplitText breaks s into chunks of at most limit runes, preferring
// line boundaries.
func SplitText(s string, limit int) []string {
	if limit <= 0 || len([]rune(s)) <= limit {
		return []string{s}
	}

	var parts []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if p := strings.TrimRight(cur.String(), "\n"); p != "" {
			parts = append(parts, p)
		}
		cur.Reset()
		curLen = 0
	}

	for _, line := range strings.SplitAfter(s, "\n") {
		r := []rune(line)
		if curLen+len(r) > limit {
			flush()
		}
		for len(r) > limit {
			parts = append(parts, string(r[:limit]))
			r = r[limit:]
		}
		cur.WriteString(string(r))
		curLen += len(r)
	}
	flush()
	return parts
}
