// Package upload publishes archived Markdown articles as Feishu (Lark) docx
// documents, including their local images.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aktagon/article-archiver/internal/logger"
)

// DefaultBaseURL is the Feishu open platform API root.
const DefaultBaseURL = "https://open.feishu.cn/open-apis"

const (
	batchSize     = 30
	maxAttempts   = 3
	batchPause    = 500 * time.Millisecond
	fallbackPause = 300 * time.Millisecond
)

var titleRe = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// ErrNoCredentials is returned when no app id or secret is configured.
var ErrNoCredentials = errors.New("feishu credentials not configured")

// Config holds the Feishu app settings.
type Config struct {
	BaseURL   string
	DocURL    string
	AppID     string
	AppSecret string
}

// Result summarizes one uploaded article.
type Result struct {
	DocumentID  string `json:"document_id"`
	URL         string `json:"url"`
	BlocksOK    int    `json:"blocks_ok"`
	BlocksTotal int    `json:"blocks_total"`
	ImagesOK    int    `json:"images_ok"`
	ImagesTotal int    `json:"images_total"`
}

// APIError is a non-zero code in a Feishu response envelope.
type APIError struct {
	Code int
	Msg  string
	Op   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: feishu code %d: %s", e.Op, e.Code, e.Msg)
}

// Client talks to the Feishu docx and drive APIs. It is not safe for
// concurrent use.
type Client struct {
	http  *http.Client
	cfg   Config
	log   logger.Logger
	sleep func(ctx context.Context, d time.Duration) error
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithSleep replaces the wait used for rate limiting and pacing.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(cl *Client) { cl.sleep = fn }
}

// NewClient creates a Client.
func NewClient(cfg Config, log logger.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DocURL == "" {
		cfg.DocURL = "https://feishu.cn/docx/"
	}
	c := &Client{
		http:  &http.Client{Timeout: 60 * time.Second},
		cfg:   cfg,
		log:   log,
		sleep: sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`

	TenantAccessToken string `json:"tenant_access_token"`
}

// Authenticate obtains a tenant access token.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.AppID == "" || c.cfg.AppSecret == "" {
		return ErrNoCredentials
	}
	env, err := c.callJSON(ctx, http.MethodPost, "/auth/v3/tenant_access_token/internal", nil, map[string]string{
		"app_id":     c.cfg.AppID,
		"app_secret": c.cfg.AppSecret,
	}, "get token")
	if err != nil {
		return err
	}
	c.token = env.TenantAccessToken
	return nil
}

// CreateDocument creates an empty document and returns its id and URL.
func (c *Client) CreateDocument(ctx context.Context, title string) (string, string, error) {
	env, err := c.callJSON(ctx, http.MethodPost, "/docx/v1/documents", nil, map[string]string{
		"title":        title,
		"folder_token": "",
	}, "create document")
	if err != nil {
		return "", "", err
	}
	var data struct {
		Document struct {
			DocumentID string `json:"document_id"`
		} `json:"document"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", "", fmt.Errorf("decoding document: %w", err)
	}
	return data.Document.DocumentID, c.cfg.DocURL + data.Document.DocumentID, nil
}

// UploadArticle creates a document from a Markdown file, titled by its first
// level-one heading, and writes its blocks and images.
func (c *Client) UploadArticle(ctx context.Context, mdPath, assetsDir string) (*Result, error) {
	source, err := os.ReadFile(mdPath)
	if err != nil {
		return nil, fmt.Errorf("reading markdown: %w", err)
	}
	if c.token == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	title := Title(source, strings.TrimSuffix(filepath.Base(mdPath), filepath.Ext(mdPath)))
	docID, docURL, err := c.CreateDocument(ctx, title)
	if err != nil {
		return nil, err
	}

	res := &Result{DocumentID: docID, URL: docURL}
	log := c.log.With(logger.String("document_id", docID))
	for _, item := range Parse(source, assetsDir) {
		if item.Image != "" {
			res.ImagesTotal++
			if err := c.writeImage(ctx, docID, item.Image); err != nil {
				log.Warn("Image upload failed", logger.String("path", item.Image), logger.Error(err))
			} else {
				res.ImagesOK++
			}
		} else {
			res.BlocksTotal += len(item.Blocks)
			res.BlocksOK += c.writeBlocks(ctx, docID, item.Blocks, log)
		}
		if err := c.sleep(ctx, batchPause); err != nil {
			return res, err
		}
	}
	log.Info("Article uploaded",
		logger.String("title", title),
		logger.Int("blocks", res.BlocksOK),
		logger.Int("images", res.ImagesOK),
	)
	return res, nil
}

// Title returns the first level-one heading in source, or fallback.
func Title(source []byte, fallback string) string {
	if m := titleRe.FindSubmatch(source); m != nil {
		if t := strings.TrimSpace(string(m[1])); t != "" {
			return t
		}
	}
	return fallback
}

// writeBlocks appends blocks in batches, falling back to one block per
// request when a batch is rejected. It returns how many were written.
func (c *Client) writeBlocks(ctx context.Context, docID string, blocks []Block, log logger.Logger) int {
	written := 0
	for start := 0; start < len(blocks); start += batchSize {
		batch := blocks[start:min(start+batchSize, len(blocks))]
		_, err := c.appendChildren(ctx, docID, batch)
		if err == nil {
			written += len(batch)
			continue
		}
		log.Warn("Batch rejected, writing blocks one by one", logger.Int("size", len(batch)), logger.Error(err))
		for _, b := range batch {
			if _, err := c.appendChildren(ctx, docID, []Block{b}); err == nil {
				written++
			}
			if err := c.sleep(ctx, fallbackPause); err != nil {
				return written
			}
		}
	}
	return written
}

func (c *Client) appendChildren(ctx context.Context, docID string, blocks []Block) ([]string, error) {
	path := fmt.Sprintf("/docx/v1/documents/%s/blocks/%s/children", docID, docID)
	query := url.Values{"client_token": {uuid.NewString()}}
	env, err := c.callJSON(ctx, http.MethodPost, path, query, map[string]any{
		"children": blocks,
		"index":    -1,
	}, "append blocks")
	if err != nil {
		return nil, err
	}
	var data struct {
		Children []struct {
			BlockID string `json:"block_id"`
		} `json:"children"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding children: %w", err)
	}
	ids := make([]string, 0, len(data.Children))
	for _, ch := range data.Children {
		ids = append(ids, ch.BlockID)
	}
	return ids, nil
}

// writeImage creates an empty image block, uploads the file against it and
// links the uploaded media with replace_image.
func (c *Client) writeImage(ctx context.Context, docID, path string) error {
	ids, err := c.appendChildren(ctx, docID, []Block{{BlockType: BlockImage, Image: &struct{}{}}})
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("append blocks: no image block returned")
	}
	blockID := ids[0]

	fileToken, err := c.uploadMedia(ctx, blockID, path)
	if err != nil {
		return err
	}
	_, err = c.callJSON(ctx, http.MethodPatch,
		fmt.Sprintf("/docx/v1/documents/%s/blocks/%s", docID, blockID), nil,
		map[string]any{"replace_image": map[string]string{"token": fileToken}},
		"replace image")
	return err
}

func (c *Client) uploadMedia(ctx context.Context, blockID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}
	name := filepath.Base(path)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"file_name", name},
		{"parent_type", "docx_image"},
		{"parent_node", blockID},
		{"size", strconv.Itoa(len(data))},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("writing form: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}

	env, err := c.call(ctx, http.MethodPost, "/drive/v1/medias/upload_all", nil, body.Bytes(), mw.FormDataContentType(), "upload media")
	if err != nil {
		return "", err
	}
	var out struct {
		FileToken string `json:"file_token"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return "", fmt.Errorf("decoding upload: %w", err)
	}
	return out.FileToken, nil
}

func (c *Client) callJSON(ctx context.Context, method, path string, query url.Values, payload any, op string) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", op, err)
	}
	return c.call(ctx, method, path, query, body, "application/json; charset=utf-8", op)
}

// call sends one request, retrying HTTP 429 with waits of 2s, 4s, 6s.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body []byte, contentType, op string) (*envelope, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var resp *http.Response
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%s: creating request: %w", op, err)
		}
		req.Header.Set("Content-Type", contentType)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err = c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()
		c.log.Debug("Rate limited", logger.String("op", op), logger.Int("attempt", attempt+1))
		if err := c.sleep(ctx, time.Duration(2*(attempt+1))*time.Second); err != nil {
			return nil, err
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s: rate limited after %d attempts", op, maxAttempts)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s: HTTP %d: decoding response: %w", op, resp.StatusCode, err)
	}
	if env.Code != 0 || resp.StatusCode != http.StatusOK {
		return nil, &APIError{Code: env.Code, Msg: env.Msg, Op: op}
	}
	return &env, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
