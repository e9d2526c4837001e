package gist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"copybot/config"

	"go.uber.org/zap"
)

const (
	apiBaseURL  = "https://api.github.com"
	apiVersion  = "2022-11-28"
	description = "copybot state"
)

var (
	// ErrDisabled is returned when no GitHub token is configured.
	ErrDisabled = errors.New("gist client not configured")
	// ErrNotFound is returned when the gist or the requested file does not exist.
	ErrNotFound = errors.New("gist file not found")
)

// Storage is the interface for gist storage operations.
type Storage interface {
	IsEnabled() bool
	Load(ctx context.Context, filename string, gistID ...string) (string, error)
	Save(ctx context.Context, filename, content string, gistID ...string) error
	LoadJSON(ctx context.Context, filename string, dest any) error
	SaveJSON(ctx context.Context, filename string, data any) error
	GetGistID() string
}

var _ Storage = (*Client)(nil)

// Client stores small JSON documents as files of a private GitHub gist.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	token      string

	mu     sync.Mutex
	gistID string // Created on first save when empty
}

// GistFile represents a file in a gist.
type GistFile struct {
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content"`
}

// Gist represents a GitHub gist.
type Gist struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Public      bool                `json:"public"`
	Files       map[string]GistFile `json:"files"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type gistRequest struct {
	Description string              `json:"description,omitempty"`
	Public      bool                `json:"public"`
	Files       map[string]GistFile `json:"files"`
}

// NewClient creates a gist client bound to cfg.Gist.GistID.
func NewClient(logger *zap.Logger, cfg *config.Config) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	token := cfg.Gist.Token
	if token == "" {
		logger.Warn("GITHUB_TOKEN not set, gist storage will be disabled")
	}

	return &Client{
		logger:     logger.Named("gist"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    apiBaseURL,
		token:      token,
		gistID:     cfg.Gist.GistID,
	}
}

// WithGistID returns a client that shares credentials and transport with c
// but reads and writes a different gist.
func (c *Client) WithGistID(gistID string) *Client {
	return &Client{
		logger:     c.logger,
		httpClient: c.httpClient,
		baseURL:    c.baseURL,
		token:      c.token,
		gistID:     gistID,
	}
}

// IsEnabled returns true if the client has a token.
func (c *Client) IsEnabled() bool {
	return c.token != ""
}

// GetGistID returns the bound gist ID, which is empty until the first save
// when none was configured.
func (c *Client) GetGistID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gistID
}

func (c *Client) target(override []string) string {
	if len(override) > 0 && override[0] != "" {
		return override[0]
	}
	return c.GetGistID()
}

// SaveJSON marshals data and writes it to filename.
func (c *Client) SaveJSON(ctx context.Context, filename string, data any) error {
	if !c.IsEnabled() {
		return ErrDisabled
	}

	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return c.Save(ctx, filename, string(body))
}

// Save writes content to filename, creating a new gist when none is bound.
func (c *Client) Save(ctx context.Context, filename, content string, gistID ...string) error {
	if !c.IsEnabled() {
		return ErrDisabled
	}

	payload, err := json.Marshal(gistRequest{
		Description: description,
		Files:       map[string]GistFile{filename: {Content: content}},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	id := c.target(gistID)
	method, url := http.MethodPost, c.baseURL+"/gists"
	if id != "" {
		method, url = http.MethodPatch, c.baseURL+"/gists/"+id
	}

	resp, err := c.do(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api error status=%d body=%s", resp.StatusCode, string(body))
	}

	if id == "" {
		var created Gist
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		c.mu.Lock()
		if c.gistID == "" {
			c.gistID = created.ID
		}
		c.mu.Unlock()
		c.logger.Info("created new gist", zap.String("id", created.ID))
	}

	c.logger.Debug("saved to gist",
		zap.String("filename", filename),
		zap.Int("bytes", len(content)),
	)
	return nil
}

// LoadJSON reads filename and unmarshals it into dest.
func (c *Client) LoadJSON(ctx context.Context, filename string, dest any) error {
	if !c.IsEnabled() {
		return ErrDisabled
	}

	content, err := c.Load(ctx, filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(content), dest); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}

// Load returns the content of filename.
func (c *Client) Load(ctx context.Context, filename string, gistID ...string) (string, error) {
	if !c.IsEnabled() {
		return "", ErrDisabled
	}

	id := c.target(gistID)
	if id == "" {
		return "", fmt.Errorf("%w: no gist ID configured", ErrNotFound)
	}

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/gists/"+id, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: gist %s", ErrNotFound, id)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("api error status=%d body=%s", resp.StatusCode, string(body))
	}

	var g Gist
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	file, ok := g.Files[filename]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, filename)
	}

	c.logger.Debug("loaded from gist",
		zap.String("filename", filename),
		zap.Int("bytes", len(file.Content)),
	)
	return file.Content, nil
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}
