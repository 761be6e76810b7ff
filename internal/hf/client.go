// Package hf is a small client for the HuggingFace model hub.
package hf

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/llama_manager/internal/telemetry"
	"github.com/italolelis/llama_manager/internal/variant"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://huggingface.co"
	DefaultTimeout = 15 * time.Second

	// File types reported by ListFiles.
	TypeGGUF   = "gguf"
	TypeConfig = "config"
	TypeOther  = "other"
)

// Model is one search result.
type Model struct {
	ID           string   `json:"id"`
	Author       string   `json:"author,omitempty"`
	Downloads    int64    `json:"downloads"`
	Likes        int64    `json:"likes"`
	LastModified string   `json:"lastModified,omitempty"`
	Tags         []string `json:"tags"`
	Private      bool     `json:"private"`
}

// RepoFile is one file of a model repository. Size is nil when the hub did
// not report it.
type RepoFile struct {
	Path string `json:"path"`
	Size *int64 `json:"size"`
	Type string `json:"type"`
}

// StatusError is returned when the hub answers with a non-200 status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// Client talks to the hub API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for baseURL. token, when set, is sent with every
// request that does not bring its own.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    telemetry.NewHTTPClient(timeout),
	}
}

// Search finds GGUF models matching query, most downloaded first.
func (c *Client) Search(ctx context.Context, query string, limit int, token string) ([]Model, error) {
	params := url.Values{}
	params.Set("search", query)
	params.Set("filter", "gguf")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("sort", "downloads")
	params.Set("direction", "-1")

	var raw []struct {
		ModelID      string   `json:"modelId"`
		ID           string   `json:"id"`
		Author       string   `json:"author"`
		Downloads    int64    `json:"downloads"`
		Likes        int64    `json:"likes"`
		LastModified string   `json:"lastModified"`
		Tags         []string `json:"tags"`
		Private      bool     `json:"private"`
	}

	if err := c.getJSON(ctx, c.baseURL+"/api/models?"+params.Encode(), token, &raw); err != nil {
		return nil, err
	}

	models := make([]Model, 0, len(raw))

	for _, m := range raw {
		id := m.ModelID
		if id == "" {
			id = m.ID
		}

		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}

		models = append(models, Model{
			ID:           id,
			Author:       m.Author,
			Downloads:    m.Downloads,
			Likes:        m.Likes,
			LastModified: m.LastModified,
			Tags:         tags,
			Private:      m.Private,
		})
	}

	return models, nil
}

// ListFiles lists every file of the repository modelID ("owner/repo").
func (c *Client) ListFiles(ctx context.Context, modelID, token string) ([]RepoFile, error) {
	var raw struct {
		Siblings []struct {
			RFilename string `json:"rfilename"`
			Size      *int64 `json:"size"`
		} `json:"siblings"`
	}

	if err := c.getJSON(ctx, c.baseURL+"/api/models/"+escapePath(modelID)+"?blobs=true", token, &raw); err != nil {
		return nil, err
	}

	files := make([]RepoFile, 0, len(raw.Siblings))

	for _, s := range raw.Siblings {
		size := s.Size
		if size != nil && *size == 0 {
			size = nil
		}

		files = append(files, RepoFile{Path: s.RFilename, Size: size, Type: fileType(s.RFilename)})
	}

	return files, nil
}

// ResolveURL returns the download URL of file on the main revision.
func (c *Client) ResolveURL(modelID, file string) string {
	return c.baseURL + "/" + escapePath(modelID) + "/resolve/main/" + escapePath(file)
}

// Variants groups the GGUF files of a listing.
func Variants(files []RepoFile) []variant.Variant {
	in := make([]variant.File, 0, len(files))
	for _, f := range files {
		in = append(in, variant.File{Path: f.Path, Size: f.Size})
	}

	return variant.Group(in)
}

func (c *Client) getJSON(ctx context.Context, target, token string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.clientFor(token).Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, URL: target}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// clientFor returns a client authenticating with token, falling back to
// the configured one.
func (c *Client) clientFor(token string) *http.Client {
	if token == "" {
		token = c.token
	}

	if token == "" {
		return c.http
	}

	return &http.Client{
		Timeout: c.http.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   c.http.Transport,
		},
	}
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}

func fileType(name string) string {
	switch {
	case strings.HasSuffix(name, ".gguf"):
		return TypeGGUF
	case strings.HasSuffix(name, ".json"):
		return TypeConfig
	default:
		return TypeOther
	}
}
