package tas

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
	"time"
)

// ErrNotFound is returned by point lookups when TAS has no such object.
var ErrNotFound = errors.New("tas: not found")

// APIError is a TAS failure that is not a plain "not found". Callers treat it
// as a connectivity failure.
type APIError struct {
	StatusCode int
	Message    string
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tas %s: status %d: %s", e.Path, e.StatusCode, e.Message)
}

// Config holds the connection settings for a Client.
type Config struct {
	BaseURL      string
	ClientKey    string
	ClientSecret string
	Timeout      time.Duration
}

// Client talks to the TAS REST API with HTTP basic auth.
type Client struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
}

// NewClient returns a client for cfg. A zero timeout means 30 seconds.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.ClientKey,
		secret:  cfg.ClientSecret,
		http:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message *string         `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// get fetches path and decodes the envelope's result into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tas %s: build request: %w", path, err)
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tas %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tas %s: read body: %w", path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), Path: path}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "malformed envelope: " + err.Error(), Path: path}
	}
	if env.Status != "success" {
		msg := env.Status
		if env.Message != nil {
			msg = *env.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg, Path: path}
	}

	dec := json.NewDecoder(bytes.NewReader(env.Result))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("tas %s: decode result: %w", path, err)
	}
	return nil
}

// ProjectsForGroup lists the projects of a TAS group, each with its nested
// allocations and publications.
func (c *Client) ProjectsForGroup(ctx context.Context, group string) ([]Record, error) {
	var projects []Record
	if err := c.get(ctx, "/v1/projects/group/"+url.PathEscape(group), &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetUser returns the user with the given TAS id.
func (c *Client) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := c.get(ctx, "/v1/users/"+strconv.FormatInt(id, 10), &u)
	return u, err
}

// GetUserByUsername returns the user with the given username.
func (c *Client) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := c.get(ctx, "/v1/users/username/"+url.PathEscape(username), &u)
	return u, err
}

// ProjectUsers lists the members of a project.
func (c *Client) ProjectUsers(ctx context.Context, projectID int64) ([]User, error) {
	var users []User
	if err := c.get(ctx, "/v1/projects/"+strconv.FormatInt(projectID, 10)+"/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Institutions lists the TAS institutions.
func (c *Client) Institutions(ctx context.Context) ([]Institution, error) {
	var insts []Institution
	if err := c.get(ctx, "/v1/institutions", &insts); err != nil {
		return nil, err
	}
	return insts, nil
}

// Fields returns the science field hierarchy.
func (c *Client) Fields(ctx context.Context) ([]Field, error) {
	var fields []Field
	if err := c.get(ctx, "/v1/fields", &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
