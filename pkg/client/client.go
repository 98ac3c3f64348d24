package client

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Client talks to the conversation backend over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	authToken  string
	now        func() time.Time
}

type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not carry an overall timeout, since
// streamed answers can take arbitrarily long.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAuthToken sends token as a bearer token with every request.
func WithAuthToken(token string) Option {
	return func(cl *Client) {
		cl.authToken = token
	}
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		cl.now = now
	}
}

func New(baseURL string, policy URLPolicy, options ...Option) (*Client, error) {
	u, err := ParseBaseURL(baseURL, policy)
	if err != nil {
		return nil, err
	}
	ret := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func (c *Client) endpoint(elems ...string) string {
	return c.baseURL.JoinPath(elems...).String()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, errors.Wrap(err, "could not encode request body")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	log.Debug().Str("op", op).Str("method", req.Method).Str("url", req.URL.String()).Msg("backend request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		serr := newStatusError(op, resp, c.now())
		log.Debug().Str("op", op).Int("status", serr.StatusCode).Str("code", serr.Code).Msg("backend error")
		return nil, serr
	}
	return resp, nil
}

// CreateConversation creates a new persisted conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, title, model string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("api", "conversations"),
		CreateConversationRequest{Title: title, Model: model})
	if err != nil {
		return "", err
	}
	resp, err := c.do("create conversation", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out CreateConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "could not decode create conversation response")
	}
	if out.ID == "" {
		return "", errors.New("create conversation response has no id")
	}
	return out.ID, nil
}

// Complete sends a chat request. For a streamed answer the returned Stream must be
// closed by the caller; cancelling ctx aborts it.
func (c *Client) Complete(ctx context.Context, chatReq *ChatRequest) (*ChatResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("api", "chat"), chatReq)
	if err != nil {
		return nil, err
	}
	resp, err := c.do("chat", req)
	if err != nil {
		return nil, err
	}

	ret := &ChatResponse{
		UserMessageID:      resp.Header.Get(HeaderUserMessageID),
		AssistantMessageID: resp.Header.Get(HeaderAssistantMessageID),
	}
	if !isJSON(resp.Header.Get("Content-Type")) {
		ret.Stream = resp.Body
		return ret, nil
	}

	defer resp.Body.Close()
	var completion Completion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, errors.Wrap(err, "could not decode chat response")
	}
	ret.Completion = &completion
	return ret, nil
}

// LoadConversation fetches a persisted conversation with all of its messages.
func (c *Client) LoadConversation(ctx context.Context, id string) (*StoredConversation, error) {
	if id == "" {
		return nil, errors.New("conversation id is empty")
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("api", "conversations", id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do("load conversation", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out StoredConversation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "could not decode conversation %s", id)
	}
	return &out, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}
