package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marpies/mailcache/internal/model"
)

// Client defines the remote mail API surface the sync engine uses.
type Client interface {
	ListConversations(ctx context.Context, opts ListOptions) (*ConversationsResponse, error)
	ListMessages(ctx context.Context, opts ListOptions) (*MessagesResponse, error)
	LatestEventID(ctx context.Context) (string, error)
	Events(ctx context.Context, since string) (*EventsResponse, error)
	MarkRead(ctx context.Context, kind model.ItemKind, ids []string) error
	MarkUnread(ctx context.Context, kind model.ItemKind, ids []string) error
	ApplyLabel(ctx context.Context, kind model.ItemKind, labelID string, ids []string) error
	RemoveLabel(ctx context.Context, kind model.ItemKind, labelID string, ids []string) error
}

// ListOptions controls a paginated mailbox fetch.
type ListOptions struct {
	LabelID  string
	EndTime  int64 // unix seconds; 0 means newest first, no bound
	Page     int
	PageSize int
}

// TokenFunc supplies the current bearer token for a request. The
// session layer owns token lifetime; the client never caches it.
type TokenFunc func() string

// HTTPClient is a thin JSON client for the mail REST API. It handles
// bearer authentication, query building, and mapping of non-2xx
// responses to *Error values.
type HTTPClient struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the API rooted at baseURL.
// A zero timeout defaults to 30 seconds.
func NewHTTPClient(baseURL string, token TokenFunc, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListConversations fetches one page of a conversation-mode mailbox.
func (c *HTTPClient) ListConversations(
	ctx context.Context,
	opts ListOptions,
) (*ConversationsResponse, error) {
	var result ConversationsResponse
	if err := c.get(ctx, "/conversations"+listQuery(opts), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListMessages fetches one page of a message-mode mailbox.
func (c *HTTPClient) ListMessages(
	ctx context.Context,
	opts ListOptions,
) (*MessagesResponse, error) {
	var result MessagesResponse
	if err := c.get(ctx, "/messages"+listQuery(opts), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LatestEventID fetches the newest event log position.
func (c *HTTPClient) LatestEventID(ctx context.Context) (string, error) {
	var result LatestEventResponse
	if err := c.get(ctx, "/events/latest", &result); err != nil {
		return "", err
	}
	return result.EventID, nil
}

// Events fetches the change batch after the given cursor position.
func (c *HTTPClient) Events(ctx context.Context, since string) (*EventsResponse, error) {
	var result EventsResponse
	path := "/events?since=" + url.QueryEscape(since)
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead marks the given items read server-side.
func (c *HTTPClient) MarkRead(ctx context.Context, kind model.ItemKind, ids []string) error {
	return c.put(ctx, kindPath(kind)+"/read", idsRequest{IDs: ids}, nil)
}

// MarkUnread marks the given items unread server-side.
func (c *HTTPClient) MarkUnread(ctx context.Context, kind model.ItemKind, ids []string) error {
	return c.put(ctx, kindPath(kind)+"/unread", idsRequest{IDs: ids}, nil)
}

// ApplyLabel attaches a label to the given items server-side. Folder
// moves use the same endpoint with the destination label id.
func (c *HTTPClient) ApplyLabel(
	ctx context.Context,
	kind model.ItemKind,
	labelID string,
	ids []string,
) error {
	return c.put(ctx, kindPath(kind)+"/label", labelRequest{LabelID: labelID, IDs: ids}, nil)
}

// RemoveLabel detaches a label from the given items server-side.
func (c *HTTPClient) RemoveLabel(
	ctx context.Context,
	kind model.ItemKind,
	labelID string,
	ids []string,
) error {
	return c.put(ctx, kindPath(kind)+"/unlabel", labelRequest{LabelID: labelID, IDs: ids}, nil)
}

func kindPath(kind model.ItemKind) string {
	if kind == model.KindMessage {
		return "/messages"
	}
	return "/conversations"
}

func listQuery(opts ListOptions) string {
	q := url.Values{}
	q.Set("LabelID", opts.LabelID)
	q.Set("Sort", "Time")
	q.Set("Desc", "1")
	if opts.EndTime > 0 {
		q.Set("EndTime", strconv.FormatInt(opts.EndTime, 10))
	}
	if opts.Page > 0 {
		q.Set("Page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("PageSize", strconv.Itoa(opts.PageSize))
	}
	return "?" + q.Encode()
}

func (c *HTTPClient) get(ctx context.Context, path string, result interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *HTTPClient) put(ctx context.Context, path string, body, result interface{}) error {
	return c.do(ctx, http.MethodPut, path, body, result)
}

// do builds the request, handles auth headers, and maps non-2xx
// responses to *Error. Transport failures propagate unwrapped so the
// drain loop can classify them as connectivity problems.
func (c *HTTPClient) do(
	ctx context.Context,
	method string,
	path string,
	body interface{},
	result interface{},
) error {
	reqURL := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request %s %s: %w", method, path, err)
	}

	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("reading response body: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var domain struct {
			Code  int    `json:"Code"`
			Error string `json:"Error"`
		}
		if json.Unmarshal(respBody, &domain) == nil {
			apiErr.Code = domain.Code
			apiErr.Message = domain.Error
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
	}

	return nil
}
