package mountsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func isNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// RemoteItem is the item metadata served by /api/items/{id}.
type RemoteItem struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	OwnerID       string `json:"owner_id"`
	MimeType      string `json:"mime_type"`
	ContentSize   int64  `json:"content_size"`
	ContentSHA256 string `json:"content_sha256"`
	ShareID       string `json:"share_id,omitempty"`
	UpdatedTime   int64  `json:"updated_time"`
}

type RemoteChange struct {
	ID          int64  `json:"id"`
	ItemID      string `json:"item_id"`
	ItemName    string `json:"item_name"`
	Type        string `json:"type"`
	OwnerID     string `json:"owner_id"`
	ShareID     string `json:"share_id,omitempty"`
	UpdatedTime int64  `json:"updated_time"`
}

type DeltaPage struct {
	Items   []RemoteChange `json:"items"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

// RemoteClient is the part of the REST surface the syncer needs. ref is an
// item id or a root:/name: path.
type RemoteClient interface {
	Delta(ctx context.Context, cursor string, limit int) (DeltaPage, error)
	GetItem(ctx context.Context, ref string) (RemoteItem, error)
	ReadContent(ctx context.Context, ref string) ([]byte, error)
	PutContent(ctx context.Context, ref string, content []byte, contentType string) (RemoteItem, error)
	DeleteItem(ctx context.Context, ref string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// PathRef formats an item name as a root:/name: reference.
func PathRef(name string) string {
	return "root:/" + strings.Trim(name, "/") + ":"
}

func itemPath(ref, sub string) string {
	p := "/api/items/" + url.PathEscape(ref)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *HTTPClient) Delta(ctx context.Context, cursor string, limit int) (DeltaPage, error) {
	q := url.Values{}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out DeltaPage
	resp, err := c.do(ctx, http.MethodGet, itemPath("root", "delta")+"?"+q.Encode(), nil)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(resp, &out)
}

func (c *HTTPClient) GetItem(ctx context.Context, ref string) (RemoteItem, error) {
	var out RemoteItem
	resp, err := c.do(ctx, http.MethodGet, itemPath(ref, ""), nil)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(resp, &out)
}

func (c *HTTPClient) ReadContent(ctx context.Context, ref string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, itemPath(ref, "content"), nil)
}

// PutContent uploads content as the "file" part of a multipart form.
func (c *HTTPClient) PutContent(ctx context.Context, ref string, content []byte, contentType string) (RemoteItem, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, path.Base(strings.Trim(ref, ":"))))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return RemoteItem{}, err
	}
	if _, err := part.Write(content); err != nil {
		return RemoteItem{}, err
	}
	if err := mw.Close(); err != nil {
		return RemoteItem{}, err
	}
	var out RemoteItem
	resp, err := c.do(ctx, http.MethodPut, itemPath(ref, "content"), &requestBody{
		contentType: mw.FormDataContentType(),
		data:        body.Bytes(),
	})
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(resp, &out)
}

func (c *HTTPClient) DeleteItem(ctx context.Context, ref string) error {
	_, err := c.do(ctx, http.MethodDelete, itemPath(ref, ""), nil)
	return err
}

// Subscribe holds a websocket open on the delta feed and calls notify with
// every sequence the server announces. It returns when ctx is done or the
// connection drops.
func (c *HTTPClient) Subscribe(ctx context.Context, notify func(sequence int64)) error {
	wsURL := c.baseURL + itemPath("root", "delta/subscribe")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			"Authorization":    []string{"Bearer " + c.token},
			"X-Correlation-Id": []string{correlationID()},
		},
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	for {
		var notice struct {
			Type     string `json:"type"`
			Sequence int64  `json:"sequence"`
		}
		if err := wsjson.Read(ctx, conn, &notice); err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return ctx.Err()
			}
			return err
		}
		if notice.Type == "changes" {
			notify(notice.Sequence)
		}
	}
}

type requestBody struct {
	contentType string
	data        []byte
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath string, body *requestBody) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body.data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", body.contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "mount_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
