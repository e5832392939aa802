package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"docsync/pkg/protocol"
)

var (
	// ErrForbidden means the server refused an edit; forwarding stops for good
	ErrForbidden    = errors.New("edit permission denied")
	ErrRoomNotFound = errors.New("room not found")
)

// errStreamDestroyed ends a push stream whose document was destroyed
var errStreamDestroyed = errors.New("document destroyed")

// PollClient speaks the poll endpoints of the server
type PollClient struct {
	baseURL string
	token   string
	http    *http.Client

	// subscriber ties posted presence to the push stream opened with the same id
	subscriber string
}

func NewPollClient(baseURL, token string, httpClient *http.Client) *PollClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &PollClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// endpoint builds path/room with a cache-busting query so intermediaries
// never serve a stale answer
func (c *PollClient) endpoint(path, room string, query url.Values) string {
	u := c.baseURL + path + url.PathEscape(room) + "?" + uuid.NewString()
	if len(query) > 0 {
		u += "&" + query.Encode()
	}
	return u
}

func (c *PollClient) newRequest(ctx context.Context, method, target string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return ErrRoomNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *PollClient) post(ctx context.Context, path, room string, body, out any) error {
	query := url.Values{}
	if c.subscriber != "" {
		query.Set("subscriber", c.subscriber)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(path, room, query), body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// PostMessage forwards one protocol frame. updated=false asks for a full sync.
func (c *PollClient) PostMessage(ctx context.Context, room string, frame []byte) (bool, error) {
	var resp protocol.MessageResponse
	err := c.post(ctx, "/poll/message/", room, protocol.MessageRequest{Message64: protocol.EncodeBase64(frame)}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Updated, nil
}

// Sync posts the full local state and returns the merged canonical state,
// nil when the server sent none
func (c *PollClient) Sync(ctx context.Context, room string, state []byte) ([]byte, error) {
	var resp protocol.SyncResponse
	err := c.post(ctx, "/poll/sync/", room, protocol.SyncRequest{LocalDoc64: protocol.EncodeBase64(state)}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.SyncDoc64 == "" {
		return nil, nil
	}
	return protocol.DecodeBase64(resp.SyncDoc64)
}

// Stream opens the push channel and calls fn for every event until the
// stream ends, ctx is done, or fn returns false. A destroy event ends the
// stream with errStreamDestroyed.
func (c *PollClient) Stream(ctx context.Context, room, subscriber string, fn func(*protocol.PushEvent) bool) error {
	query := url.Values{}
	if subscriber != "" {
		query.Set("subscriber", subscriber)
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/poll/message/", room, query), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			// blank separators and keep-alive comments
			continue
		}
		e, err := protocol.UnmarshalPushEvent([]byte(strings.TrimSpace(data)))
		if err != nil {
			return fmt.Errorf("failed to decode push event: %w", err)
		}
		if e.IsDestroy() {
			fn(e)
			return errStreamDestroyed
		}
		if !fn(e) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
