package backlogworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ThreadPoster is the reply side of the side-effect adapter.
type ThreadPoster interface {
	PostToThread(ctx context.Context, channel, threadTs, text string) error
}

// SlackClient posts messages through the Slack Web API.
type SlackClient struct {
	token   string
	baseURL string
	http    *http.Client
}

func NewSlackClient(botToken string) (*SlackClient, error) {
	if strings.TrimSpace(botToken) == "" {
		return nil, errors.New("slack bot token is empty")
	}
	return &SlackClient{
		token:   botToken,
		baseURL: "https://slack.com/api",
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type postMessageRequest struct {
	Channel     string `json:"channel"`
	ThreadTs    string `json:"thread_ts,omitempty"`
	Text        string `json:"text"`
	UnfurlLinks bool   `json:"unfurl_links"`
}

type postMessageResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Ts    string `json:"ts,omitempty"`
}

// PostToThread replies in the thread of the originating message. Slack wraps
// API failures in a 200 with ok:false, so both layers are checked.
func (c *SlackClient) PostToThread(ctx context.Context, channel, threadTs, text string) error {
	payload, err := json.Marshal(postMessageRequest{
		Channel:     channel,
		ThreadTs:    threadTs,
		Text:        text,
		UnfurlLinks: false,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed postMessageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !parsed.Ok {
		return fmt.Errorf("slack api error: %s", parsed.Error)
	}
	return nil
}
