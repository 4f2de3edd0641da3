package backlogworker

import (
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

	"bitbucket.org/mmdatafocus/slack2backlog_backend/slackevent"
)

// Issue is the created Backlog record.
type Issue struct {
	ID       int64  `json:"id"`
	IssueKey string `json:"issueKey"`
	Summary  string `json:"summary"`
}

// IssueCreator is the create side of the side-effect adapter.
type IssueCreator interface {
	CreateIssue(ctx context.Context, msg *slackevent.MessageEvent) (*Issue, error)
}

// DefaultSummary is used when the message is nothing but the trigger phrase.
const DefaultSummary = "Slackから登録されたタスク"

// BacklogClient talks to the Backlog v2 API. Constructed explicitly and
// passed in; no lazily-initialized process-wide handle.
type BacklogClient struct {
	space       string
	baseURL     string
	apiKey      string
	projectID   string
	issueTypeID string
	priorityID  string
	trigger     string
	http        *http.Client
}

func NewBacklogClient(space, apiKey, projectID, issueTypeID, priorityID, trigger string) (*BacklogClient, error) {
	if strings.TrimSpace(space) == "" {
		return nil, errors.New("backlog space is empty")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("backlog api key is empty")
	}
	if priorityID == "" {
		priorityID = "3"
	}
	return &BacklogClient{
		space:       space,
		baseURL:     "https://" + space,
		apiKey:      apiKey,
		projectID:   projectID,
		issueTypeID: issueTypeID,
		priorityID:  priorityID,
		trigger:     trigger,
		http:        &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// CreateIssue registers the message as a Backlog issue. The summary is the
// message text with the trigger phrase stripped; the description keeps the
// full original context for traceability.
func (c *BacklogClient) CreateIssue(ctx context.Context, msg *slackevent.MessageEvent) (*Issue, error) {
	summary := strings.TrimSpace(strings.Replace(msg.Text, c.trigger, "", 1))
	if summary == "" {
		summary = DefaultSummary
	}

	form := url.Values{}
	form.Set("projectId", c.projectID)
	form.Set("summary", summary)
	form.Set("issueTypeId", c.issueTypeID)
	form.Set("priorityId", c.priorityID)
	form.Set("description", issueDescription(msg))

	endpoint := fmt.Sprintf("%s/api/v2/issues?apiKey=%s", c.baseURL, url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backlog api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("decode backlog issue: %w", err)
	}
	return &issue, nil
}

// IssueURL is the human-facing link posted back to the thread.
func (c *BacklogClient) IssueURL(issueKey string) string {
	return fmt.Sprintf("https://%s/view/%s", c.space, issueKey)
}

func issueDescription(msg *slackevent.MessageEvent) string {
	return fmt.Sprintf(
		"Slackから自動登録されました。\n\n元のメッセージ:\n%s\n\n投稿者: <@%s>\nチャンネル: <#%s>\n時刻: %s",
		msg.Text, msg.User, msg.Channel, messageTime(msg.Ts),
	)
}

func messageTime(ts string) string {
	sec, err := strconv.ParseFloat(strings.TrimSpace(ts), 64)
	if err != nil {
		return ts
	}
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}
