package secrets

import (
	"context"
	"fmt"
	"os"
)

// Secret ids used across the service.
const (
	SlackSecretID   = "slack2backlog-slack-secrets"
	BacklogSecretID = "slack2backlog-backlog-secrets"
)

// Keys within the secrets.
const (
	KeySigningSecret = "signing_secret"
	KeyBotToken      = "bot_token"
	KeyAPIKey        = "api_key"
)

// EnvSource serves secrets from environment variables. It is the default in
// local and Cloud Run deployments, where Secret Manager values are mounted
// as env vars.
type EnvSource struct{}

func (EnvSource) Fetch(ctx context.Context, secretID string) (map[string]string, error) {
	switch secretID {
	case SlackSecretID:
		return map[string]string{
			KeySigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
			KeyBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		}, nil
	case BacklogSecretID:
		return map[string]string{
			KeyAPIKey: os.Getenv("BACKLOG_API_KEY"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown secret id %q", secretID)
	}
}
