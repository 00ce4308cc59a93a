package gcp

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// SecretPrefix marks a configuration value as a Secret Manager reference,
// for example "gcpsm://nats-token".
const SecretPrefix = "gcpsm://"

// SecretFetcher fetches secret payloads.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, secretPath string) (string, error)
	Close() error
}

// SecretManagerClient fetches secrets from Secret Manager.
type SecretManagerClient struct {
	client    *secretmanager.Client
	projectID string
}

// NewSecretManagerClient opens a client for the current project.
func NewSecretManagerClient(ctx context.Context, opts ...option.ClientOption) (*SecretManagerClient, error) {
	projectID, err := getProjectID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get project ID: %w", err)
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	return &SecretManagerClient{client: client, projectID: projectID}, nil
}

// getProjectID prefers the usual environment variables and falls back to the
// metadata server.
func getProjectID(ctx context.Context) (string, error) {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GCLOUD_PROJECT"} {
		if id := os.Getenv(key); id != "" {
			return id, nil
		}
	}
	return metadataField(ctx, "project/project-id")
}

// FetchSecret returns the payload of secretPath, which may be a bare secret
// name, a full secret resource name, or a full version resource name.
func (c *SecretManagerClient) FetchSecret(ctx context.Context, secretPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := c.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: normalizeSecretPath(c.projectID, secretPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}
	return string(result.GetPayload().GetData()), nil
}

// Close releases the client.
func (c *SecretManagerClient) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func normalizeSecretPath(projectID, secretPath string) string {
	if strings.HasPrefix(secretPath, "projects/") {
		if strings.Contains(secretPath, "/versions/") {
			return secretPath
		}
		if strings.Contains(secretPath, "/secrets/") {
			return secretPath + "/versions/latest"
		}
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, path.Base(secretPath))
}

// ResolveSecret returns value unchanged unless it carries SecretPrefix, in
// which case the referenced secret is fetched and trimmed.
func ResolveSecret(ctx context.Context, f SecretFetcher, value string) (string, error) {
	ref, ok := strings.CutPrefix(value, SecretPrefix)
	if !ok {
		return value, nil
	}
	if f == nil {
		return "", fmt.Errorf("secret reference %q needs a secret fetcher", value)
	}
	secret, err := f.FetchSecret(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(secret), nil
}

// IsSecretRef reports whether value carries SecretPrefix.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, SecretPrefix)
}
