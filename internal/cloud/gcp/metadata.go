package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

// StatusKey is the instance metadata key run status is written to.
const StatusKey = "taskflow-status"

// metadataBaseURL is a variable so tests can point it at a local server.
var metadataBaseURL = "http://metadata.google.internal/computeMetadata/v1/"

// RunStatus is the JSON document stored under StatusKey.
type RunStatus struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusPublisher records run status somewhere an operator can poll it.
type StatusPublisher interface {
	Publish(ctx context.Context, status RunStatus) error
}

// InstanceAPI is the part of the Compute API used for metadata updates.
type InstanceAPI interface {
	GetInstance(ctx context.Context, project, zone, instance string) (*compute.Instance, error)
	SetMetadata(ctx context.Context, project, zone, instance string, md *compute.Metadata) error
}

type computeAPI struct {
	svc *compute.Service
}

func (a computeAPI) GetInstance(ctx context.Context, project, zone, instance string) (*compute.Instance, error) {
	return a.svc.Instances.Get(project, zone, instance).Context(ctx).Do()
}

func (a computeAPI) SetMetadata(ctx context.Context, project, zone, instance string, md *compute.Metadata) error {
	_, err := a.svc.Instances.SetMetadata(project, zone, instance, md).Context(ctx).Do()
	return err
}

// MetadataPublisher writes RunStatus to the current VM's metadata.
type MetadataPublisher struct {
	api      InstanceAPI
	project  string
	zone     string
	instance string
}

// NewMetadataPublisher discovers project, zone and instance from the metadata
// server and opens a Compute API client.
func NewMetadataPublisher(ctx context.Context, opts ...option.ClientOption) (*MetadataPublisher, error) {
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	project, err := metadataField(ctx, "project/project-id")
	if err != nil {
		return nil, err
	}
	zone, err := metadataField(ctx, "instance/zone")
	if err != nil {
		return nil, err
	}
	instance, err := metadataField(ctx, "instance/name")
	if err != nil {
		return nil, err
	}
	return NewMetadataPublisherWithAPI(computeAPI{svc: svc}, project, zone, instance), nil
}

// NewMetadataPublisherWithAPI uses api directly. zone may be the full
// "projects/P/zones/Z" form returned by the metadata server.
func NewMetadataPublisherWithAPI(api InstanceAPI, project, zone, instance string) *MetadataPublisher {
	if i := strings.LastIndex(zone, "/"); i >= 0 {
		zone = zone[i+1:]
	}
	return &MetadataPublisher{api: api, project: project, zone: zone, instance: instance}
}

// Publish upserts StatusKey. The fingerprint from the read makes the write
// fail instead of clobbering a concurrent update.
func (p *MetadataPublisher) Publish(ctx context.Context, status RunStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	inst, err := p.api.GetInstance(ctx, p.project, p.zone, p.instance)
	if err != nil {
		return fmt.Errorf("failed to get instance metadata: %w", err)
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	value := string(data)

	md := inst.Metadata
	if md == nil {
		md = &compute.Metadata{}
	}
	found := false
	for _, item := range md.Items {
		if item.Key == StatusKey {
			item.Value = &value
			found = true
			break
		}
	}
	if !found {
		md.Items = append(md.Items, &compute.MetadataItems{Key: StatusKey, Value: &value})
	}

	if err := p.api.SetMetadata(ctx, p.project, p.zone, p.instance, md); err != nil {
		return fmt.Errorf("failed to set instance metadata: %w", err)
	}
	return nil
}

// IsRunningOnGCP reports whether the metadata server answers.
func IsRunningOnGCP() bool {
	client := &http.Client{Timeout: 200 * time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, metadataBaseURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// metadataField reads one value, such as "instance/name", from the metadata
// server.
func metadataField(ctx context.Context, field string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataBaseURL+field, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch metadata field %s: %w", field, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata server returned status %d for %s", resp.StatusCode, field)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata response: %w", err)
	}
	value := strings.TrimSpace(string(body))
	if value == "" {
		return "", fmt.Errorf("empty value for metadata field %s", field)
	}
	return value, nil
}
