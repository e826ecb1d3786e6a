// Package firestore owns the Firestore client used for durable idempotency records.
package firestore

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/config"
)

const (
	dialTimeout        = 10 * time.Second
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

// ErrProviderClosed is returned by Client after Close.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider dials the client on first use so a misconfigured project only fails the
// components that need it.
type Provider struct {
	projectID string
	emulator  string

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// NewProvider resolves the project from cfg, falling back to GOOGLE_CLOUD_PROJECT.
func NewProvider(cfg config.FirestoreConfig) *Provider {
	project := strings.TrimSpace(cfg.ProjectID)
	if project == "" {
		project = strings.TrimSpace(os.Getenv(envGoogleProjectID))
	}
	return &Provider{projectID: project, emulator: strings.TrimSpace(cfg.EmulatorHost)}
}

// Client returns the shared client.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	case p.projectID == "":
		return nil, errors.New("firestore: project id is required")
	}

	var opts []option.ClientOption
	if p.emulator != "" {
		opts = append(opts,
			option.WithEndpoint(p.emulator),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := firestore.NewClient(dialCtx, p.projectID, opts...)
	if err != nil {
		return nil, WrapError("dial", err)
	}
	p.client = client
	return client, nil
}

// Ping reads one collection id; an empty database still counts as reachable.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Collections(ctx).Next(); err != nil && !errors.Is(err, iterator.Done) {
		return WrapError("ping", err)
	}
	return nil
}

// Close releases the client for good.
func (p *Provider) Close() error {
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
