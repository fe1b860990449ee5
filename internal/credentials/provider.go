package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/healthbridge/ahi-uploader/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("ahi-uploader-credentials")

// RefreshThreshold is how long before expiration a cached credential
// record is considered stale and refreshed.
const RefreshThreshold = 15 * time.Minute

// validateResponse is the wire shape of the session-validation endpoint.
type validateResponse struct {
	Credentials struct {
		AccessKeyID     string `json:"AccessKeyId"`
		SecretAccessKey string `json:"SecretAccessKey"`
		SessionToken    string `json:"SessionToken"`
		Expiration      string `json:"Expiration"`
	} `json:"Credentials"`
	AppConfig models.AppConfig `json:"app_config"`
}

// Provider caches temporary credentials and the app config delivered by
// the session-validation endpoint. Refreshes near expiry are transparent
// and de-duplicated: concurrent callers of an in-flight refresh all
// receive the same resolved record from a single network call.
//
// Construct one Provider at startup and inject it into the uploader,
// orchestrator and importer.
type Provider struct {
	endpoint    string
	cookieName  string
	cookieValue string
	client      *http.Client
	threshold   time.Duration
	now         func() time.Time

	mu        sync.Mutex
	cached    *models.Credentials
	appConfig models.AppConfig

	group singleflight.Group
}

// NewProvider creates a credential provider backed by the given
// validation endpoint. The session cookie authenticates the GET.
func NewProvider(endpoint, cookieName, cookieValue string, client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Provider{
		endpoint:    endpoint,
		cookieName:  cookieName,
		cookieValue: cookieValue,
		client:      client,
		threshold:   RefreshThreshold,
		now:         time.Now,
	}
}

// Credentials returns the cached record if it is still fresh, refreshing
// it otherwise. An unauthenticated session yields a record with an empty
// access key and an epoch expiration rather than an error; callers must
// check for the empty-access-key sentinel. Transport failures propagate
// as errors.
func (p *Provider) Credentials(ctx context.Context) (models.Credentials, error) {
	p.mu.Lock()
	if p.cached != nil && !p.expired(*p.cached) {
		creds := *p.cached
		p.mu.Unlock()
		return creds, nil
	}
	p.mu.Unlock()

	return p.refresh(ctx)
}

// SigningCredentials projects the current record into the triple needed
// for request signing.
func (p *Provider) SigningCredentials(ctx context.Context) (models.SigningCredentials, error) {
	creds, err := p.Credentials(ctx)
	if err != nil {
		return models.SigningCredentials{}, err
	}
	return models.SigningCredentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}, nil
}

// AppConfig ensures credentials are fresh, then returns the last-fetched
// configuration.
func (p *Provider) AppConfig(ctx context.Context) (models.AppConfig, error) {
	if _, err := p.Credentials(ctx); err != nil {
		return models.AppConfig{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appConfig, nil
}

// ForceRefresh discards cached state and re-fetches unconditionally.
func (p *Provider) ForceRefresh(ctx context.Context) (models.Credentials, error) {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
	return p.refresh(ctx)
}

// Retrieve implements aws.CredentialsProvider so the provider can be
// handed directly to AWS service clients. Resolution happens per call,
// so a mid-retry refresh is honored automatically.
func (p *Provider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds, err := p.Credentials(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	return aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		CanExpire:       true,
		Expires:         creds.Expiration,
		Source:          "SessionValidationEndpoint",
	}, nil
}

func (p *Provider) expired(creds models.Credentials) bool {
	return !p.now().Before(creds.Expiration.Add(-p.threshold))
}

// refresh fetches through a singleflight group so that at most one
// network call is in flight regardless of caller count.
func (p *Provider) refresh(ctx context.Context) (models.Credentials, error) {
	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		creds, cfg, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.cached = &creds
		p.appConfig = cfg
		p.mu.Unlock()

		return creds, nil
	})
	if err != nil {
		return models.Credentials{}, err
	}
	return v.(models.Credentials), nil
}

func (p *Provider) fetch(ctx context.Context) (models.Credentials, models.AppConfig, error) {
	ctx, span := tracer.Start(ctx, "credentials.fetch",
		trace.WithAttributes(attribute.String("endpoint", p.endpoint)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		span.RecordError(err)
		return models.Credentials{}, models.AppConfig{}, fmt.Errorf("failed to build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cookieValue != "" {
		req.AddCookie(&http.Cookie{Name: p.cookieName, Value: p.cookieValue})
	}

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return models.Credentials{}, models.AppConfig{}, fmt.Errorf("failed to reach validation endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Unauthenticated session. Not an error at this boundary: hand
		// back the empty sentinel with an expiration in the past so the
		// next caller refreshes again.
		log.Printf("Session validation returned status %d", resp.StatusCode)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return models.Credentials{Expiration: time.Unix(0, 0).UTC()}, models.AppConfig{}, nil
	}

	var payload validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		span.RecordError(err)
		return models.Credentials{}, models.AppConfig{}, fmt.Errorf("failed to decode validate response: %w", err)
	}

	expiration, err := time.Parse(time.RFC3339, payload.Credentials.Expiration)
	if err != nil {
		span.RecordError(err)
		return models.Credentials{}, models.AppConfig{}, fmt.Errorf("failed to parse credential expiration: %w", err)
	}

	span.SetAttributes(attribute.Bool("refresh_success", true))

	return models.Credentials{
		AccessKeyID:     payload.Credentials.AccessKeyID,
		SecretAccessKey: payload.Credentials.SecretAccessKey,
		SessionToken:    payload.Credentials.SessionToken,
		Expiration:      expiration,
	}, payload.AppConfig, nil
}
