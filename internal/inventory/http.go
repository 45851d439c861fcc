package inventory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"sshpool/internal/host"
	"sshpool/internal/logging"
)

const maxRecordSize = 1 << 20

// HTTPResolver fetches host records from GET <base>/<alias>.
// 404 means the alias is unknown; 5xx and transport errors are retried.
type HTTPResolver struct {
	client   *retryablehttp.Client
	baseURL  string
	token    string
	template *host.Identity
}

// NewHTTPResolver creates a resolver for baseURL
func NewHTTPResolver(baseURL, token string, timeout time.Duration, retryMax int, template *host.Identity) *HTTPResolver {
	client := retryablehttp.NewClient()
	client.Logger = retryLogger{logging.Logger().Sugar()}
	if retryMax > 0 {
		client.RetryMax = retryMax
	}
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient.Timeout = timeout

	return &HTTPResolver{
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		template: template,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, alias string) (*host.Identity, bool, error) {
	endpoint := r.baseURL + "/" + url.PathEscape(alias)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml, application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch host %s: %w", alias, err)
	}
	defer resp.Body.Close()

	logging.Logger().Debug("Inventory response",
		zap.String("alias", alias),
		zap.Int("status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("inventory returned status code %d for %s", resp.StatusCode, alias)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordSize))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read host %s: %w", alias, err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return nil, false, fmt.Errorf("host %s: %w", alias, err)
	}
	id, err := rec.Identity(r.template)
	if err != nil {
		return nil, false, fmt.Errorf("host %s: %w", alias, err)
	}
	return id, true, nil
}

// retryLogger routes retryablehttp's messages to zap
type retryLogger struct {
	l *zap.SugaredLogger
}

func (r retryLogger) Error(msg string, keysAndValues ...interface{}) {
	r.l.Errorw(msg, keysAndValues...)
}

func (r retryLogger) Info(msg string, keysAndValues ...interface{}) {
	r.l.Debugw(msg, keysAndValues...)
}

func (r retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	r.l.Debugw(msg, keysAndValues...)
}

func (r retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	r.l.Warnw(msg, keysAndValues...)
}
