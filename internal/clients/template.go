package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Belladihno/email-service/internal/cache"
	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/resilience"
)

const templateLookupTimeout = 5 * time.Second

// TemplateClient resolves raw templates from the template service, cached
// for ten minutes and guarded by the "template-service" breaker, and
// performs local {{variable}} substitution.
type TemplateClient struct {
	client  *resty.Client
	breaker *resilience.Breaker
	cache   *cache.Cache
	logger  *slog.Logger
}

func NewTemplateClient(baseURL string, breaker *resilience.Breaker, c *cache.Cache, logger *slog.Logger) *TemplateClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateClient{
		client:  newHTTPClient(baseURL, templateLookupTimeout),
		breaker: breaker,
		cache:   c,
		logger:  logger,
	}
}

func (tc *TemplateClient) GetByCode(ctx context.Context, code, correlationID string) (domain.Template, error) {
	key := fmt.Sprintf("template:%s", code)

	return cache.Resolve(ctx, tc.cache, "template", key, cache.TemplateTTL, func(ctx context.Context) (domain.Template, error) {
		tc.logger.Debug("fetching template from template service",
			"template_code", code,
			"request_id", correlationID,
		)

		// A 404 is a healthy answer, not a dependency failure: it must
		// not count against the breaker.
		var template domain.Template
		notFound := false
		err := tc.breaker.Execute(ctx, DependencyTemplateService, func() error {
			var envelope apiResponse[domain.Template]
			resp, err := tc.client.R().
				SetContext(ctx).
				SetHeader(correlationHeader, correlationID).
				SetResult(&envelope).
				Get(fmt.Sprintf("/api/v1/templates/code/%s", code))
			if err != nil {
				return fmt.Errorf("template service request: %w", err)
			}
			if resp.StatusCode() == http.StatusNotFound {
				notFound = true
				return nil
			}
			if resp.IsError() {
				return fmt.Errorf("template service returned status %d", resp.StatusCode())
			}
			if !envelope.Success || envelope.Data == nil {
				notFound = true
				return nil
			}
			template = *envelope.Data
			return nil
		})
		if err != nil {
			return domain.Template{}, err
		}
		if notFound {
			return domain.Template{}, fmt.Errorf("template %s: %w", code, domain.ErrNotFound)
		}
		return template, nil
	})
}

// Render substitutes {{name}}-style placeholders in the template's subject
// and body. Placeholders may carry surrounding whitespace: {{ name }}.
// Unknown placeholders are left untouched.
func (tc *TemplateClient) Render(template domain.Template, variables domain.TemplateVariables) (subject, body string) {
	values := map[string]string{
		"name": variables.Name,
		"link": variables.Link,
	}
	for k, v := range variables.Meta {
		values[k] = v
	}

	subject = template.Subject
	body = template.Body
	for key, value := range values {
		re := regexp.MustCompile(`\{\{\s*` + regexp.QuoteMeta(key) + `\s*\}\}`)
		subject = re.ReplaceAllString(subject, value)
		body = re.ReplaceAllString(body, value)
	}
	return subject, body
}
