package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Belladihno/email-service/internal/cache"
	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/resilience"
)

const userLookupTimeout = 5 * time.Second

// UserClient resolves recipient profiles from the user service, cached for
// five minutes and guarded by the "user-service" breaker.
type UserClient struct {
	client  *resty.Client
	breaker *resilience.Breaker
	cache   *cache.Cache
	logger  *slog.Logger
}

func NewUserClient(baseURL string, breaker *resilience.Breaker, c *cache.Cache, logger *slog.Logger) *UserClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserClient{
		client:  newHTTPClient(baseURL, userLookupTimeout),
		breaker: breaker,
		cache:   c,
		logger:  logger,
	}
}

// GetByID returns the recipient profile. A missing user is a failure: the
// message cannot be delivered without an address.
func (uc *UserClient) GetByID(ctx context.Context, userID, correlationID string) (domain.User, error) {
	key := fmt.Sprintf("user:%s", userID)

	return cache.Resolve(ctx, uc.cache, "user", key, cache.UserTTL, func(ctx context.Context) (domain.User, error) {
		uc.logger.Debug("fetching user from user service",
			"user_id", userID,
			"request_id", correlationID,
		)

		// A 404 is a healthy answer from the service, not a dependency
		// failure: it must not count against the breaker.
		var user domain.User
		notFound := false
		err := uc.breaker.Execute(ctx, DependencyUserService, func() error {
			var envelope apiResponse[domain.User]
			resp, err := uc.client.R().
				SetContext(ctx).
				SetHeader(correlationHeader, correlationID).
				SetResult(&envelope).
				Get(fmt.Sprintf("/api/v1/users/%s", userID))
			if err != nil {
				return fmt.Errorf("user service request: %w", err)
			}
			if resp.StatusCode() == http.StatusNotFound {
				notFound = true
				return nil
			}
			if resp.IsError() {
				return fmt.Errorf("user service returned status %d", resp.StatusCode())
			}
			if !envelope.Success || envelope.Data == nil {
				notFound = true
				return nil
			}
			user = *envelope.Data
			return nil
		})
		if err != nil {
			return domain.User{}, err
		}
		if notFound {
			return domain.User{}, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		return user, nil
	})
}

// GetPreferences returns the recipient's channel preferences.
func (uc *UserClient) GetPreferences(ctx context.Context, userID, correlationID string) (domain.UserPreferences, error) {
	user, err := uc.GetByID(ctx, userID, correlationID)
	if err != nil {
		return domain.UserPreferences{}, err
	}
	return user.Preferences, nil
}
