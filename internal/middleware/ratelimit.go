package middleware

import (
	"fmt"
	"net/http"

	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/request"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	stdlibmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

const rateLimitPrefix = "cohort-tags:ratelimit"

// RateLimit limits requests per client IP. rate uses the limiter format ("100-M").
// With a redis client the counters are shared between replicas, otherwise they are
// kept in process. An empty rate disables limiting.
func RateLimit(rate string, redisClient redis.UniversalClient, log *zap.Logger) (func(http.Handler) http.Handler, error) {
	if rate == "" {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rate limit %q: %w", rate, err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = redisstore.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: rateLimitPrefix})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
		}
	} else {
		store = memorystore.NewStoreWithOptions(limiter.StoreOptions{Prefix: rateLimitPrefix})
	}

	instance := limiter.New(store, parsed)
	mw := stdlibmw.NewMiddleware(instance,
		stdlibmw.WithKeyGetter(request.ClientIP),
		stdlibmw.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			log.Warn("rate_limit_exceeded",
				zap.String("path", logger.SanitizePath(r.URL.Path)),
				zap.String("client_ip", logger.SanitizeString(request.ClientIP(r), 64)),
			)
			WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", log)
		}),
		stdlibmw.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error("rate_limit_store_failed", zap.String("error", logger.SanitizeError(err)))
			WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "rate limiter unavailable", log)
		}),
	)
	return mw.Handler, nil
}
