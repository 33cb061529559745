package cmd

import (
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/doctorsflow/engage/pkg/cache"
	"github.com/doctorsflow/engage/pkg/dispatch"
	"github.com/doctorsflow/engage/pkg/ratelimit"
)

// NewDispatcher builds the channel dispatcher with providers configured from
// the environment.
func NewDispatcher(logs dispatch.MessageLogStore, logger *slog.Logger) *dispatch.Dispatcher {
	providers := []dispatch.Provider{
		dispatch.NewKakaoProvider(
			envOr("KAKAO_GATEWAY_URL", "https://api-alimtalk.cloud.toast.com"),
			os.Getenv("KAKAO_APP_KEY"),
			os.Getenv("KAKAO_SENDER_KEY"),
		),
		dispatch.NewSMSProvider(
			envOr("SMS_GATEWAY_URL", "https://api.coolsms.co.kr"),
			os.Getenv("COOLSMS_API_KEY"),
			os.Getenv("COOLSMS_API_SECRET"),
			os.Getenv("SMS_SENDER_PHONE"),
		),
		dispatch.NewEmailProvider(
			envOr("EMAIL_GATEWAY_URL", "https://api.mailer.example.com"),
			os.Getenv("EMAIL_API_KEY"),
			os.Getenv("EMAIL_FROM_ADDRESS"),
			os.Getenv("EMAIL_FROM_NAME"),
		),
	}

	return dispatch.NewDispatcher(providers, logs, logger)
}

// NewLimiterAndCache wires the rate limiter and cache. A Redis URL shares
// both across replicas; without one the in-process implementations serve a
// single binary.
func NewLimiterAndCache(redisURL string) (ratelimit.Limiter, cache.Cache, error) {
	if redisURL == "" {
		return ratelimit.NewWindowLimiter(ratelimit.DefaultLimit, ratelimit.DefaultWindow), cache.NewMemoryCache(), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, err
	}

	client := redis.NewClient(opts)

	return ratelimit.NewRedisLimiter(client, ratelimit.DefaultLimit, ratelimit.DefaultWindow),
		cache.NewRedisCache(client, "engage"), nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}
