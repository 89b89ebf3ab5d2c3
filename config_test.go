package apiclient_test

import (
	"bytes"
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sethvargo/go-envconfig"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

var _ = Describe("LoadConfig", func() {
	ctx := context.Background()

	It("applies defaults", func() {
		cfg, err := apiclient.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{
			"APICLIENT_BASE_URL": "https://api.example.com",
		}))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.BaseURL).To(Equal("https://api.example.com"))
		Expect(cfg.MaxAttempts).To(Equal(3))
		Expect(cfg.RetryBaseDelay).To(Equal(time.Second))
		Expect(cfg.RetryMaxDelay).To(Equal(30 * time.Second))
		Expect(cfg.RefreshPath).To(Equal("/auth/refresh"))
		Expect(cfg.CacheTTL).To(Equal(5 * time.Minute))
		Expect(cfg.CacheSize).To(Equal(1000))
		Expect(cfg.CircuitBreaker).To(BeFalse())
		Expect(cfg.LogLevel).To(Equal("info"))
	})

	It("reads overrides", func() {
		cfg, err := apiclient.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{
			"APICLIENT_BASE_URL":        "https://api.example.com",
			"APICLIENT_MAX_ATTEMPTS":    "5",
			"APICLIENT_CIRCUIT_BREAKER": "true",
			"APICLIENT_CACHE_TTL":       "1m",
			"APICLIENT_LOG_LEVEL":       "debug",
		}))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.MaxAttempts).To(Equal(5))
		Expect(cfg.CircuitBreaker).To(BeTrue())
		Expect(cfg.CacheTTL).To(Equal(time.Minute))
	})

	It("requires the base url", func() {
		_, err := apiclient.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{}))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("APICLIENT_BASE_URL"))
	})

	It("rejects an unknown log level", func() {
		_, err := apiclient.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{
			"APICLIENT_BASE_URL":  "https://api.example.com",
			"APICLIENT_LOG_LEVEL": "chatty",
		}))
		Expect(err).To(MatchError(ContainSubstring("invalid APICLIENT_LOG_LEVEL")))
	})

	It("builds a working client and logger", func() {
		cfg, err := apiclient.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{
			"APICLIENT_BASE_URL":        "https://api.example.com",
			"APICLIENT_CIRCUIT_BREAKER": "true",
			"APICLIENT_LOG_LEVEL":       "warn",
		}))
		Expect(err).NotTo(HaveOccurred())

		buf := &bytes.Buffer{}
		logger := cfg.NewLogger(buf)
		logger.Info("hidden")
		logger.Warn("shown")
		Expect(buf.String()).NotTo(ContainSubstring("hidden"))
		Expect(buf.String()).To(ContainSubstring("shown"))

		client, err := apiclient.NewClient(append(cfg.Options(), apiclient.WithLogger(quietLogger()))...)
		Expect(err).NotTo(HaveOccurred())
		defer client.Close()
		Expect(client.Health().Status).To(Equal("closed"))

		svc := apiclient.NewService[map[string]any](client, "items", cfg.ServiceOptions()...)
		Expect(svc.Cache().Len()).To(BeZero())
	})
})
