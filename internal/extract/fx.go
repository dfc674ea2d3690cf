package extract

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/cashup/internal/cache"
	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/extract/adapters"
	"github.com/smallbiznis/cashup/internal/extract/adapters/cloudocr"
	"github.com/smallbiznis/cashup/internal/extract/adapters/layout"
	"github.com/smallbiznis/cashup/internal/extract/adapters/pattern"
	"github.com/smallbiznis/cashup/internal/extract/domain"
	"github.com/smallbiznis/cashup/internal/extract/loader"
	"github.com/smallbiznis/cashup/internal/extract/repository"
	"github.com/smallbiznis/cashup/internal/extract/service"
	"github.com/smallbiznis/cashup/internal/observability/tracing"
)

var Module = fx.Module("extract",
	fx.Provide(
		provideDocumentCache,
		provideLoader,
		provideRegistry,
		repository.Provide,
		service.Provide,
	),
)

func provideDocumentCache(cfg config.Config) cache.DocumentCache {
	return cache.NewDocumentCache(cfg.Extractor.DocumentCacheTTL)
}

func provideLoader(documents cache.DocumentCache, log *zap.Logger) loader.Loader {
	client := tracing.WrapHTTPClient(&http.Client{Timeout: 30 * time.Second})
	return loader.New(client, documents, log)
}

// provideRegistry builds every tier whose configuration is present.
// The pattern tier is always available; layout and cloud join the
// cascade only when their endpoints are configured.
func provideRegistry(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*adapters.Registry, error) {
	extractors := []domain.TierExtractor{pattern.New()}

	layoutCfg := cfg.Extractor.Layout
	if layoutCfg.APIKey != "" || layoutCfg.Endpoint != "" {
		layoutExtractor, err := layout.New(layout.Config{
			Endpoint: layoutCfg.Endpoint,
			APIKey:   layoutCfg.APIKey,
			Model:    layoutCfg.Model,
		})
		if err != nil {
			return nil, err
		}
		extractors = append(extractors, layoutExtractor)
	} else {
		log.Info("layout extraction tier disabled: no endpoint configured")
	}

	cloudCfg := cfg.Extractor.Cloud
	if cloudCfg.ProjectID != "" && cloudCfg.ProcessorID != "" {
		cloudExtractor, err := cloudocr.New(context.Background(), cloudocr.Config{
			ProjectID:       cloudCfg.ProjectID,
			Location:        cloudCfg.Location,
			ProcessorID:     cloudCfg.ProcessorID,
			CredentialsFile: cloudCfg.CredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return cloudExtractor.Close()
			},
		})
		extractors = append(extractors, cloudExtractor)
	} else {
		log.Info("cloud extraction tier disabled: no processor configured")
	}

	return adapters.NewRegistry(extractors...), nil
}
