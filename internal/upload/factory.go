package upload

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MacJediWizard/autobackup/internal/config"
)

// EndpointsFromConfig builds the ranked endpoint list. The order of
// cfg.Upload.Endpoints is preserved.
func EndpointsFromConfig(ctx context.Context, cfg *config.Config, httpClient *http.Client) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, len(cfg.Upload.Endpoints))
	for i := range cfg.Upload.Endpoints {
		ep := &cfg.Upload.Endpoints[i]
		built, err := newEndpoint(ctx, ep, httpClient)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d (%s): %w", i+1, ep.DisplayName(), err)
		}
		endpoints = append(endpoints, built)
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return endpoints, nil
}

func newEndpoint(ctx context.Context, ep *config.EndpointConfig, httpClient *http.Client) (Endpoint, error) {
	switch ep.Type {
	case config.EndpointGofile, "":
		return NewGofileEndpoint(ep.Name, ep.URL, httpClient), nil
	case config.EndpointS3:
		return NewS3Endpoint(ctx, ep.Name, ep.S3, httpClient)
	case config.EndpointSFTP:
		return NewSFTPEndpoint(ep.Name, ep.SFTP)
	default:
		return nil, fmt.Errorf("unsupported endpoint type %q", ep.Type)
	}
}

// OptionsFromConfig maps the upload section of cfg to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxServerRetries: cfg.Upload.MaxServerRetries,
		RetryDelay:       cfg.Upload.RetryDelay.D(),
		Timeout:          cfg.Upload.Timeout.D(),
	}
}
