// Package openaiclient builds openai-go clients from a config section and
// maps their errors onto the backend taxonomy.
package openaiclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"chatbot/internal/backend"
	"chatbot/internal/config"
)

// New reads api_key, base_url and max_retries from sec. defaultBase is used
// when the section has no base_url.
func New(httpClient *http.Client, sec config.Section, defaultBase string) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(sec.String("api_key", "")),
		option.WithMaxRetries(sec.Int("max_retries", 1)),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if base := sec.String("base_url", defaultBase); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return openai.NewClient(opts...)
}

// Classify turns API status codes into taxonomy errors; transport errors
// go through backend.Classify.
func Classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return backend.Classify(err)
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: %v", backend.ErrConfig, err)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return fmt.Errorf("%w: %v", backend.ErrInput, err)
	}
	return fmt.Errorf("%w: %v", backend.ErrUpstream, err)
}
