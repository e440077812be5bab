package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/newswallproject/newswall/internal/domain"
)

const apiKeyHeader = "X-Api-Key"

// apiKeyChecker validates the ingest API key header. An empty key list
// disables the check, for development setups.
type apiKeyChecker struct {
	keys []string
}

func newApiKeyChecker(keys []string) *apiKeyChecker {
	return &apiKeyChecker{keys: keys}
}

func (c *apiKeyChecker) Authenticate(r *http.Request) error {
	if len(c.keys) == 0 {
		return nil
	}
	supplied := r.Header.Get(apiKeyHeader)
	if supplied == "" {
		return &domain.ErrUnauthorized{Message: "missing API key"}
	}
	for _, key := range c.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(supplied)) == 1 {
			return nil
		}
	}
	return &domain.ErrUnauthorized{Message: "invalid API key"}
}
