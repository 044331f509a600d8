package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"hackthestudy/internal/domain"
)

// classifyHTTP maps a provider status/code pair onto the pipeline's
// transient/fatal split. Quota exhaustion is fatal even though it arrives as 429.
func classifyHTTP(provider string, status int, code string, err error) error {
	c := strings.ToLower(code)
	switch {
	case strings.Contains(c, "insufficient_quota"), strings.Contains(c, "billing"), c == "quota_exceeded":
		return fmt.Errorf("%w: %s quota exceeded: %v", domain.ErrFatalLLM, provider, err)
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return fmt.Errorf("%w: %s status %d: %v", domain.ErrTransientLLM, provider, status, err)
	case status >= 400:
		return fmt.Errorf("%w: %s status %d: %v", domain.ErrFatalLLM, provider, status, err)
	}
	return classifyGeneric(provider, err)
}

// classifyGeneric handles transport level failures without a status code.
func classifyGeneric(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s timeout: %v", domain.ErrTransientLLM, provider, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransientLLM, provider, err)
}
