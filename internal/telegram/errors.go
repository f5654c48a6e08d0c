package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tgsync/internal/domain"
)

// defaultRetryAfter is used when the API reports flood control without a wait.
const defaultRetryAfter = time.Second

// mapError translates Bot API and transport failures into the domain taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RetryAfter > 0 || apiErr.Code == http.StatusTooManyRequests:
			wait := time.Duration(apiErr.RetryAfter) * time.Second
			if wait <= 0 {
				wait = defaultRetryAfter
			}
			return fmt.Errorf("%s: %w", op, &domain.RateLimitError{RetryAfter: wait})
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %s", op, domain.ErrSessionAuth, apiErr.Message)
		case apiErr.Code >= 500:
			return fmt.Errorf("%s: %w: telegram %d: %s", op, domain.ErrTransient, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%s: telegram %d: %s", op, apiErr.Code, apiErr.Message)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
