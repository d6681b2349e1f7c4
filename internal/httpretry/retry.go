// retry.go — повтор HTTP-запросов к внешним API (Plat'AU, Syncplicity).
// Ответы 429/500/503 и транспортные ошибки повторяются с экспоненциальной
// задержкой: Backoff, 2·Backoff, 4·Backoff, ...
package httpretry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	DefaultMaxRetries = 5
	DefaultBackoff    = time.Second
)

// ErrExhausted — транспортная ошибка не устранена повторами.
var ErrExhausted = errors.New("повторы HTTP-запроса исчерпаны")

// Info описывает один повтор.
type Info struct {
	Attempt int // номер повтора, начиная с 1
	Delay   time.Duration
	// Статус ответа, вызвавшего повтор (0 при транспортной ошибке)
	StatusCode int
	Err        error
}

// Policy — параметры повторов.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
	// Ожидание между попытками (nil — SleepContext)
	Sleep func(ctx context.Context, d time.Duration) error
	// Вызывается перед каждым повтором
	OnRetry func(Info)
}

// DefaultPolicy — 5 повторов, задержка от 1s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}
}

// ExhaustedError — последняя транспортная ошибка и число попыток.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("запрос не выполнен после %d попыток: %v", e.Attempts, e.Err)
}

// Unwrap позволяет errors.Is находить как ErrExhausted, так и исходную ошибку.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку попытки как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do вызывает attempt, пока тот возвращает транспортную ошибку или
// повторяемый статус и не исчерпан лимит повторов.
// attempt возвращает результат и статус ответа (0 вместе с ошибкой).
// Ответ с повторяемым статусом после исчерпания повторов возвращается
// вызывающему как есть.
func Do[T any](ctx context.Context, p Policy, attempt func(ctx context.Context) (T, int, error)) (T, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	delay := p.Backoff

	for n := 0; ; n++ {
		result, status, err := attempt(ctx)

		var perm *permanentError
		switch {
		case err != nil && errors.As(err, &perm):
			var zero T
			return zero, perm.err
		case err != nil:
			var zero T
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			if n >= p.MaxRetries {
				return zero, &ExhaustedError{Attempts: n + 1, Err: err}
			}
		case IsRetryableStatus(status) && n < p.MaxRetries:
		default:
			return result, nil
		}

		if p.OnRetry != nil {
			p.OnRetry(Info{Attempt: n + 1, Delay: delay, StatusCode: status, Err: err})
		}
		if err := sleep(ctx, delay); err != nil {
			var zero T
			return zero, err
		}
		delay *= 2
	}
}

// IsRetryableStatus — статусы, при которых запрос повторяется.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusInternalServerError ||
		status == http.StatusServiceUnavailable
}

// SleepContext ждёт d или отмены контекста.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
