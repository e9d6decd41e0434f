// Package retry 为外部进程调用（jadx 反编译、队列连接）提供有限次数的重试
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy 重试策略
type Policy struct {
	Attempts int           // 最大尝试次数，小于 1 视为 1
	Delay    time.Duration // 首次重试前的等待
	MaxDelay time.Duration // 指数退避上限，0 表示不退避
}

// DefaultPolicy 默认策略：最多 3 次，1s 起指数退避到 30s
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: time.Second, MaxDelay: 30 * time.Second}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的错误（如可执行文件不存在）
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否不可重试
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do 按策略执行 fn，直到成功、遇到不可重试错误或次数用尽
func Do(ctx context.Context, policy Policy, logger *logrus.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.Delay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 && logger != nil {
				logger.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Info("Operation succeeded after retry")
			}
			return nil
		}

		if IsPermanent(lastErr) {
			return fmt.Errorf("%s failed: %w", op, lastErr)
		}
		if attempt == attempts {
			break
		}

		if logger != nil {
			logger.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"max":     attempts,
				"wait":    delay,
			}).WithError(lastErr).Warn("Operation failed, retrying")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during wait: %w", op, ctx.Err())
		case <-time.After(delay):
		}

		if policy.MaxDelay > 0 {
			delay *= 2
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
