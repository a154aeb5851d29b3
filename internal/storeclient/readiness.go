package storeclient

import (
	"context"
	"fmt"
	"time"
)

// ReadinessChecker — проверка доступности dedup store для health endpoint.
type ReadinessChecker struct {
	client  *Client
	timeout time.Duration
}

// NewReadinessChecker создаёт checker доступности store.
func NewReadinessChecker(client *Client, timeout time.Duration) *ReadinessChecker {
	return &ReadinessChecker{client: client, timeout: timeout}
}

// CheckReady проверяет доступность store дешёвым запросом статистики.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.client.GetStats(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("dedup store недоступен: %v", err)
	}
	return "ok", fmt.Sprintf("store доступен, записей: %d", stats.TotalFiles)
}
