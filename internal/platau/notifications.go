package platau

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// NotificationService — поиск уведомлений.
type NotificationService struct {
	c *Client
}

// Search вызывает GET notifications с параметрами запроса.
// Ключ notifications ответа обязан быть массивом.
// Публичный API клиента: командами шлюза не вызывается.
func (s *NotificationService) Search(ctx context.Context, params url.Values) ([]map[string]any, error) {
	resp, err := s.c.Do(ctx, http.MethodGet, "notifications", RequestOptions{Query: params})
	if err != nil {
		return nil, fmt.Errorf("поиск уведомлений: %w", err)
	}

	var body map[string]json.RawMessage
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	raw, ok := body["notifications"]
	if !ok {
		return nil, fmt.Errorf("%w: ключ notifications не найден", ErrUnexpectedResponse)
	}

	var notifications []map[string]any
	if err := json.Unmarshal(raw, &notifications); err != nil || notifications == nil {
		return nil, fmt.Errorf("%w: notifications не является массивом", ErrUnexpectedResponse)
	}
	return notifications, nil
}
