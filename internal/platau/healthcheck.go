package platau

import (
	"context"
	"fmt"
	"net/http"
)

// HealthcheckService — проверка состояния Plat'AU.
type HealthcheckService struct {
	c *Client
}

// Check вызывает GET healthcheck. etatGeneral и etatBdd должны быть равны true.
func (s *HealthcheckService) Check(ctx context.Context) error {
	resp, err := s.c.Do(ctx, http.MethodGet, "healthcheck", RequestOptions{})
	if err != nil {
		return fmt.Errorf("healthcheck Plat'AU: %w", err)
	}

	var status map[string]any
	if err := resp.Decode(&status); err != nil {
		return err
	}

	for _, key := range []string{"etatGeneral", "etatBdd"} {
		if v, ok := status[key].(bool); !ok || !v {
			return &UnhealthyError{Component: key, Value: status[key]}
		}
	}
	return nil
}
