// client.go — источник OAuth2-токенов PISTE (Client Credentials flow).
// Токен кэшируется и обновляется за 30s до истечения. Если сервер не вернул
// expires_in, срок берётся из claim exp самого JWT.
package piste

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// refreshMargin — за сколько до истечения токен считается устаревшим.
	refreshMargin = 30 * time.Second
	// defaultLifetime — срок жизни токена, если его не удалось определить.
	defaultLifetime = 60 * time.Second
)

// TokenResponse — ответ token endpoint PISTE.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// TokenProvider — функция, возвращающая актуальный access token.
type TokenProvider func(ctx context.Context) (string, error)

// Client — кэширующий источник токенов PISTE.
type Client struct {
	tokenURL     string
	clientID     string
	clientSecret string

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New создаёт источник токенов.
// httpClient может быть nil — тогда используется клиент с таймаутом 30s.
func New(tokenURL, clientID, clientSecret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		logger:       logger.With(slog.String("component", "piste_token")),
		now:          time.Now,
	}
}

// Token возвращает актуальный access token, обновляя его при необходимости.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Add(refreshMargin).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	token, err := c.requestToken(ctx)
	if err != nil {
		return "", err
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = c.now().Add(lifetime(token))

	c.logger.Debug("Токен PISTE обновлён",
		slog.Time("expires_at", c.tokenExpiry),
	)

	return c.accessToken, nil
}

// Provider возвращает Token в виде TokenProvider.
func (c *Client) Provider() TokenProvider {
	return c.Token
}

// Invalidate сбрасывает кэш, следующий Token запросит новый токен.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// requestToken выполняет Client Credentials flow.
func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {"openid"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос токена PISTE: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16384))
		return nil, fmt.Errorf("PISTE вернул статус %d при запросе токена: %s", resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("декодирование токена PISTE: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("PISTE вернул пустой access_token")
	}

	return &token, nil
}

// lifetime определяет срок жизни токена: expires_in, затем claim exp, затем 60s.
func lifetime(token *TokenResponse) time.Duration {
	if token.ExpiresIn > 0 {
		return time.Duration(token.ExpiresIn) * time.Second
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		if d := time.Until(claims.ExpiresAt.Time); d > 0 {
			return d
		}
	}

	return defaultLifetime
}
