// client.go — HTTP-клиент к API Plat'AU.
// Каждый запрос получает Bearer-токен PISTE и заголовок Id-Acteur-Appelant.
// Ответы 429/500/503 и транспортные ошибки повторяются (httpretry),
// ответ 401 сбрасывает токен и повторяется один раз.
// Итоговый ответ вне 2xx/3xx — HTTPError.
package platau

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/passerelle-platau/internal/httpretry"
	"github.com/bigkaa/passerelle-platau/internal/syncplicity"
)

// Метрики клиента Plat'AU
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passerelle_platau_requests_total",
		Help: "Общее количество HTTP-запросов к Plat'AU",
	}, []string{"method", "endpoint", "status"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passerelle_platau_retries_total",
		Help: "Количество повторов HTTP-запросов к Plat'AU",
	}, []string{"method", "endpoint"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "passerelle_platau_request_duration_seconds",
		Help:    "Длительность HTTP-запросов к Plat'AU в секундах",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
)

const defaultTimeout = 30 * time.Second

// TokenProvider — функция, возвращающая access token PISTE.
type TokenProvider func(ctx context.Context) (string, error)

// BlobUploader — клиент загрузки файлов в Syncplicity.
type BlobUploader interface {
	Upload(ctx context.Context, contents []byte, fileName string) (*syncplicity.UploadedFile, error)
}

// RetryInfo описывает один повтор запроса.
type RetryInfo struct {
	Method  string
	URL     string
	Attempt int // номер следующей попытки, начиная с 1
	Delay   time.Duration
	// Статус ответа, вызвавшего повтор (0 при транспортной ошибке)
	StatusCode int
	Err        error
}

// RetryHook вызывается перед каждым повтором.
type RetryHook func(info RetryInfo)

// RequestOptions — параметры запроса.
type RequestOptions struct {
	Query url.Values
	// Тело запроса, сериализуется в JSON (nil — без тела)
	JSON any
}

// Response — успешный ответ Plat'AU.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode декодирует JSON-тело ответа в target.
func (r *Response) Decode(target any) error {
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("декодирование ответа Plat'AU: %w", err)
	}
	return nil
}

// Client — клиент API Plat'AU.
type Client struct {
	baseURL          *url.URL
	idActeurAppelant string
	token            TokenProvider

	httpClient      *http.Client
	logger          *slog.Logger
	retry           httpretry.Policy
	retryHook       RetryHook
	invalidateToken func()
	now             func() time.Time

	blob               BlobUploader
	avisEligibleStates []int
	acteurs            *expirable.LRU[string, *Acteur]
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient задаёт HTTP-клиент (по умолчанию таймаут 30s).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries задаёт максимальное количество повторов.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.retry.MaxRetries = n }
}

// WithBackoff задаёт начальную задержку между повторами.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.retry.Backoff = d }
}

// WithRetryHook заменяет обработчик повторов (по умолчанию — запись в лог).
func WithRetryHook(h RetryHook) Option {
	return func(c *Client) { c.retryHook = h }
}

// WithTokenInvalidator задаёт сброс кэша токена: при ответе 401 клиент
// вызывает его и повторяет запрос с новым токеном один раз.
func WithTokenInvalidator(invalidate func()) Option {
	return func(c *Client) { c.invalidateToken = invalidate }
}

// WithSyncplicity включает загрузку документов через Syncplicity.
func WithSyncplicity(b BlobUploader) Option {
	return func(c *Client) { c.blob = b }
}

// WithAvisEligibleStates задаёт состояния консультации, допускающие avis.
func WithAvisEligibleStates(states []int) Option {
	return func(c *Client) { c.avisEligibleStates = states }
}

// WithActeursCacheTTL задаёт TTL кэша акторов (0 — кэш отключён).
func WithActeursCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl <= 0 {
			c.acteurs = nil
			return
		}
		c.acteurs = expirable.NewLRU[string, *Acteur](1000, nil, ttl)
	}
}

// New создаёт клиент Plat'AU.
// baseURL — базовый URL API с версией (например, https://api.piste.gouv.fr/cerema/platau/v11/).
func New(baseURL, idActeurAppelant string, token TokenProvider, logger *slog.Logger, opts ...Option) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("некорректный URL Plat'AU %q: %w", baseURL, err)
	}
	if idActeurAppelant == "" {
		return nil, fmt.Errorf("не задан ID актора-отправителя")
	}

	c := &Client{
		baseURL:            u,
		idActeurAppelant:   idActeurAppelant,
		token:              token,
		httpClient:         &http.Client{Timeout: defaultTimeout},
		logger:             logger.With(slog.String("component", "platau_client")),
		retry:              httpretry.DefaultPolicy(),
		now:                time.Now,
		avisEligibleStates: []int{3, 6},
		acteurs:            expirable.NewLRU[string, *Acteur](1000, nil, 10*time.Minute),
	}
	c.retryHook = c.logRetry

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// IDActeurAppelant возвращает ID актора, от имени которого выполняются вызовы.
func (c *Client) IDActeurAppelant() string {
	return c.idActeurAppelant
}

// SyncplicityEnabled сообщает, настроена ли загрузка через Syncplicity.
func (c *Client) SyncplicityEnabled() bool {
	return c.blob != nil
}

// AvisEligibleStates возвращает состояния консультации, допускающие avis.
func (c *Client) AvisEligibleStates() []int {
	return c.avisEligibleStates
}

// --- Фабрики сервисов ---

// Consultations возвращает сервис консультаций.
func (c *Client) Consultations() *ConsultationService { return &ConsultationService{c: c} }

// Avis возвращает сервис поиска avis.
func (c *Client) Avis() *AvisService { return &AvisService{c: c} }

// Acteurs возвращает сервис акторов.
func (c *Client) Acteurs() *ActeurService { return &ActeurService{c: c} }

// Healthcheck возвращает сервис проверки состояния.
func (c *Client) Healthcheck() *HealthcheckService { return &HealthcheckService{c: c} }

// Notifications возвращает сервис уведомлений.
func (c *Client) Notifications() *NotificationService { return &NotificationService{c: c} }

// Pieces возвращает сервис пьес.
func (c *Client) Pieces() *PieceService { return &PieceService{c: c} }

// --- HTTP pipeline ---

// Do выполняет запрос к Plat'AU с повторами.
// path задаётся относительно базового URL (например, "consultations/recherche").
func (c *Client) Do(ctx context.Context, method, path string, opts RequestOptions) (*Response, error) {
	reqURL, err := c.resolve(path, opts.Query)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if opts.JSON != nil {
		payload, err = json.Marshal(opts.JSON)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
	}

	endpoint := normalizeEndpoint(path)

	resp, err := c.doWithRetry(ctx, method, reqURL, endpoint, payload)
	if err == nil && resp.StatusCode == http.StatusUnauthorized && c.invalidateToken != nil {
		c.logger.Warn("Plat'AU отклонил токен, запрашиваю новый",
			slog.String("method", method),
			slog.String("url", reqURL),
		)
		c.invalidateToken()
		resp, err = c.doWithRetry(ctx, method, reqURL, endpoint, payload)
	}
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, newHTTPError(method, reqURL, resp.StatusCode, resp.Body)
	}

	return resp, nil
}

// doWithRetry выполняет запрос с повторами и метриками на каждую попытку.
func (c *Client) doWithRetry(ctx context.Context, method, reqURL, endpoint string, payload []byte) (*Response, error) {
	return httpretry.Do(ctx, c.retryPolicy(method, reqURL, endpoint), func(ctx context.Context) (*Response, int, error) {
		start := time.Now()
		resp, err := c.send(ctx, method, reqURL, payload)
		requestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			requestsTotal.WithLabelValues(method, endpoint, "error").Inc()
			return nil, 0, err
		}
		requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		return resp, resp.StatusCode, nil
	})
}

// send выполняет одну попытку запроса и полностью читает тело ответа.
func (c *Client) send(ctx context.Context, method, reqURL string, payload []byte) (*Response, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение токена PISTE: %w", err)
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Id-Acteur-Appelant", c.idActeurAppelant)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, reqURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение ответа %s %s: %w", method, reqURL, err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// retryPolicy дополняет политику клиента метрикой и RetryHook для запроса.
func (c *Client) retryPolicy(method, reqURL, endpoint string) httpretry.Policy {
	p := c.retry
	p.OnRetry = func(info httpretry.Info) {
		retriesTotal.WithLabelValues(method, endpoint).Inc()
		if c.retryHook != nil {
			c.retryHook(RetryInfo{
				Method:     method,
				URL:        reqURL,
				Attempt:    info.Attempt,
				Delay:      info.Delay,
				StatusCode: info.StatusCode,
				Err:        info.Err,
			})
		}
	}
	return p
}

// logRetry — RetryHook по умолчанию.
func (c *Client) logRetry(info RetryInfo) {
	attrs := []any{
		slog.String("method", info.Method),
		slog.String("url", info.URL),
		slog.Int("attempt", info.Attempt),
		slog.Duration("delay", info.Delay),
	}
	if info.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", info.StatusCode))
	}
	if info.Err != nil {
		attrs = append(attrs, slog.String("error", info.Err.Error()))
	}
	c.logger.Warn("Повтор запроса к Plat'AU", attrs...)
}

// resolve строит абсолютный URL запроса.
func (c *Client) resolve(path string, query url.Values) (string, error) {
	ref, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("некорректный путь %q: %w", path, err)
	}
	u := c.baseURL.ResolveReference(ref)
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// normalizeEndpoint заменяет идентификаторы в пути на {id} для лейблов метрик.
func normalizeEndpoint(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if !isLiteralSegment(p) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isLiteralSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

