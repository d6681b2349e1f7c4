package platau

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func staticToken(ctx context.Context) (string, error) {
	return "test-token", nil
}

// setupPlatau создаёт mock Plat'AU и клиент к нему без задержек между повторами.
func setupPlatau(t *testing.T, handler http.Handler, opts ...Option) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]Option{
		WithHTTPClient(server.Client()),
		WithBackoff(time.Millisecond),
	}, opts...)

	client, err := New(server.URL+"/platau/v11", "ACTEUR-APPELANT", staticToken, testLogger(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return server, client
}

// writeJSON записывает ответ в JSON.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestDo_Headers(t *testing.T) {
	_, client := setupPlatau(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/platau/v11/healthcheck" {
			t.Errorf("путь = %q, ожидался /platau/v11/healthcheck", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Id-Acteur-Appelant"); got != "ACTEUR-APPELANT" {
			t.Errorf("Id-Acteur-Appelant = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		w.Write([]byte(`{}`))
	}))

	if _, err := client.Do(context.Background(), http.MethodGet, "/healthcheck", RequestOptions{}); err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDo_RetryOnRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	var hooks []RetryInfo

	_, client := setupPlatau(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch n {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Write([]byte(`{"ok":true}`))
		}
	}), WithRetryHook(func(info RetryInfo) { hooks = append(hooks, info) }))

	resp, err := client.Do(context.Background(), http.MethodPost, "avis", RequestOptions{JSON: map[string]int{"a": 1}})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(bytes.TrimSpace(resp.Body)) != `{"ok":true}` {
		t.Errorf("неожиданное тело: %s", resp.Body)
	}
	if calls.Load() != 3 {
		t.Errorf("ожидалось 3 вызова, получено %d", calls.Load())
	}
	if len(hooks) != 2 {
		t.Fatalf("ожидалось 2 вызова hook, получено %d", len(hooks))
	}
	if hooks[0].Attempt != 1 || hooks[0].StatusCode != http.StatusTooManyRequests || hooks[0].Delay != time.Millisecond {
		t.Errorf("неожиданный первый повтор: %+v", hooks[0])
	}
	if hooks[1].Attempt != 2 || hooks[1].Delay != 2*time.Millisecond {
		t.Errorf("задержка должна удваиваться: %+v", hooks[1])
	}
}

func TestDo_RetryBodyResent(t *testing.T) {
	var calls atomic.Int32
	_, client := setupPlatau(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["k"] != "v" {
			t.Errorf("тело запроса потеряно при повторе: %v %v", body, err)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))

	if _, err := client.Do(context.Background(), http.MethodPost, "avis", RequestOptions{JSON: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDo_StatusRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	_, client := setupPlatau(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`indisponible`))
	}), WithRetryHook(nil))

	_, err := client.Do(context.Background(), http.MethodGet, "healthcheck", RequestOptions{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("ожидалась HTTPError, получено %v", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || string(httpErr.Body) != "indisponible" {
		t.Errorf("неожиданная ошибка: %+v", httpErr)
	}
	if calls.Load() != 6 {
		t.Errorf("ожидалось 6 попыток (1 + 5 повторов), получено %d", calls.Load())
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	_, client := setupPlatau(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"noVersion obsolète"}`))
	}))

	_, err := client.Do(context.Background(), http.MethodPost, "avis", RequestOptions{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusConflict {
		t.Fatalf("ожидалась HTTPError 409, получено %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("ошибка 409 не должна повторяться, получено %d попыток", calls.Load())
	}
}

func TestDo_ErrorBodyTruncated(t *testing.T) {
	long := strings.Repeat("x", 20000)
	_, client := setupPlatau(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(long))
	}))

	_, err := client.Do(context.Background(), http.MethodGet, "healthcheck", RequestOptions{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("ожидалась HTTPError, получено %v", err)
	}
	if len(httpErr.Body) != maxErrorBody {
		t.Errorf("ожидалось %d байт тела, получено %d", maxErrorBody, len(httpErr.Body))
	}
}

func TestDo_TransportRetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	var retries int
	client, err := New(url, "ACTEUR", staticToken, testLogger(),
		WithBackoff(time.Millisecond),
		WithMaxRetries(2),
		WithRetryHook(func(RetryInfo) { retries++ }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = client.Do(context.Background(), http.MethodGet, "healthcheck", RequestOptions{})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("ожидалась ErrRetryExhausted, получено %v", err)
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Errorf("ожидалось 3 попытки, получено %+v", exhausted)
	}
	if retries != 2 {
		t.Errorf("ожидалось 2 повтора, получено %d", retries)
	}
}

func TestDo_TokenError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(server.Close)

	client, err := New(server.URL, "ACTEUR", func(context.Context) (string, error) {
		return "", errors.New("PISTE недоступен")
	}, testLogger(), WithBackoff(time.Millisecond), WithMaxRetries(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := client.Do(context.Background(), http.MethodGet, "healthcheck", RequestOptions{}); err == nil {
		t.Fatal("ожидалась ошибка получения токена")
	}
	if calls.Load() != 0 {
		t.Errorf("запрос не должен уходить без токена, получено %d", calls.Load())
	}
}

func TestDo_UnauthorizedRefreshesTokenOnce(t *testing.T) {
	var calls, invalidations atomic.Int32
	current := "expired-token"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	client, err := New(server.URL, "ACTEUR", func(context.Context) (string, error) {
		return current, nil
	}, testLogger(), WithHTTPClient(server.Client()), WithTokenInvalidator(func() {
		invalidations.Add(1)
		current = "fresh-token"
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := client.Do(context.Background(), http.MethodGet, "healthcheck", RequestOptions{}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if invalidations.Load() != 1 || calls.Load() != 2 {
		t.Errorf("ожидались 1 сброс токена и 2 запроса, получено %d и %d", invalidations.Load(), calls.Load())
	}
}

func TestDo_UnauthorizedTwiceReturnsError(t *testing.T) {
	var calls, invalidations atomic.Int32
	_, client := setupPlatau(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}), WithTokenInvalidator(func() { invalidations.Add(1) }))

	_, err := client.Do(context.Background(), http.MethodGet, "healthcheck", RequestOptions{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("ожидалась HTTPError 401, получено %v", err)
	}
	if invalidations.Load() != 1 || calls.Load() != 2 {
		t.Errorf("401 повторяется только один раз: сбросов %d, запросов %d", invalidations.Load(), calls.Load())
	}
}

func TestDo_UnauthorizedWithoutInvalidator(t *testing.T) {
	var calls atomic.Int32
	_, client := setupPlatau(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if _, err := client.Do(context.Background(), http.MethodGet, "healthcheck", RequestOptions{}); err == nil {
		t.Fatal("ожидалась ошибка 401")
	}
	if calls.Load() != 1 {
		t.Errorf("без сброса токена 401 не повторяется, получено %d запросов", calls.Load())
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"consultations/recherche":    "consultations/recherche",
		"/dossiers/7WQ-LKX/pieces":   "dossiers/{id}/pieces",
		"pecMetier/consultations":    "pecMetier/consultations",
		"acteurs/recherche?x=1":      "acteurs/recherche",
		"dossiers/ABC123/pieces/":    "dossiers/{id}/pieces",
		"enrolement/acteurs":         "enrolement/acteurs",
	}
	for in, want := range tests {
		if got := normalizeEndpoint(in); got != want {
			t.Errorf("normalizeEndpoint(%q) = %q, ожидается %q", in, got, want)
		}
	}
}
