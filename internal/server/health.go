// health.go — обработчики health endpoints daemon.
// /health/live — процесс жив
// /health/ready — база Prevarisc доступна, состояние Plat'AU
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bigkaa/passerelle-platau/internal/config"
)

// ServiceName — имя сервиса в ответах health и метриках topologymetrics.
const ServiceName = "passerelle-platau"

// ReadinessChecker — проверка готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady(ctx context.Context) (status string, message string)
}

// DegradedCheck адаптирует проверку необязательной зависимости:
// ошибка даёт статус degraded, а не fail.
type DegradedCheck func(ctx context.Context) error

// CheckReady вызывает проверку с таймаутом 5 секунд.
func (f DegradedCheck) CheckReady(ctx context.Context) (string, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := f(ctx); err != nil {
		return "degraded", err.Error()
	}
	return "ok", "доступен"
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	dbChecker     ReadinessChecker
	platauChecker ReadinessChecker
	now           func() time.Time
}

// NewHealthHandler создаёт обработчик. dbChecker — база Prevarisc (критичная),
// platauChecker — Plat'AU (может быть nil). Отсутствие dbChecker даёт fail.
func NewHealthHandler(dbChecker, platauChecker ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		dbChecker:     dbChecker,
		platauChecker: platauChecker,
		now:           time.Now,
	}
}

type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		Prevarisc healthCheckResult  `json:"prevarisc"`
		Platau    *healthCheckResult `json:"platau,omitempty"`
	} `json:"checks"`
}

// HealthLive — liveness probe. Всегда 200.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   ServiceName,
	})
}

// HealthReady — readiness probe. Возвращает 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	resp := healthReadyResponse{
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   ServiceName,
	}

	if h.dbChecker != nil {
		status, msg := h.dbChecker.CheckReady(r.Context())
		resp.Checks.Prevarisc = healthCheckResult{Status: status, Message: msg}
	} else {
		resp.Checks.Prevarisc = healthCheckResult{Status: "fail", Message: "не инициализирован"}
	}
	statuses := []string{resp.Checks.Prevarisc.Status}

	if h.platauChecker != nil {
		status, msg := h.platauChecker.CheckReady(r.Context())
		resp.Checks.Platau = &healthCheckResult{Status: status, Message: msg}
		statuses = append(statuses, status)
	}

	resp.Status = overallStatus(statuses...)

	code := http.StatusOK
	if resp.Status == "fail" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// overallStatus: fail если хотя бы одна проверка fail, иначе degraded если
// хотя бы одна degraded, иначе ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == "fail" {
			return "fail"
		}
		if s == "degraded" {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return "degraded"
	}
	return "ok"
}
