// metrics.go — Prometheus-метрики команд синхронизации и отправка в Pushgateway.
package workflow

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passerelle_workflow_items_total",
		Help: "Количество обработанных консультаций по команде и итогу",
	}, []string{"command", "outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "passerelle_workflow_run_duration_seconds",
		Help:    "Длительность выполнения команды в секундах",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"command"})

	piecesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passerelle_pieces_total",
		Help: "Количество пьес по направлению (import, export) и итогу",
	}, []string{"direction", "outcome"})

	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passerelle_daemon_cycles_total",
		Help: "Количество выполненных циклов синхронизации демона",
	})

	lastCycleTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "passerelle_daemon_last_cycle_timestamp_seconds",
		Help: "Время начала последнего цикла синхронизации (Unix)",
	})
)

// PushJob — имя job в Pushgateway.
const PushJob = "passerelle_platau"

// PushMetrics отправляет метрики процесса в Pushgateway, группируя их по команде.
// Пустой url — отправка отключена.
func PushMetrics(url, command string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, PushJob).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("command", command).
		Push()
	if err != nil {
		return fmt.Errorf("ошибка отправки метрик в Pushgateway: %w", err)
	}
	return nil
}
