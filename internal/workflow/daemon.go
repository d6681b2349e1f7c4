// daemon.go — периодический цикл синхронизации.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// CycleOptions — параметры цикла синхронизации.
type CycleOptions struct {
	// URL Pushgateway для отправки метрик после каждой команды (пусто — не отправлять)
	PushgatewayURL string
}

// Cycle выполняет import → import-pieces → export-pec → export-avis.
// Ошибка одной команды не прерывает следующие; возвращаются все отчёты
// и объединённая ошибка.
func (r *Runner) Cycle(ctx context.Context, opts CycleOptions) ([]*Report, error) {
	steps := []struct {
		name string
		fn   func(context.Context) (*Report, error)
	}{
		{"import", r.Import},
		{"import-pieces", func(ctx context.Context) (*Report, error) { return r.ImportPieces(ctx, false) }},
		{"export-pec", func(ctx context.Context) (*Report, error) { return r.ExportPEC(ctx, ExportPECOptions{}) }},
		{"export-avis", func(ctx context.Context) (*Report, error) { return r.ExportAvis(ctx, "") }},
	}

	var (
		reports []*Report
		errs    []error
	)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		rep, err := step.fn(ctx)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			r.logger.Error("Ошибка команды цикла",
				slog.String("command", step.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}

		if err := PushMetrics(opts.PushgatewayURL, step.name); err != nil {
			r.logger.Warn("Метрики не отправлены", slog.String("error", err.Error()))
		}
	}
	return reports, errors.Join(errs...)
}

// RunDaemon выполняет циклы синхронизации с интервалом interval до отмены ctx.
// Следующий цикл начинается не раньше окончания предыдущего.
func (r *Runner) RunDaemon(ctx context.Context, interval time.Duration, opts CycleOptions) error {
	r.logger.Info("Демон синхронизации запущен", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		started := r.now()
		if _, err := r.Cycle(ctx, opts); err != nil && ctx.Err() == nil {
			r.logger.Error("Цикл синхронизации завершён с ошибками", slog.String("error", err.Error()))
		}
		cyclesTotal.Inc()
		lastCycleTimestamp.Set(float64(started.Unix()))

		select {
		case <-ctx.Done():
			r.logger.Info("Демон синхронизации остановлен")
			return nil
		case <-ticker.C:
		}
	}
}
