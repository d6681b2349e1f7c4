package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bigkaa/passerelle-platau/internal/database"
	"github.com/bigkaa/passerelle-platau/internal/server"
	"github.com/bigkaa/passerelle-platau/internal/workflow"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Периодическая синхронизация с HTTP-сервером health и метрик",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.runner.CheckReady(ctx); err != nil {
				return err
			}

			// Адаптер pgxpool → *sql.DB для проверки PostgreSQL через topologymetrics
			pgDB := stdlib.OpenDBFromPool(a.pool)
			defer pgDB.Close()

			// Мониторинг зависимостей не критичен для синхронизации
			dh, dhErr := server.NewDephealthService(server.DephealthParams{
				Group:          a.cfg.DephealthGroup,
				DB:             pgDB,
				DatabaseURL:    a.cfg.DatabaseURL(),
				PushgatewayURL: a.cfg.PushgatewayURL,
				CheckInterval:  a.cfg.DephealthCheckInterval,
			}, a.logger)
			if dhErr != nil {
				a.logger.Warn("Ошибка создания мониторинга зависимостей",
					slog.String("error", dhErr.Error()),
				)
			} else if startErr := dh.Start(ctx); startErr != nil {
				a.logger.Warn("Ошибка запуска мониторинга зависимостей",
					slog.String("error", startErr.Error()),
				)
			} else {
				defer dh.Stop()
			}

			health := server.NewHealthHandler(
				database.NewReadinessChecker(a.pool),
				server.DegradedCheck(a.client.Healthcheck().Check),
			)
			srv := server.New(a.cfg, a.logger, health)

			// Ошибка HTTP-сервера останавливает и циклы синхронизации
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			srvErr := make(chan error, 1)
			go func() {
				err := srv.Run(ctx)
				if err != nil {
					cancel()
				}
				srvErr <- err
			}()

			daemonErr := a.runner.RunDaemon(ctx, a.cfg.DaemonInterval, workflow.CycleOptions{
				PushgatewayURL: a.cfg.PushgatewayURL,
			})
			cancel()

			if err := errors.Join(daemonErr, <-srvErr); err != nil {
				return err
			}
			a.logger.Info("Daemon остановлен", slog.Duration("interval", a.cfg.DaemonInterval))
			return nil
		},
	}
}
