// app.go — сборка зависимостей шлюза: конфигурация, логгер, клиенты PISTE,
// Plat'AU и Syncplicity, хранилище вложений, база Prevarisc, workflow.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/passerelle-platau/internal/config"
	"github.com/bigkaa/passerelle-platau/internal/database"
	"github.com/bigkaa/passerelle-platau/internal/filestore"
	"github.com/bigkaa/passerelle-platau/internal/httpretry"
	"github.com/bigkaa/passerelle-platau/internal/piste"
	"github.com/bigkaa/passerelle-platau/internal/platau"
	"github.com/bigkaa/passerelle-platau/internal/prevarisc"
	"github.com/bigkaa/passerelle-platau/internal/syncplicity"
	"github.com/bigkaa/passerelle-platau/internal/workflow"
)

// app — собранный граф зависимостей одной команды.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	client *platau.Client
	pool   *pgxpool.Pool
	// Команды без базы (enroler-acteur, details-consultation)
	remote *workflow.Remote
	// nil, если приложение собрано без базы
	runner *workflow.Runner
}

// loadConfig загружает конфигурацию и настраивает логгер.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}

// newApp собирает клиента Plat'AU и workflow.Remote; если withStore,
// также подключение к базе Prevarisc, хранилище вложений и workflow.Runner.
// Пул создаётся без ping: доступность базы проверяет вызывающая команда.
func newApp(ctx context.Context, withStore bool) (*app, error) {
	// 1. Конфигурация и логирование
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger.Debug("Шлюз Plat'AU запускается", slog.String("version", config.Version))

	// 2. HTTP-клиент с таймаутом для PISTE, Plat'AU и Syncplicity
	httpClient := &http.Client{Timeout: cfg.PlatauHTTPTimeout}

	// 3. Токены PISTE
	tokens := piste.New(cfg.PisteAccessTokenURL, cfg.PisteClientID, cfg.PisteClientSecret, httpClient, logger)

	// 4. Клиент Plat'AU
	opts := []platau.Option{
		platau.WithHTTPClient(httpClient),
		platau.WithMaxRetries(cfg.PlatauHTTPMaxRetries),
		platau.WithTokenInvalidator(tokens.Invalidate),
		platau.WithAvisEligibleStates(cfg.PlatauAvisEtats),
		platau.WithActeursCacheTTL(cfg.PlatauActeursCacheTTL),
	}
	if cfg.SyncplicityEnabled {
		syncTokens := tokens
		if cfg.SyncplicityClientID != cfg.PisteClientID || cfg.SyncplicityClientSecret != cfg.PisteClientSecret {
			syncTokens = piste.New(cfg.PisteAccessTokenURL, cfg.SyncplicityClientID, cfg.SyncplicityClientSecret, httpClient, logger)
		}
		blobs := syncplicity.New(cfg.SyncplicityURL, syncplicity.TokenProvider(syncTokens.Provider()), httpClient, logger,
			syncplicity.WithRetryPolicy(httpretry.Policy{MaxRetries: cfg.PlatauHTTPMaxRetries, Backoff: httpretry.DefaultBackoff}))
		opts = append(opts, platau.WithSyncplicity(blobs))
	}

	client, err := platau.New(cfg.PlatauURL, cfg.PlatauIDActeurAppelant, platau.TokenProvider(tokens.Provider()), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента Plat'AU: %w", err)
	}

	svc := workflow.ServicesFromClient(client)
	a := &app{cfg: cfg, logger: logger, client: client, remote: workflow.NewRemote(svc, logger)}
	if !withStore {
		return a, nil
	}

	// 5. Хранилище вложений
	files, err := newFileStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 6. База Prevarisc
	pool, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.pool = pool

	// 7. Локальное хранилище и workflow
	store := prevarisc.New(pool, files, cfg.PlatauUserID, logger)
	a.runner = workflow.New(svc, store, logger)

	return a, nil
}

// newFileStore выбирает backend хранилища вложений.
func newFileStore(ctx context.Context, cfg *config.Config) (filestore.Store, error) {
	switch cfg.PiecesJointesBackend {
	case "s3":
		s3, err := filestore.NewS3(filestore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s3, nil
	default:
		fs, err := filestore.New(cfg.PiecesJointesPath)
		if err != nil {
			return nil, fmt.Errorf("ошибка инициализации каталога вложений: %w", err)
		}
		return fs, nil
	}
}

// close освобождает подключение к базе.
func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// pushMetrics отправляет метрики команды в Pushgateway, если он настроен.
func (a *app) pushMetrics(command string) {
	if err := workflow.PushMetrics(a.cfg.PushgatewayURL, command); err != nil {
		a.logger.Warn("Метрики не отправлены", slog.String("error", err.Error()))
	}
}
