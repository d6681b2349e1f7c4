// Пакет dbtest — PostgreSQL в Docker (testcontainers) со схемой Prevarisc
// для интеграционных тестов. Тесты пропускаются без TEST_INTEGRATION.
package dbtest

import (
	"context"
	_ "embed"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/passerelle-platau/internal/config"
)

// PrevariscSchema — исходная схема Prevarisc без изменений шлюза.
//
//go:embed prevarisc.sql
var PrevariscSchema string

// Параметры тестовой базы.
const (
	Database = "prevarisc_test"
	User     = "prevarisc"
	Password = "test-password"
	// UserID — пользователь Plat'AU, создаваемый в тестовой базе
	UserID = 1
)

// Logger — logger для интеграционных тестов.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// StartPostgres запускает контейнер PostgreSQL со схемой Prevarisc
// и возвращает конфигурацию, указывающую на него. Миграции шлюза не применяются.
func StartPostgres(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase(Database),
		postgres.WithUsername(User),
		postgres.WithPassword(Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("PISTE_CLIENT_ID", "test")
	t.Setenv("PISTE_CLIENT_SECRET", "test")
	t.Setenv("PLATAU_ID_ACTEUR_APPELANT", "ACTEUR-TEST")
	t.Setenv("PREVARISC_DB_HOST", host)
	t.Setenv("PREVARISC_DB_PORT", port.Port())
	t.Setenv("PREVARISC_DB_NAME", Database)
	t.Setenv("PREVARISC_DB_USER", User)
	t.Setenv("PREVARISC_DB_PASSWORD", Password)
	t.Setenv("PREVARISC_DB_SSL_MODE", "disable")
	t.Setenv("PREVARISC_DB_PLATAU_USER_ID", "1")
	t.Setenv("PREVARISC_PIECES_JOINTES_PATH", t.TempDir())

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN())
	if err != nil {
		t.Fatalf("Ошибка подключения к тестовой базе: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, PrevariscSchema); err != nil {
		t.Fatalf("Ошибка создания схемы Prevarisc: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO utilisateurinformations (ID_UTILISATEURINFORMATIONS, NOM_UTILISATEURINFORMATIONS, PRENOM_UTILISATEURINFORMATIONS,
			MAIL_UTILISATEURINFORMATIONS, TELFIXE_UTILISATEURINFORMATIONS, TELPORTABLE_UTILISATEURINFORMATIONS)
		VALUES (1, 'PLATAU', 'Passerelle', 'platau@sdis.fr', '', '0600000000');
		INSERT INTO utilisateur (ID_UTILISATEUR, USERNAME_UTILISATEUR, ID_UTILISATEURINFORMATIONS)
		VALUES (1, 'platau', 1);
	`); err != nil {
		t.Fatalf("Ошибка создания пользователя Plat'AU: %v", err)
	}

	return cfg
}
