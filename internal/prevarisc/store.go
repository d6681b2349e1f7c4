// Пакет prevarisc — доступ к базе Prevarisc: dossiers, пьесы,
// метаданные отправки решений в Plat'AU и проверка схемы.
// Все запросы — чистый SQL через pgx, без ORM.
package prevarisc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/passerelle-platau/internal/filestore"
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn транзакция откатывается, при успехе коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Store — сервис базы Prevarisc.
type Store struct {
	pool   *pgxpool.Pool
	db     DBTX
	tx     *TxRunner
	files  filestore.Store
	userID int
	logger *slog.Logger
	now    func() time.Time
}

// New создаёт Store. userID — пользователь Prevarisc, от имени которого
// создаются dossiers; files — хранилище содержимого пьес.
func New(pool *pgxpool.Pool, files filestore.Store, userID int, logger *slog.Logger) *Store {
	return &Store{
		pool:   pool,
		db:     pool,
		tx:     NewTxRunner(pool),
		files:  files,
		userID: userID,
		logger: logger.With(slog.String("component", "prevarisc")),
		now:    time.Now,
	}
}

// UserID возвращает ID пользователя Plat'AU в Prevarisc.
func (s *Store) UserID() int {
	return s.userID
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
