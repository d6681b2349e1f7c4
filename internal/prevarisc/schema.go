package prevarisc

import (
	"context"
	"fmt"
)

// NecessaryTables — таблицы, создаваемые миграциями шлюза.
var NecessaryTables = []string{"piecejointestatut", "platauconsultation"}

// EstDisponible проверяет доступность базы Prevarisc.
func (s *Store) EstDisponible(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("база Prevarisc недоступна: %w", err)
	}
	return nil
}

// EstCompatible проверяет, что база подготовлена для шлюза:
// колонка dossier.ID_PLATAU и таблицы NecessaryTables.
// Возвращает *SchemaError со списком недостающих элементов.
func (s *Store) EstCompatible(ctx context.Context) error {
	var missing []string

	var hasColumn bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = 'dossier' AND column_name = 'id_platau'
		)`).Scan(&hasColumn)
	if err != nil {
		return fmt.Errorf("ошибка проверки схемы dossier: %w", err)
	}
	if !hasColumn {
		missing = append(missing, "dossier.ID_PLATAU")
	}

	for _, table := range NecessaryTables {
		var exists bool
		err := s.db.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = current_schema() AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("ошибка проверки таблицы %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}

	if len(missing) > 0 {
		return &SchemaError{Missing: missing}
	}
	return nil
}
