package prevarisc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Колонки platauconsultation, которые можно менять через PendingWrite.
var metadataColumns = map[string]bool{
	"STATUT_PEC":  true,
	"DATE_PEC":    true,
	"STATUT_AVIS": true,
	"DATE_AVIS":   true,
}

// PendingWrite — подготовленная запись метаданных отправки решения.
// Выполняется атомарно одним upsert при вызове Exec.
type PendingWrite struct {
	store          *Store
	consultationID string
	columns        []string
	values         []any
	err            error
}

// SetMetadonneesEnvoi готовит запись статуса PEC или avis консультации.
// Дополнительные колонки добавляются через Set.
func (s *Store) SetMetadonneesEnvoi(consultationID string, track Track, statut string) *PendingWrite {
	w := &PendingWrite{store: s, consultationID: consultationID}
	switch track {
	case TrackPEC:
		return w.Set("STATUT_PEC", statut)
	case TrackAvis:
		return w.Set("STATUT_AVIS", statut)
	default:
		w.err = fmt.Errorf("неизвестный тип решения %q", track)
		return w
	}
}

// EnregistrerStatut записывает статус решения и, если date задана,
// дату отправки (DATE_PEC или DATE_AVIS).
func (s *Store) EnregistrerStatut(ctx context.Context, consultationID string, track Track, statut string, date *time.Time) error {
	w := s.SetMetadonneesEnvoi(consultationID, track, statut)
	if date != nil {
		w = w.Set("DATE_"+string(track), *date)
	}
	return w.Exec(ctx)
}

// Set добавляет колонку к записи. Повторная установка колонки заменяет значение.
func (w *PendingWrite) Set(column string, value any) *PendingWrite {
	if w.err != nil {
		return w
	}
	column = strings.ToUpper(column)
	if !metadataColumns[column] {
		w.err = fmt.Errorf("колонка %q не относится к метаданным отправки", column)
		return w
	}
	for i, c := range w.columns {
		if c == column {
			w.values[i] = value
			return w
		}
	}
	w.columns = append(w.columns, column)
	w.values = append(w.values, value)
	return w
}

// SQL возвращает текст upsert и его аргументы.
func (w *PendingWrite) SQL() (string, []any, error) {
	if w.err != nil {
		return "", nil, w.err
	}

	placeholders := make([]string, len(w.columns))
	updates := make([]string, len(w.columns))
	for i, c := range w.columns {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		updates[i] = c + " = EXCLUDED." + c
	}

	query := fmt.Sprintf(
		`INSERT INTO platauconsultation (ID_PLATAU, %s) VALUES ($1, %s) ON CONFLICT (ID_PLATAU) DO UPDATE SET %s`,
		strings.Join(w.columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	args := append([]any{w.consultationID}, w.values...)
	return query, args, nil
}

// Exec выполняет запись.
func (w *PendingWrite) Exec(ctx context.Context) error {
	query, args, err := w.SQL()
	if err != nil {
		return err
	}

	if _, err := w.store.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("ошибка записи метаданных консультации %s: %w", w.consultationID, err)
	}

	attrs := []any{slog.String("consultation_id", w.consultationID)}
	for i, c := range w.columns {
		attrs = append(attrs, slog.Any(strings.ToLower(c), w.values[i]))
	}
	w.store.logger.Debug("Метаданные отправки обновлены", attrs...)
	return nil
}
