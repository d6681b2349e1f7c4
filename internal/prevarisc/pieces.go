package prevarisc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/passerelle-platau/internal/platau"
)

// PrefixeNomPiece — префикс NOM_PIECEJOINTE пьес, импортированных из Plat'AU.
const PrefixeNomPiece = "PLATAU-"

const pieceColumns = `pj.ID_PIECEJOINTE, COALESCE(pj.NOM_PIECEJOINTE, ''), COALESCE(pj.EXTENSION_PIECEJOINTE, ''),
	pj.DATE_PIECEJOINTE, COALESCE(pj.DESCRIPTION_PIECEJOINTE, ''), COALESCE(s.NOM_STATUT, ''), pj.ID_PLATAU`

// RecupererPiecesAvecStatut возвращает пьесы dossier в указанном статусе экспорта.
func (s *Store) RecupererPiecesAvecStatut(ctx context.Context, dossierID int64, statut string) ([]PieceJointe, error) {
	query := `
		SELECT ` + pieceColumns + `
		FROM piecejointe pj
		JOIN dossierpj dpj ON dpj.ID_PIECEJOINTE = pj.ID_PIECEJOINTE
		JOIN piecejointestatut s ON s.ID_PIECEJOINTESTATUT = pj.ID_PIECEJOINTESTATUT
		WHERE dpj.ID_DOSSIER = $1 AND s.NOM_STATUT = $2
		ORDER BY pj.ID_PIECEJOINTE`

	rows, err := s.db.Query(ctx, query, dossierID, statut)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пьес dossier %d: %w", dossierID, err)
	}
	defer rows.Close()

	var result []PieceJointe
	for rows.Next() {
		p, err := scanPiece(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации пьес: %w", err)
	}
	return result, nil
}

// ChangerStatutPiece меняет статус экспорта пьесы.
func (s *Store) ChangerStatutPiece(ctx context.Context, pieceID int64, statut string) error {
	statutID, err := s.statutID(ctx, s.db, statut)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE piecejointe SET ID_PIECEJOINTESTATUT = $1 WHERE ID_PIECEJOINTE = $2`, statutID, pieceID,
	)
	if err != nil {
		return fmt.Errorf("ошибка изменения статуса пьесы %d: %w", pieceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("пьеса %d: %w", pieceID, ErrNotFound)
	}

	s.logger.Debug("Статус пьесы изменён",
		slog.Int64("piece_id", pieceID),
		slog.String("statut", statut),
	)
	return nil
}

// CreerPieceJointe сохраняет пьесу Plat'AU в dossier. В одной транзакции:
// строка piecejointe, связь dossierpj и последним шагом файл в хранилище.
// Пьеса, уже импортированная ранее, возвращается без изменений (created = false).
func (s *Store) CreerPieceJointe(ctx context.Context, dossierID int64, piece platau.Piece, extension string, contents []byte) (pj *PieceJointe, created bool, err error) {
	nom := PrefixeNomPiece + piece.IDPiece

	err = s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.pieceParNom(ctx, tx, dossierID, nom)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			pj = existing
			return nil
		}

		statutID, err := s.statutID(ctx, tx, PieceNotExported)
		if err != nil {
			return err
		}

		today := s.now()
		p := &PieceJointe{
			Nom:         nom,
			Extension:   extension,
			Date:        &today,
			Description: piece.NomTypePiece.LibNom,
			Statut:      PieceNotExported,
			IDPlatau:    &piece.IDPiece,
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO piecejointe (NOM_PIECEJOINTE, EXTENSION_PIECEJOINTE, DATE_PIECEJOINTE,
				DESCRIPTION_PIECEJOINTE, ID_PIECEJOINTESTATUT, ID_PLATAU)
			VALUES ($1, $2, $3::date, $4, $5, $6)
			RETURNING ID_PIECEJOINTE`,
			p.Nom, p.Extension, today, p.Description, statutID, piece.IDPiece,
		).Scan(&p.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("пьеса %s уже связана с другим dossier: %w", piece.IDPiece, ErrAlreadyImported)
			}
			return fmt.Errorf("ошибка создания пьесы: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO dossierpj (ID_DOSSIER, ID_PIECEJOINTE) VALUES ($1, $2)`, dossierID, p.ID,
		); err != nil {
			return fmt.Errorf("ошибка связывания пьесы с dossier: %w", err)
		}

		saved, err := s.files.Put(ctx, StorageName(p.ID, extension), contents)
		if err != nil {
			return fmt.Errorf("ошибка сохранения файла пьесы: %w", err)
		}

		s.logger.Info("Пьеса сохранена",
			slog.Int64("dossier_id", dossierID),
			slog.Int64("piece_id", p.ID),
			slog.String("id_platau", piece.IDPiece),
			slog.String("location", saved.Location),
			slog.Int64("size", saved.Size),
			slog.String("checksum", saved.Checksum),
		)
		pj, created = p, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return pj, created, nil
}

// RecupererFichierPhysique читает содержимое пьесы из хранилища.
func (s *Store) RecupererFichierPhysique(ctx context.Context, pieceID int64, extension string) ([]byte, error) {
	data, err := s.files.Get(ctx, StorageName(pieceID, extension))
	if err != nil {
		return nil, fmt.Errorf("файл пьесы %d: %w", pieceID, err)
	}
	return data, nil
}

func (s *Store) pieceParNom(ctx context.Context, db DBTX, dossierID int64, nom string) (*PieceJointe, error) {
	query := `
		SELECT ` + pieceColumns + `
		FROM piecejointe pj
		JOIN dossierpj dpj ON dpj.ID_PIECEJOINTE = pj.ID_PIECEJOINTE
		LEFT JOIN piecejointestatut s ON s.ID_PIECEJOINTESTATUT = pj.ID_PIECEJOINTESTATUT
		WHERE dpj.ID_DOSSIER = $1 AND pj.NOM_PIECEJOINTE = $2
		LIMIT 1`

	p, err := scanPiece(db.QueryRow(ctx, query, dossierID, nom))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) statutID(ctx context.Context, db DBTX, statut string) (int, error) {
	var id int
	err := db.QueryRow(ctx,
		`SELECT ID_PIECEJOINTESTATUT FROM piecejointestatut WHERE NOM_STATUT = $1`, statut,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, statut)
		}
		return 0, fmt.Errorf("ошибка получения статуса %q: %w", statut, err)
	}
	return id, nil
}

func scanPiece(row pgx.Row) (*PieceJointe, error) {
	p := &PieceJointe{}
	if err := row.Scan(&p.ID, &p.Nom, &p.Extension, &p.Date, &p.Description, &p.Statut, &p.IDPlatau); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка чтения пьесы: %w", err)
	}
	return p, nil
}
