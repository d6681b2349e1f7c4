package prevarisc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/passerelle-platau/internal/platau"
)

// ConsultationExiste проверяет, есть ли dossier, связанный с консультацией.
func (s *Store) ConsultationExiste(ctx context.Context, consultationID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dossier WHERE ID_PLATAU = $1)`, consultationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки консультации %s: %w", consultationID, err)
	}
	return exists, nil
}

// RecupererDossierDeConsultation возвращает dossier консультации
// с метаданными отправки PEC и avis.
func (s *Store) RecupererDossierDeConsultation(ctx context.Context, consultationID string) (*Dossier, error) {
	query := `
		SELECT d.ID_DOSSIER, d.ID_PLATAU, d.INCOMPLET_DOSSIER, d.AVIS_DOSSIER_COMMISSION, d.CREATEUR_DOSSIER,
			COALESCE(pc.STATUT_PEC, 'unknown'), pc.DATE_PEC,
			COALESCE(pc.STATUT_AVIS, 'unknown'), pc.DATE_AVIS
		FROM dossier d
		LEFT JOIN platauconsultation pc ON pc.ID_PLATAU = d.ID_PLATAU
		WHERE d.ID_PLATAU = $1`

	d := &Dossier{}
	err := s.db.QueryRow(ctx, query, consultationID).Scan(
		&d.ID, &d.IDPlatau, &d.Incomplet, &d.AvisCommission, &d.Createur,
		&d.StatutPEC, &d.DatePEC, &d.StatutAvis, &d.DateAvis,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("консультация %s отсутствует в Prevarisc: %w", consultationID, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка получения dossier консультации %s: %w", consultationID, err)
	}
	return d, nil
}

// ImportConsultation создаёт dossier по консультации Plat'AU в одной транзакции:
// dossier, dossiernature и, если у dossier Plat'AU есть номер, dossierdocurba.
// Повторный импорт той же консультации возвращает ErrAlreadyImported.
func (s *Store) ImportConsultation(ctx context.Context, c *platau.Consultation, demandeur, serviceInstructeur *platau.Acteur) (int64, error) {
	nature, err := NatureCorrespondante(c.Dossier.NomTypeDossier.IDNom)
	if err != nil {
		return 0, err
	}

	now := s.now()
	var dossierID int64

	err = s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO dossier (
				TYPE_DOSSIER, INCOMPLET_DOSSIER, CREATEUR_DOSSIER, DEMANDEUR_DOSSIER,
				TYPESERVINSTRUC_DOSSIER, SERVICEINSTRUC_DOSSIER,
				DATESDIS_DOSSIER, DATEINSERT_DOSSIER, ID_PLATAU,
				OBJET_DOSSIER, OBSERVATION_DOSSIER,
				COMMUNE_DOSSIER, DESCGEN_DOSSIER, ANOMALIE_DOSSIER, DESCANAL_DOSSIER,
				JUSTIFDEROG_DOSSIER, MESURESCOMPENS_DOSSIER, MESURESCOMPLE_DOSSIER, DESCEFF_DOSSIER,
				DATECOMM_DOSSIER, COORDSSI_DOSSIER, DATEPREF_DOSSIER, DATEREP_DOSSIER,
				DATEREUN_DOSSIER, REX_DOSSIER, CHARGESEC_DOSSIER, GRAVPRESC_DOSSIER,
				REGLEDEROG_DOSSIER, LIEUREUNION_DOSSIER
			)
			VALUES (
				1, NULL, $1, $2,
				'servInstGrp', $3,
				$4, $4, $5,
				$6, $7,
				NULL, NULL, NULL, NULL,
				NULL, NULL, NULL, NULL,
				NULL, NULL, NULL, NULL,
				NULL, NULL, NULL, NULL,
				NULL, NULL
			)
			ON CONFLICT (ID_PLATAU) DO NOTHING
			RETURNING ID_DOSSIER`

		err := tx.QueryRow(ctx, query,
			s.userID, designation(demandeur), designation(serviceInstructeur),
			now, c.IDConsultation,
			ObjetDossier(c), ObservationDossier(c),
		).Scan(&dossierID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
				return fmt.Errorf("консультация %s: %w", c.IDConsultation, ErrAlreadyImported)
			}
			return fmt.Errorf("ошибка создания dossier: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO dossiernature (ID_NATURE, ID_DOSSIER) VALUES ($1, $2)`, nature, dossierID,
		); err != nil {
			return fmt.Errorf("ошибка связывания природы dossier: %w", err)
		}

		if c.Dossier.NoLocal != "" {
			if _, err := tx.Exec(ctx,
				`INSERT INTO dossierdocurba (NUM_DOCURBA, ID_DOSSIER) VALUES ($1, $2)`, c.Dossier.NoLocal, dossierID,
			); err != nil {
				return fmt.Errorf("ошибка сохранения номера документа урбанизма: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Консультация импортирована",
		slog.String("consultation_id", c.IDConsultation),
		slog.Int64("dossier_id", dossierID),
		slog.Int("nature", nature),
	)
	return dossierID, nil
}

// ObjetDossier формирует OBJET_DOSSIER из объекта консультации и описания dossier.
func ObjetDossier(c *platau.Consultation) string {
	objet := "SANS OBJET"
	if c.TxObjetDeLaConsultation != nil {
		objet = *c.TxObjetDeLaConsultation
	}
	return fmt.Sprintf("Objet de la consultation : %s ; %s", objet, c.Dossier.TxDescriptifGlobal)
}

// ObservationDossier формирует OBSERVATION_DOSSIER из дат и срока консультации.
func ObservationDossier(c *platau.Consultation) string {
	return fmt.Sprintf(
		"Consultation PLATAU : Consultation de type %s décidée le %s et transmise au service consultable le %s. Une réponse est attendue dans %s mois.",
		orDefault(c.NomTypeConsultation.LibNom, "INCONNUE"),
		orDefault(c.DtConsultation, "DATE CONSULTATION INCONNUE"),
		orDefault(c.DtEmission, "DATE EMISSION INCONNUE"),
		rawOrDefault(c.Raw, "delaiDeReponseEnMois", "DELAI INCONNU"),
	)
}

// GetPrescriptions возвращает предписания dossier. Пустые формулировки
// дополняются из типового предписания, его статьи и текста.
func (s *Store) GetPrescriptions(ctx context.Context, dossierID int64) ([]Prescription, error) {
	query := `
		SELECT pd.TYPE_PRESCRIPTION_DOSSIER,
			COALESCE(pd.LIBELLE_PRESCRIPTION_DOSSIER, pt.PRESCRIPTIONTYPE_LIBELLE, ''),
			COALESCE(article.LIBELLE_ARTICLE, article_type.LIBELLE_ARTICLE, ''),
			COALESCE(texte.LIBELLE_TEXTE, texte_type.LIBELLE_TEXTE, '')
		FROM prescriptiondossier pd
		LEFT JOIN prescriptiontype pt ON pt.ID_PRESCRIPTIONTYPE = pd.ID_PRESCRIPTION_TYPE
		LEFT JOIN prescriptiontypeassoc pta ON pta.ID_PRESCRIPTIONTYPE = pt.ID_PRESCRIPTIONTYPE
		LEFT JOIN prescriptionarticleliste article_type ON article_type.ID_ARTICLE = pta.ID_ARTICLE
		LEFT JOIN prescriptiontexteliste texte_type ON texte_type.ID_TEXTE = pta.ID_TEXTE
		LEFT JOIN prescriptiondossierassoc pda ON pda.ID_PRESCRIPTION_DOSSIER = pd.ID_PRESCRIPTION_DOSSIER
		LEFT JOIN prescriptionarticleliste article ON article.ID_ARTICLE = pda.ID_ARTICLE
		LEFT JOIN prescriptiontexteliste texte ON texte.ID_TEXTE = pda.ID_TEXTE
		WHERE pd.ID_DOSSIER = $1
		ORDER BY pd.TYPE_PRESCRIPTION_DOSSIER, pd.NUM_PRESCRIPTION_DOSSIER`

	rows, err := s.db.Query(ctx, query, dossierID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения предписаний dossier %d: %w", dossierID, err)
	}
	defer rows.Close()

	var result []Prescription
	for rows.Next() {
		var p Prescription
		if err := rows.Scan(&p.Type, &p.Libelle, &p.Article, &p.Texte); err != nil {
			return nil, fmt.Errorf("ошибка чтения предписания: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации предписаний: %w", err)
	}
	return result, nil
}

// RecupererDossierAuteur возвращает создателя dossier.
func (s *Store) RecupererDossierAuteur(ctx context.Context, dossierID int64) (*Auteur, error) {
	query := `
		SELECT COALESCE(ui.PRENOM_UTILISATEURINFORMATIONS, ''), COALESCE(ui.NOM_UTILISATEURINFORMATIONS, ''),
			COALESCE(ui.MAIL_UTILISATEURINFORMATIONS, ''), COALESCE(ui.TELFIXE_UTILISATEURINFORMATIONS, ''),
			COALESCE(ui.TELPORTABLE_UTILISATEURINFORMATIONS, '')
		FROM dossier d
		JOIN utilisateur u ON u.ID_UTILISATEUR = d.CREATEUR_DOSSIER
		JOIN utilisateurinformations ui ON ui.ID_UTILISATEURINFORMATIONS = u.ID_UTILISATEURINFORMATIONS
		WHERE d.ID_DOSSIER = $1`

	a := &Auteur{}
	err := s.db.QueryRow(ctx, query, dossierID).Scan(&a.Prenom, &a.Nom, &a.Mail, &a.TelFixe, &a.TelPortable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("автор dossier %d: %w", dossierID, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка получения автора dossier %d: %w", dossierID, err)
	}
	return a, nil
}

// RecupererDocumentsManquants возвращает недостающие документы dossier,
// по одному на строку. Пустая строка — документов нет.
func (s *Store) RecupererDocumentsManquants(ctx context.Context, dossierID int64) (string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DOCMANQUANT FROM dossierdocmanquant WHERE ID_DOSSIER = $1 ORDER BY NUM_DOCSMANQUANTS, ID_DOCMANQUANT`,
		dossierID,
	)
	if err != nil {
		return "", fmt.Errorf("ошибка получения недостающих документов dossier %d: %w", dossierID, err)
	}

	docs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("ошибка чтения недостающих документов: %w", err)
	}
	return strings.Join(docs, "\n"), nil
}

func designation(a *platau.Acteur) *string {
	if a == nil {
		return nil
	}
	return &a.DesignationActeur
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func rawOrDefault(raw map[string]any, key, def string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}
