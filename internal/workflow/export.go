// export.go — отправка PEC, avis и пьес из Prevarisc в Plat'AU.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bigkaa/passerelle-platau/internal/platau"
	"github.com/bigkaa/passerelle-platau/internal/prevarisc"
)

// ExportPECOptions — параметры export-pec.
type ExportPECOptions struct {
	// Обработать только эту консультацию
	ConsultationID string
	// Срок ответа в днях вместо срока из консультации
	DelaiJours *int
}

// ExportPEC отправляет PEC по консультациям, для которых в Prevarisc
// указана комплектность dossier.
func (r *Runner) ExportPEC(ctx context.Context, opts ExportPECOptions) (*Report, error) {
	rn := r.startRun("export-pec")

	consultations, err := r.selectConsultations(ctx, opts.ConsultationID, platau.EtatVersee, platau.EtatRejeteeIncomplet)
	if err != nil {
		return r.finishRun(rn), err
	}

	for _, c := range consultations {
		if err := ctx.Err(); err != nil {
			return r.finishRun(rn), err
		}
		r.exportPEC(ctx, rn, c, opts.DelaiJours)
	}
	return r.finishRun(rn), nil
}

func (r *Runner) exportPEC(ctx context.Context, rn *run, c *platau.Consultation, delaiJours *int) {
	id := c.IDConsultation

	dossier, ok := r.dossierOf(ctx, rn, id)
	if !ok {
		return
	}

	if c.Etat() == platau.EtatRejeteeIncomplet && !resendable(dossier.StatutPEC, prevarisc.PECToExport, prevarisc.PECInError) {
		rn.skip(id, "PEC уже отправлена, повторная отправка не запрошена")
		return
	}
	if dossier.Incomplet == nil || (*dossier.Incomplet != 0 && *dossier.Incomplet != 1) {
		rn.skip(id, "Комплектность dossier ещё не указана в Prevarisc")
		return
	}
	positive := *dossier.Incomplet == 0
	dateEnvoi := r.firstSendDate(dossier.DatePEC)

	exported := &exportedPieces{}
	err := func() error {
		auteur, err := r.auteurOf(ctx, dossier.ID)
		if err != nil {
			return err
		}

		documents, err := r.uploadPieces(ctx, rn, dossier.ID, platau.TypeDocumentPEC, exported)
		if err != nil {
			return err
		}

		var observations string
		if !positive {
			if observations, err = r.store.RecupererDocumentsManquants(ctx, dossier.ID); err != nil {
				return err
			}
		}

		return r.consultations.EnvoiPEC(ctx, platau.PECRequest{
			ConsultationID: id,
			Positive:       positive,
			DelaiJours:     delaiJours,
			Observations:   observations,
			Documents:      documents,
			DateEnvoi:      dateEnvoi,
			Auteur:         auteur.Platau(),
		})
	}()
	if err != nil {
		r.rollback(ctx, rn, id, exported)
		if serr := r.store.EnregistrerStatut(ctx, id, prevarisc.TrackPEC, prevarisc.PECInError, &dateEnvoi); serr != nil {
			err = errors.Join(err, serr)
		}
		rn.fail(id, "Ошибка отправки PEC", err)
		return
	}

	if err := r.store.EnregistrerStatut(ctx, id, prevarisc.TrackPEC, prevarisc.PECTakenIntoAccount, &dateEnvoi); err != nil {
		rn.fail(id, "PEC отправлена, но статус не записан", err)
		return
	}
	if err := r.store.EnregistrerStatut(ctx, id, prevarisc.TrackAvis, prevarisc.AvisInProgress, nil); err != nil {
		rn.fail(id, "PEC отправлена, но статус avis не записан", err)
		return
	}

	if positive {
		rn.success(id, "Положительная PEC отправлена")
	} else {
		rn.success(id, "Отрицательная PEC отправлена")
	}
}

// ExportAvis отправляет avis commission по консультациям в состояниях,
// допускающих avis.
func (r *Runner) ExportAvis(ctx context.Context, consultationID string) (*Report, error) {
	rn := r.startRun("export-avis")

	consultations, err := r.selectConsultations(ctx, consultationID, r.avisEtats...)
	if err != nil {
		return r.finishRun(rn), err
	}

	for _, c := range consultations {
		if err := ctx.Err(); err != nil {
			return r.finishRun(rn), err
		}
		r.exportAvis(ctx, rn, c)
	}
	return r.finishRun(rn), nil
}

func (r *Runner) exportAvis(ctx context.Context, rn *run, c *platau.Consultation) {
	id := c.IDConsultation

	dossier, ok := r.dossierOf(ctx, rn, id)
	if !ok {
		return
	}

	if c.Etat() == platau.EtatReouverte && !resendable(dossier.StatutAvis, prevarisc.AvisToExport, prevarisc.AvisInError) {
		rn.skip(id, "Avis уже отправлен, повторная отправка не запрошена")
		return
	}
	if dossier.AvisCommission == nil || (*dossier.AvisCommission != 1 && *dossier.AvisCommission != 2) {
		rn.skip(id, "Avis commission ещё не указан в Prevarisc")
		return
	}
	favorable := *dossier.AvisCommission == 1
	dateEnvoi := r.firstSendDate(dossier.DateAvis)

	exported := &exportedPieces{}
	err := func() error {
		prescriptions, err := r.store.GetPrescriptions(ctx, dossier.ID)
		if err != nil {
			return err
		}
		libelles := make([]string, 0, len(prescriptions))
		for _, p := range prescriptions {
			libelles = append(libelles, p.Libelle)
		}

		auteur, err := r.auteurOf(ctx, dossier.ID)
		if err != nil {
			return err
		}

		documents, err := r.uploadPieces(ctx, rn, dossier.ID, platau.TypeDocumentAvis, exported)
		if err != nil {
			return err
		}

		return r.consultations.VersementAvis(ctx, platau.AvisRequest{
			ConsultationID: id,
			Favorable:      favorable,
			Prescriptions:  libelles,
			Documents:      documents,
			DateEnvoi:      dateEnvoi,
			Auteur:         auteur.Platau(),
		})
	}()
	if err != nil {
		r.rollback(ctx, rn, id, exported)
		if serr := r.store.EnregistrerStatut(ctx, id, prevarisc.TrackAvis, prevarisc.AvisInError, &dateEnvoi); serr != nil {
			err = errors.Join(err, serr)
		}
		rn.fail(id, "Ошибка отправки avis", err)
		return
	}

	if err := r.store.EnregistrerStatut(ctx, id, prevarisc.TrackAvis, prevarisc.AvisTreated, &dateEnvoi); err != nil {
		rn.fail(id, "Avis отправлен, но статус не записан", err)
		return
	}

	if favorable {
		rn.success(id, "Благоприятный avis отправлен")
	} else {
		rn.success(id, "Неблагоприятный avis отправлен")
	}
}

// ExportPieces загружает пьесы to_be_exported консультаций «prise en compte»
// в Syncplicity и регистрирует их в dossier Plat'AU.
func (r *Runner) ExportPieces(ctx context.Context) (*Report, error) {
	if !r.syncplicity {
		return nil, ErrSyncplicityRequired
	}

	rn := r.startRun("export-pieces")

	consultations, err := r.consultations.SearchByEtats(ctx, platau.EtatPriseEnCompte)
	if err != nil {
		return r.finishRun(rn), fmt.Errorf("поиск консультаций: %w", err)
	}

	for _, c := range consultations {
		if err := ctx.Err(); err != nil {
			return r.finishRun(rn), err
		}
		r.exportPieces(ctx, rn, c.IDConsultation)
	}
	return r.finishRun(rn), nil
}

func (r *Runner) exportPieces(ctx context.Context, rn *run, id string) {
	exists, err := r.store.ConsultationExiste(ctx, id)
	if err != nil {
		rn.fail(id, "Ошибка проверки консультации", err)
		return
	}
	if !exists {
		rn.skip(id, "Консультация отсутствует в Prevarisc")
		return
	}

	dossier, err := r.store.RecupererDossierDeConsultation(ctx, id)
	if err != nil {
		rn.fail(id, "Ошибка получения dossier", err)
		return
	}

	pieces, err := r.store.RecupererPiecesAvecStatut(ctx, dossier.ID, prevarisc.PieceToBeExported)
	if err != nil {
		rn.fail(id, "Ошибка получения пьес", err)
		return
	}
	if len(pieces) == 0 {
		rn.skip(id, "Нет пьес для экспорта")
		return
	}

	var errs []error
	for _, pj := range pieces {
		if err := r.exportPiece(ctx, id, pj); err != nil {
			piecesTotal.WithLabelValues("export", "error").Inc()
			if serr := r.store.ChangerStatutPiece(ctx, pj.ID, prevarisc.PieceOnError); serr != nil {
				err = errors.Join(err, serr)
			}
			errs = append(errs, fmt.Errorf("пьеса %s: %w", pj.NomFichier(), err))
			continue
		}
		piecesTotal.WithLabelValues("export", "success").Inc()
		if err := r.store.ChangerStatutPiece(ctx, pj.ID, prevarisc.PieceExported); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		rn.fail(id, fmt.Sprintf("Не удалось экспортировать %d из %d пьес", len(errs), len(pieces)), errors.Join(errs...))
		return
	}
	rn.success(id, fmt.Sprintf("Экспортировано пьес: %d", len(pieces)))
}

func (r *Runner) exportPiece(ctx context.Context, consultationID string, pj prevarisc.PieceJointe) error {
	contents, err := r.store.RecupererFichierPhysique(ctx, pj.ID, pj.Extension)
	if err != nil {
		return err
	}

	doc, err := r.pieces.UploadDocument(ctx, pj.NomFichier(), contents, platau.TypeDocumentAvis)
	if err != nil {
		return err
	}

	// версия dossier меняется после каждой регистрации пьесы
	c, err := r.consultations.Get(ctx, consultationID, nil)
	if err != nil {
		return err
	}

	return r.pieces.AjouterPieceDepuisFichierSyncplicity(ctx, platau.PieceSyncplicity{
		IDDossier:               c.Dossier.IDDossier,
		NoVersion:               c.Dossier.NoVersion,
		NomTypePiece:            platau.TypeDocumentAvis,
		DtProduction:            doc.DtProduction,
		NomFichier:              doc.Fichier.NomFichier,
		IDFichierSyncplicity:    doc.Fichier.IDFichierSyncplicity,
		IDRepertoireSyncplicity: doc.Fichier.IDRepertoireSyncplicity,
		Empreinte:               doc.Fichier.Empreinte.Valeur,
	})
}

// --- Общие шаги ---

// exportedPieces — пьесы, переведённые в exported в текущей итерации.
type exportedPieces struct {
	ids []int64
}

// selectConsultations возвращает указанную консультацию или все консультации в etats.
func (r *Runner) selectConsultations(ctx context.Context, consultationID string, etats ...int) ([]*platau.Consultation, error) {
	if consultationID != "" {
		c, err := r.consultations.Get(ctx, consultationID, nil)
		if err != nil {
			return nil, fmt.Errorf("получение консультации %s: %w", consultationID, err)
		}
		return []*platau.Consultation{c}, nil
	}

	consultations, err := r.consultations.SearchByEtats(ctx, etats...)
	if err != nil {
		return nil, fmt.Errorf("поиск консультаций: %w", err)
	}
	return consultations, nil
}

// dossierOf возвращает dossier консультации. Консультация без dossier пропускается.
func (r *Runner) dossierOf(ctx context.Context, rn *run, id string) (*prevarisc.Dossier, bool) {
	dossier, err := r.store.RecupererDossierDeConsultation(ctx, id)
	if err != nil {
		if errors.Is(err, prevarisc.ErrNotFound) {
			rn.skip(id, "Консультация отсутствует в Prevarisc")
			return nil, false
		}
		rn.fail(id, "Ошибка получения dossier", err)
		return nil, false
	}
	return dossier, true
}

// auteurOf возвращает автора dossier; dossier без автора отправляется без personneAuteur.
func (r *Runner) auteurOf(ctx context.Context, dossierID int64) (*prevarisc.Auteur, error) {
	auteur, err := r.store.RecupererDossierAuteur(ctx, dossierID)
	if err != nil {
		if errors.Is(err, prevarisc.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return auteur, nil
}

// uploadPieces загружает пьесы to_be_exported dossier и возвращает документы.
// Загруженная пьеса получает статус exported, незагруженная — on_error.
// Без Syncplicity ничего не загружается.
func (r *Runner) uploadPieces(ctx context.Context, rn *run, dossierID int64, typeDocument int, exported *exportedPieces) ([]platau.Document, error) {
	if !r.syncplicity {
		return nil, nil
	}

	pieces, err := r.store.RecupererPiecesAvecStatut(ctx, dossierID, prevarisc.PieceToBeExported)
	if err != nil {
		return nil, err
	}

	var documents []platau.Document
	for _, pj := range pieces {
		doc, err := r.uploadPiece(ctx, pj, typeDocument)
		if err != nil {
			piecesTotal.WithLabelValues("export", "error").Inc()
			rn.logger.Warn("Пьеса не загружена",
				slog.Int64("piece_id", pj.ID),
				slog.String("file_name", pj.NomFichier()),
				slog.String("error", err.Error()),
			)
			if err := r.store.ChangerStatutPiece(ctx, pj.ID, prevarisc.PieceOnError); err != nil {
				return nil, err
			}
			continue
		}

		if err := r.store.ChangerStatutPiece(ctx, pj.ID, prevarisc.PieceExported); err != nil {
			return nil, err
		}
		piecesTotal.WithLabelValues("export", "success").Inc()
		exported.ids = append(exported.ids, pj.ID)
		documents = append(documents, *doc)
	}
	return documents, nil
}

func (r *Runner) uploadPiece(ctx context.Context, pj prevarisc.PieceJointe, typeDocument int) (*platau.Document, error) {
	contents, err := r.store.RecupererFichierPhysique(ctx, pj.ID, pj.Extension)
	if err != nil {
		return nil, err
	}
	return r.pieces.UploadDocument(ctx, pj.NomFichier(), contents, typeDocument)
}

// rollback возвращает пьесы, загруженные в этой итерации, в to_be_exported.
// Пьесы on_error остаются в своём статусе.
func (r *Runner) rollback(ctx context.Context, rn *run, id string, exported *exportedPieces) {
	for _, pieceID := range exported.ids {
		if err := r.store.ChangerStatutPiece(ctx, pieceID, prevarisc.PieceToBeExported); err != nil {
			rn.logger.Error("Ошибка отката статуса пьесы",
				slog.String("consultation_id", id),
				slog.Int64("piece_id", pieceID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// firstSendDate возвращает дату первой отправки решения: сохранённую или,
// если решение ещё не отправлялось, сегодняшнюю. Дата записывается при
// любом исходе отправки и больше не меняется.
func (r *Runner) firstSendDate(stored *time.Time) time.Time {
	if stored != nil {
		return *stored
	}
	return r.today()
}

// resendable сообщает, запрошена ли повторная отправка решения.
func resendable(statut string, allowed ...string) bool {
	return slices.Contains(allowed, statut)
}
