// import.go — импорт консультаций и их пьес из Plat'AU в Prevarisc.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/passerelle-platau/internal/platau"
	"github.com/bigkaa/passerelle-platau/internal/prevarisc"
)

// Import создаёт dossiers Prevarisc для консультаций в состоянии «versée».
// Уже импортированные консультации пропускаются, после импорта PEC
// переходит в awaiting.
func (r *Runner) Import(ctx context.Context) (*Report, error) {
	rn := r.startRun("import")

	consultations, err := r.consultations.SearchByEtats(ctx, platau.EtatVersee)
	if err != nil {
		return r.finishRun(rn), fmt.Errorf("поиск консультаций: %w", err)
	}
	if len(consultations) == 0 {
		rn.logger.Info("Нет новых консультаций")
	}

	for _, c := range consultations {
		if err := ctx.Err(); err != nil {
			return r.finishRun(rn), err
		}
		r.importConsultation(ctx, rn, c)
	}
	return r.finishRun(rn), nil
}

func (r *Runner) importConsultation(ctx context.Context, rn *run, c *platau.Consultation) {
	id := c.IDConsultation

	exists, err := r.store.ConsultationExiste(ctx, id)
	if err != nil {
		rn.fail(id, "Ошибка проверки консультации", err)
		return
	}
	if exists {
		rn.skip(id, "Консультация уже есть в Prevarisc")
		return
	}

	var instructeur, demandeur *platau.Acteur
	if c.Dossier.IDServiceInstructeur != nil {
		if instructeur, err = r.acteurs.Get(ctx, *c.Dossier.IDServiceInstructeur); err != nil {
			rn.fail(id, "Ошибка получения service instructeur", err)
			return
		}
	}
	if c.IDServiceConsultant != nil {
		if demandeur, err = r.acteurs.Get(ctx, *c.IDServiceConsultant); err != nil {
			rn.fail(id, "Ошибка получения service consultant", err)
			return
		}
	}

	if _, err := r.store.ImportConsultation(ctx, c, demandeur, instructeur); err != nil {
		if errors.Is(err, prevarisc.ErrAlreadyImported) {
			rn.skip(id, "Консультация уже есть в Prevarisc")
			return
		}
		rn.fail(id, "Ошибка импорта консультации", err)
		return
	}

	if err := r.store.EnregistrerStatut(ctx, id, prevarisc.TrackPEC, prevarisc.PECAwaiting, nil); err != nil {
		rn.fail(id, "Консультация импортирована, но статус PEC не записан", err)
		return
	}
	rn.success(id, "Консультация импортирована в Prevarisc")
}

// ImportPieces скачивает пьесы консультаций, уже импортированных в Prevarisc.
// По умолчанию обрабатываются консультации в состоянии «prise en compte»,
// с forceNonPEC — в состоянии «versée».
func (r *Runner) ImportPieces(ctx context.Context, forceNonPEC bool) (*Report, error) {
	rn := r.startRun("import-pieces")

	etat := platau.EtatPriseEnCompte
	if forceNonPEC {
		etat = platau.EtatVersee
	}

	consultations, err := r.consultations.SearchByEtats(ctx, etat)
	if err != nil {
		return r.finishRun(rn), fmt.Errorf("поиск консультаций: %w", err)
	}

	for _, c := range consultations {
		if err := ctx.Err(); err != nil {
			return r.finishRun(rn), err
		}
		r.importPieces(ctx, rn, c.IDConsultation)
	}
	return r.finishRun(rn), nil
}

func (r *Runner) importPieces(ctx context.Context, rn *run, id string) {
	exists, err := r.store.ConsultationExiste(ctx, id)
	if err != nil {
		rn.fail(id, "Ошибка проверки консультации", err)
		return
	}
	if !exists {
		rn.skip(id, "Консультация отсутствует в Prevarisc, сначала выполните import")
		return
	}

	dossier, err := r.store.RecupererDossierDeConsultation(ctx, id)
	if err != nil {
		rn.fail(id, "Ошибка получения dossier", err)
		return
	}

	pieces, err := r.consultations.Pieces(ctx, id)
	if err != nil {
		rn.fail(id, "Ошибка получения списка пьес", err)
		return
	}

	created := 0
	for _, piece := range pieces {
		downloaded, err := r.pieces.Download(ctx, piece)
		if err != nil {
			piecesTotal.WithLabelValues("import", "error").Inc()
			rn.fail(id, fmt.Sprintf("Ошибка скачивания пьесы %s", piece.IDPiece), err)
			return
		}

		extension := downloaded.Extension
		if extension == "" {
			extension = platau.ExtensionInconnue
		}

		pj, isNew, err := r.store.CreerPieceJointe(ctx, dossier.ID, piece, extension, downloaded.Contents)
		if err != nil {
			piecesTotal.WithLabelValues("import", "error").Inc()
			rn.fail(id, fmt.Sprintf("Ошибка сохранения пьесы %s", piece.IDPiece), err)
			return
		}
		if isNew {
			created++
			piecesTotal.WithLabelValues("import", "success").Inc()
		}
		rn.logger.Debug("Пьеса обработана",
			slog.String("consultation_id", id),
			slog.String("id_piece", piece.IDPiece),
			slog.Int64("piece_id", pj.ID),
			slog.Bool("created", isNew),
		)
	}

	rn.success(id, fmt.Sprintf("Пьесы сохранены в Prevarisc: новых %d из %d", created, len(pieces)))
}
