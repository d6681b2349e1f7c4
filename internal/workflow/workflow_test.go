package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/passerelle-platau/internal/platau"
	"github.com/bigkaa/passerelle-platau/internal/prevarisc"
)

// --- import ---

func TestImport(t *testing.T) {
	instructeurID, consultantID := "A-INSTR", "A-CONS"
	nouvelle := consultation("C-1", platau.EtatVersee)
	nouvelle.Dossier.IDServiceInstructeur = &instructeurID
	nouvelle.IDServiceConsultant = &consultantID

	h := newHarness(false, nouvelle, consultation("C-2", platau.EtatVersee), consultation("C-3", platau.EtatPriseEnCompte))
	h.acteurs.acteurs[instructeurID] = &platau.Acteur{IDActeur: instructeurID, DesignationActeur: "DDT"}
	h.acteurs.acteurs[consultantID] = &platau.Acteur{IDActeur: consultantID, DesignationActeur: "Mairie"}
	h.store.addDossier("C-2", &prevarisc.Dossier{})

	rep, err := h.runner.Import(context.Background())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	want := map[string]Outcome{"C-1": OutcomeSuccess, "C-2": OutcomeSkipped}
	if got := outcomes(rep); !reflect.DeepEqual(got, want) {
		t.Errorf("итоги = %v, ожидается %v", got, want)
	}
	if !reflect.DeepEqual(h.consultations.searched, [][]int{{platau.EtatVersee}}) {
		t.Errorf("поиск по состояниям %v", h.consultations.searched)
	}

	if len(h.store.imported) != 1 {
		t.Fatalf("ожидался 1 импорт, получено %d", len(h.store.imported))
	}
	call := h.store.imported[0]
	if call.demandeur.DesignationActeur != "Mairie" || call.instructeur.DesignationActeur != "DDT" {
		t.Errorf("неожиданные акторы: %+v, %+v", call.demandeur, call.instructeur)
	}

	st := h.store.lastStatut("C-1", prevarisc.TrackPEC)
	if st == nil || st.statut != prevarisc.PECAwaiting {
		t.Errorf("ожидался статус PEC awaiting, получено %+v", st)
	}
	if rep.RunID == "" {
		t.Error("отчёт должен содержать run id")
	}
}

func TestImport_ErrorDoesNotAbortBatch(t *testing.T) {
	inconnu := "A-INCONNU"
	c1 := consultation("C-1", platau.EtatVersee)
	c1.IDServiceConsultant = &inconnu

	h := newHarness(false, c1, consultation("C-2", platau.EtatVersee))

	rep, err := h.runner.Import(context.Background())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	want := map[string]Outcome{"C-1": OutcomeError, "C-2": OutcomeSuccess}
	if got := outcomes(rep); !reflect.DeepEqual(got, want) {
		t.Errorf("итоги = %v, ожидается %v", got, want)
	}
	success, skipped, failed := rep.Counts()
	if success != 1 || skipped != 0 || failed != 1 {
		t.Errorf("Counts = %d/%d/%d", success, skipped, failed)
	}
}

func TestImport_AlreadyImportedIsSkipped(t *testing.T) {
	h := newHarness(false, consultation("C-1", platau.EtatVersee))
	h.store.importErr = prevarisc.ErrAlreadyImported

	rep, _ := h.runner.Import(context.Background())
	if outcomes(rep)["C-1"] != OutcomeSkipped {
		t.Errorf("параллельный импорт должен давать skipped, получено %v", rep.Results)
	}
}

func TestImport_SearchError(t *testing.T) {
	h := newHarness(false)
	h.consultations.searchErr = errors.New("plat'au недоступен")

	if _, err := h.runner.Import(context.Background()); err == nil {
		t.Fatal("ошибка поиска должна возвращаться")
	}
}

func TestImportPieces(t *testing.T) {
	h := newHarness(false, consultation("C-1", platau.EtatPriseEnCompte), consultation("C-2", platau.EtatPriseEnCompte))
	d := h.store.addDossier("C-1", &prevarisc.Dossier{})
	h.consultations.pieces["C-1"] = []platau.Piece{{IDPiece: "P-1"}, {IDPiece: "P-2"}}
	h.pieces.downloads["P-1"] = &platau.DownloadedPiece{Contents: []byte("pdf"), Extension: ".pdf"}
	h.pieces.downloads["P-2"] = &platau.DownloadedPiece{Contents: []byte("???")}

	rep, err := h.runner.ImportPieces(context.Background(), false)
	if err != nil {
		t.Fatalf("ImportPieces: %v", err)
	}

	want := map[string]Outcome{"C-1": OutcomeSuccess, "C-2": OutcomeSkipped}
	if got := outcomes(rep); !reflect.DeepEqual(got, want) {
		t.Errorf("итоги = %v, ожидается %v", got, want)
	}

	pieces, _ := h.store.RecupererPiecesAvecStatut(context.Background(), d.ID, prevarisc.PieceNotExported)
	if len(pieces) != 2 {
		t.Fatalf("ожидалось 2 пьесы, получено %d", len(pieces))
	}
	if pieces[0].NomFichier() != "PLATAU-P-1.pdf" || pieces[1].Extension != platau.ExtensionInconnue {
		t.Errorf("неожиданные пьесы: %+v", pieces)
	}

	// повторный запуск не создаёт дубликатов
	if _, err := h.runner.ImportPieces(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	pieces, _ = h.store.RecupererPiecesAvecStatut(context.Background(), d.ID, prevarisc.PieceNotExported)
	if len(pieces) != 2 {
		t.Errorf("повторный импорт создал дубликаты: %d пьес", len(pieces))
	}
}

func TestImportPieces_ForceNonPEC(t *testing.T) {
	h := newHarness(false)

	if _, err := h.runner.ImportPieces(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(h.consultations.searched, [][]int{{platau.EtatVersee}}) {
		t.Errorf("с --force-non-pec ожидался поиск по состоянию 1, получено %v", h.consultations.searched)
	}
}

func TestImportPieces_DownloadError(t *testing.T) {
	h := newHarness(false, consultation("C-1", platau.EtatPriseEnCompte))
	h.store.addDossier("C-1", &prevarisc.Dossier{})
	h.consultations.pieces["C-1"] = []platau.Piece{{IDPiece: "P-ABSENTE"}}

	rep, _ := h.runner.ImportPieces(context.Background(), false)
	if outcomes(rep)["C-1"] != OutcomeError {
		t.Errorf("ожидалась ошибка, получено %v", rep.Results)
	}
}

// --- export-pec ---

func TestExportPEC_Positive(t *testing.T) {
	h := newHarness(true, consultation("C-1", platau.EtatVersee))
	d := h.store.addDossier("C-1", &prevarisc.Dossier{Incomplet: intPtr(0), StatutPEC: prevarisc.PECAwaiting})
	p := h.store.addPiece(d.ID, "plan", prevarisc.PieceToBeExported, []byte("plan"))
	h.store.auteur = &prevarisc.Auteur{Prenom: "Jeanne", Nom: "Martin", Mail: "j.martin@sdis.fr"}

	rep, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{})
	if err != nil {
		t.Fatalf("ExportPEC: %v", err)
	}
	if outcomes(rep)["C-1"] != OutcomeSuccess {
		t.Fatalf("ожидался успех, получено %v", rep.Results)
	}

	if len(h.consultations.pecs) != 1 {
		t.Fatalf("ожидалась 1 PEC, получено %d", len(h.consultations.pecs))
	}
	pec := h.consultations.pecs[0]
	if !pec.Positive || pec.Observations != "" || pec.DelaiJours != nil {
		t.Errorf("неожиданная PEC: %+v", pec)
	}
	if want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC); !pec.DateEnvoi.Equal(want) {
		t.Errorf("первая PEC отправляется сегодняшней датой, получено %s", pec.DateEnvoi)
	}
	if len(pec.Documents) != 1 || h.pieces.types[0] != platau.TypeDocumentPEC {
		t.Errorf("ожидался 1 документ типа 47: %+v, типы %v", pec.Documents, h.pieces.types)
	}
	if pec.Auteur == nil || pec.Auteur.Mail != "j.martin@sdis.fr" {
		t.Errorf("неожиданный автор: %+v", pec.Auteur)
	}
	if h.store.pieces[p.ID].Statut != prevarisc.PieceExported {
		t.Errorf("статус пьесы = %s", h.store.pieces[p.ID].Statut)
	}

	st := h.store.lastStatut("C-1", prevarisc.TrackPEC)
	today := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if st.statut != prevarisc.PECTakenIntoAccount || st.date == nil || !st.date.Equal(today) {
		t.Errorf("статус PEC: %+v", st)
	}
	if av := h.store.lastStatut("C-1", prevarisc.TrackAvis); av == nil || av.statut != prevarisc.AvisInProgress {
		t.Errorf("статус avis: %+v", av)
	}
}

func TestExportPEC_Negative(t *testing.T) {
	h := newHarness(false, consultation("C-1", platau.EtatVersee))
	d := h.store.addDossier("C-1", &prevarisc.Dossier{Incomplet: intPtr(1)})
	h.store.docsManquants[d.ID] = "Plan de masse\nNotice"

	if _, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{DelaiJours: intPtr(10)}); err != nil {
		t.Fatal(err)
	}

	if len(h.consultations.pecs) != 1 {
		t.Fatalf("ожидалась 1 PEC, получено %d", len(h.consultations.pecs))
	}
	pec := h.consultations.pecs[0]
	if pec.Positive || pec.Observations != "Plan de masse\nNotice" || *pec.DelaiJours != 10 {
		t.Errorf("неожиданная PEC: %+v", pec)
	}
	if pec.Auteur != nil {
		t.Error("dossier без автора отправляется без personneAuteur")
	}
	if len(h.pieces.uploads) != 0 {
		t.Error("без Syncplicity пьесы не загружаются")
	}
}

func TestExportPEC_KeepsFirstSendDate(t *testing.T) {
	datePEC := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(false, consultation("C-1", platau.EtatRejeteeIncomplet))
	h.store.addDossier("C-1", &prevarisc.Dossier{
		Incomplet: intPtr(0), StatutPEC: prevarisc.PECToExport, DatePEC: &datePEC,
	})

	if _, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(h.consultations.pecs) != 1 || !h.consultations.pecs[0].DateEnvoi.Equal(datePEC) {
		t.Errorf("повторная отправка должна сохранить дату первой PEC: %+v", h.consultations.pecs)
	}
}

func TestExportPEC_RetryAfterFailureKeepsFirstSendDate(t *testing.T) {
	firstDay := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	h := newHarness(false, consultation("C-1", platau.EtatVersee))
	h.store.addDossier("C-1", &prevarisc.Dossier{Incomplet: intPtr(0)})
	h.consultations.pecErr = errors.New("plat'au: 500")

	rep, _ := h.runner.ExportPEC(context.Background(), ExportPECOptions{})
	if outcomes(rep)["C-1"] != OutcomeError {
		t.Fatalf("ожидалась ошибка: %+v", rep.Results)
	}
	st := h.store.lastStatut("C-1", prevarisc.TrackPEC)
	if st.statut != prevarisc.PECInError || st.date == nil || !st.date.Equal(firstDay) {
		t.Fatalf("после ошибки должна сохраниться дата первой попытки: %+v", st)
	}

	h.consultations.pecErr = nil
	h.runner.now = func() time.Time { return time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC) }
	rep, _ = h.runner.ExportPEC(context.Background(), ExportPECOptions{})
	if outcomes(rep)["C-1"] != OutcomeSuccess {
		t.Fatalf("повтор должен пройти: %+v", rep.Results)
	}
	if len(h.consultations.pecs) != 1 || !h.consultations.pecs[0].DateEnvoi.Equal(firstDay) {
		t.Errorf("повтор должен отправить дату первой попытки: %+v", h.consultations.pecs)
	}
	st = h.store.lastStatut("C-1", prevarisc.TrackPEC)
	if st.statut != prevarisc.PECTakenIntoAccount || st.date == nil || !st.date.Equal(firstDay) {
		t.Errorf("успех не должен менять дату первой отправки: %+v", st)
	}
}

func TestExportPEC_ToExportFailThenRetry(t *testing.T) {
	datePEC := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(false, consultation("C-1", platau.EtatRejeteeIncomplet))
	h.store.addDossier("C-1", &prevarisc.Dossier{
		Incomplet: intPtr(0), StatutPEC: prevarisc.PECToExport, DatePEC: &datePEC,
	})
	h.consultations.pecErr = errors.New("plat'au: 503")

	if _, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{}); err != nil {
		t.Fatal(err)
	}
	if st := h.store.lastStatut("C-1", prevarisc.TrackPEC); st.statut != prevarisc.PECInError || !st.date.Equal(datePEC) {
		t.Fatalf("in_error должен хранить исходную дату: %+v", st)
	}

	h.consultations.pecErr = nil
	h.runner.now = func() time.Time { return time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC) }
	if _, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(h.consultations.pecs) != 1 || !h.consultations.pecs[0].DateEnvoi.Equal(datePEC) {
		t.Errorf("повтор после ошибки должен отправить %s: %+v", datePEC, h.consultations.pecs)
	}
}

func TestExportPEC_SkipRules(t *testing.T) {
	h := newHarness(true,
		consultation("C-REJETEE", platau.EtatRejeteeIncomplet),
		consultation("C-ATTENTE", platau.EtatVersee),
		consultation("C-ABSENTE", platau.EtatVersee),
	)
	h.store.addDossier("C-REJETEE", &prevarisc.Dossier{Incomplet: intPtr(0), StatutPEC: prevarisc.PECTakenIntoAccount})
	d := h.store.addDossier("C-ATTENTE", &prevarisc.Dossier{})
	p := h.store.addPiece(d.ID, "plan", prevarisc.PieceToBeExported, []byte("x"))

	rep, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]Outcome{"C-REJETEE": OutcomeSkipped, "C-ATTENTE": OutcomeSkipped, "C-ABSENTE": OutcomeSkipped}
	if got := outcomes(rep); !reflect.DeepEqual(got, want) {
		t.Errorf("итоги = %v, ожидается %v", got, want)
	}
	if len(h.consultations.pecs) != 0 {
		t.Error("PEC не должна отправляться")
	}
	if h.store.pieces[p.ID].Statut != prevarisc.PieceToBeExported {
		t.Error("пьесы dossier без решения не загружаются")
	}
}

func TestExportPEC_RollbackOnFailure(t *testing.T) {
	h := newHarness(true, consultation("C-1", platau.EtatVersee))
	d := h.store.addDossier("C-1", &prevarisc.Dossier{Incomplet: intPtr(0)})
	ok := h.store.addPiece(d.ID, "plan", prevarisc.PieceToBeExported, []byte("plan"))
	ko := h.store.addPiece(d.ID, "notice", prevarisc.PieceToBeExported, []byte("notice"))
	h.pieces.failUpload["notice.pdf"] = true
	h.consultations.pecErr = &platau.HTTPError{StatusCode: 409}

	rep, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{})
	if err != nil {
		t.Fatal(err)
	}

	res := rep.Results[0]
	if res.Outcome != OutcomeError {
		t.Fatalf("ожидалась ошибка, получено %+v", res)
	}
	var httpErr *platau.HTTPError
	if !errors.As(res.Err, &httpErr) || httpErr.StatusCode != 409 {
		t.Errorf("ошибка версии должна сохраняться: %v", res.Err)
	}

	if h.store.pieces[ok.ID].Statut != prevarisc.PieceToBeExported {
		t.Errorf("загруженная пьеса должна вернуться в to_be_exported, статус %s", h.store.pieces[ok.ID].Statut)
	}
	if h.store.pieces[ko.ID].Statut != prevarisc.PieceOnError {
		t.Errorf("пьеса с ошибкой загрузки остаётся on_error, статус %s", h.store.pieces[ko.ID].Statut)
	}
	if st := h.store.lastStatut("C-1", prevarisc.TrackPEC); st.statut != prevarisc.PECInError {
		t.Errorf("статус PEC = %s, ожидается in_error", st.statut)
	}
}

func TestExportPEC_SingleConsultation(t *testing.T) {
	h := newHarness(false, consultation("C-1", platau.EtatVersee), consultation("C-2", platau.EtatVersee))
	h.store.addDossier("C-1", &prevarisc.Dossier{Incomplet: intPtr(0)})
	h.store.addDossier("C-2", &prevarisc.Dossier{Incomplet: intPtr(0)})

	rep, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{ConsultationID: "C-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Results) != 1 || rep.Results[0].ConsultationID != "C-2" || len(h.consultations.searched) != 0 {
		t.Errorf("ожидалась обработка только C-2: %+v", rep.Results)
	}

	if _, err := h.runner.ExportPEC(context.Background(), ExportPECOptions{ConsultationID: "C-ABSENTE"}); !errors.Is(err, platau.ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

// --- export-avis ---

func TestExportAvis(t *testing.T) {
	h := newHarness(true, consultation("C-1", platau.EtatPriseEnCompte))
	d := h.store.addDossier("C-1", &prevarisc.Dossier{AvisCommission: intPtr(1), StatutAvis: prevarisc.AvisInProgress})
	h.store.prescriptions[d.ID] = []prevarisc.Prescription{{Libelle: "Prescription 1"}, {Libelle: "Prescription 2"}}
	p := h.store.addPiece(d.ID, "pv", prevarisc.PieceToBeExported, []byte("pv"))

	rep, err := h.runner.ExportAvis(context.Background(), "")
	if err != nil {
		t.Fatalf("ExportAvis: %v", err)
	}
	if outcomes(rep)["C-1"] != OutcomeSuccess {
		t.Fatalf("ожидался успех: %+v", rep.Results)
	}
	if !reflect.DeepEqual(h.consultations.searched, [][]int{{platau.EtatPriseEnCompte, platau.EtatReouverte}}) {
		t.Errorf("поиск по состояниям %v", h.consultations.searched)
	}

	avis := h.consultations.avis[0]
	if !avis.Favorable || !reflect.DeepEqual(avis.Prescriptions, []string{"Prescription 1", "Prescription 2"}) || len(avis.Documents) != 1 {
		t.Errorf("неожиданный avis: %+v", avis)
	}
	if h.pieces.types[0] != platau.TypeDocumentAvis || h.store.pieces[p.ID].Statut != prevarisc.PieceExported {
		t.Errorf("пьеса avis: тип %v, статус %s", h.pieces.types, h.store.pieces[p.ID].Statut)
	}

	st := h.store.lastStatut("C-1", prevarisc.TrackAvis)
	if st.statut != prevarisc.AvisTreated || st.date == nil {
		t.Errorf("статус avis: %+v", st)
	}
}

func TestExportAvis_Rules(t *testing.T) {
	dateAvis := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(false,
		consultation("C-TRAITE", platau.EtatReouverte),
		consultation("C-RENVOI", platau.EtatReouverte),
		consultation("C-ATTENTE", platau.EtatPriseEnCompte),
	)
	h.store.addDossier("C-TRAITE", &prevarisc.Dossier{AvisCommission: intPtr(1), StatutAvis: prevarisc.AvisTreated})
	h.store.addDossier("C-RENVOI", &prevarisc.Dossier{AvisCommission: intPtr(2), StatutAvis: prevarisc.AvisToExport, DateAvis: &dateAvis})
	h.store.addDossier("C-ATTENTE", &prevarisc.Dossier{AvisCommission: intPtr(3)})

	rep, err := h.runner.ExportAvis(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]Outcome{"C-TRAITE": OutcomeSkipped, "C-RENVOI": OutcomeSuccess, "C-ATTENTE": OutcomeSkipped}
	if got := outcomes(rep); !reflect.DeepEqual(got, want) {
		t.Errorf("итоги = %v, ожидается %v", got, want)
	}
	if len(h.consultations.avis) != 1 {
		t.Fatalf("ожидался 1 avis, получено %d", len(h.consultations.avis))
	}
	avis := h.consultations.avis[0]
	if avis.Favorable || !avis.DateEnvoi.Equal(dateAvis) {
		t.Errorf("неблагоприятный avis с датой первой отправки: %+v", avis)
	}
}

func TestExportAvis_Failure(t *testing.T) {
	h := newHarness(true, consultation("C-1", platau.EtatPriseEnCompte))
	d := h.store.addDossier("C-1", &prevarisc.Dossier{AvisCommission: intPtr(1)})
	p := h.store.addPiece(d.ID, "pv", prevarisc.PieceToBeExported, []byte("pv"))
	h.consultations.avisErr = errors.New("plat'au: 500")

	rep, _ := h.runner.ExportAvis(context.Background(), "")
	if outcomes(rep)["C-1"] != OutcomeError {
		t.Fatalf("ожидалась ошибка: %+v", rep.Results)
	}
	if h.store.pieces[p.ID].Statut != prevarisc.PieceToBeExported {
		t.Errorf("пьеса должна вернуться в to_be_exported, статус %s", h.store.pieces[p.ID].Statut)
	}
	if st := h.store.lastStatut("C-1", prevarisc.TrackAvis); st.statut != prevarisc.AvisInError {
		t.Errorf("статус avis = %s", st.statut)
	}
}

func TestExportAvis_RetryAfterFailureKeepsFirstSendDate(t *testing.T) {
	firstDay := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	h := newHarness(false, consultation("C-1", platau.EtatPriseEnCompte))
	h.store.addDossier("C-1", &prevarisc.Dossier{AvisCommission: intPtr(1)})
	h.consultations.avisErr = errors.New("plat'au: 500")

	rep, _ := h.runner.ExportAvis(context.Background(), "")
	if outcomes(rep)["C-1"] != OutcomeError {
		t.Fatalf("ожидалась ошибка: %+v", rep.Results)
	}
	st := h.store.lastStatut("C-1", prevarisc.TrackAvis)
	if st.statut != prevarisc.AvisInError || st.date == nil || !st.date.Equal(firstDay) {
		t.Fatalf("после ошибки должна сохраниться дата первой попытки: %+v", st)
	}

	h.consultations.avisErr = nil
	h.runner.now = func() time.Time { return time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC) }
	rep, _ = h.runner.ExportAvis(context.Background(), "")
	if outcomes(rep)["C-1"] != OutcomeSuccess {
		t.Fatalf("повтор должен пройти: %+v", rep.Results)
	}
	if len(h.consultations.avis) != 1 || !h.consultations.avis[0].DateEnvoi.Equal(firstDay) {
		t.Errorf("повтор должен отправить дату первой попытки: %+v", h.consultations.avis)
	}
	st = h.store.lastStatut("C-1", prevarisc.TrackAvis)
	if st.statut != prevarisc.AvisTreated || st.date == nil || !st.date.Equal(firstDay) {
		t.Errorf("успех не должен менять дату первой отправки: %+v", st)
	}
}

func TestExportAvis_ConfiguredStates(t *testing.T) {
	h := newHarness(false)
	h.runner = New(Services{Consultations: h.consultations, AvisEtats: []int{platau.EtatPriseEnCompte}}, h.store, testLogger())

	if _, err := h.runner.ExportAvis(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(h.consultations.searched, [][]int{{platau.EtatPriseEnCompte}}) {
		t.Errorf("поиск по состояниям %v", h.consultations.searched)
	}
}

// --- export-pieces ---

func TestExportPieces_RequiresSyncplicity(t *testing.T) {
	h := newHarness(false)
	if _, err := h.runner.ExportPieces(context.Background()); !errors.Is(err, ErrSyncplicityRequired) {
		t.Fatalf("ожидалась ErrSyncplicityRequired, получено %v", err)
	}
}

func TestExportPieces(t *testing.T) {
	h := newHarness(true, consultation("C-1", platau.EtatPriseEnCompte), consultation("C-2", platau.EtatPriseEnCompte))
	d := h.store.addDossier("C-1", &prevarisc.Dossier{})
	p := h.store.addPiece(d.ID, "rapport", prevarisc.PieceToBeExported, []byte("abc"))

	rep, err := h.runner.ExportPieces(context.Background())
	if err != nil {
		t.Fatalf("ExportPieces: %v", err)
	}

	want := map[string]Outcome{"C-1": OutcomeSuccess, "C-2": OutcomeSkipped}
	if got := outcomes(rep); !reflect.DeepEqual(got, want) {
		t.Errorf("итоги = %v, ожидается %v", got, want)
	}
	if h.store.pieces[p.ID].Statut != prevarisc.PieceExported {
		t.Errorf("статус пьесы = %s", h.store.pieces[p.ID].Statut)
	}

	if len(h.pieces.registered) != 1 {
		t.Fatalf("ожидалась 1 регистрация, получено %d", len(h.pieces.registered))
	}
	reg := h.pieces.registered[0]
	if reg.IDDossier != "D-C-1" || reg.NoVersion != 4 || reg.NomTypePiece != platau.TypeDocumentAvis || reg.NomFichier != "rapport.pdf" {
		t.Errorf("неожиданная регистрация: %+v", reg)
	}
	if !strings.HasPrefix(reg.Empreinte, "ddaf35a193617aba") {
		t.Errorf("SHA-512 = %s", reg.Empreinte)
	}
}

func TestExportPieces_Failure(t *testing.T) {
	h := newHarness(true, consultation("C-1", platau.EtatPriseEnCompte))
	d := h.store.addDossier("C-1", &prevarisc.Dossier{})
	p := h.store.addPiece(d.ID, "rapport", prevarisc.PieceToBeExported, []byte("abc"))
	h.pieces.registerErr = errors.New("plat'au: 400")

	rep, _ := h.runner.ExportPieces(context.Background())
	if outcomes(rep)["C-1"] != OutcomeError {
		t.Fatalf("ожидалась ошибка: %+v", rep.Results)
	}
	if h.store.pieces[p.ID].Statut != prevarisc.PieceOnError {
		t.Errorf("статус пьесы = %s, ожидается on_error", h.store.pieces[p.ID].Statut)
	}
}

// --- прочие команды ---

func TestHealthcheck(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		health  error
		dispo   error
		compat  error
		wantMsg string
	}{
		{"plat'au недоступен", boom, nil, nil, MsgPlatauIndisponible},
		{"база недоступна", nil, boom, nil, MsgBaseDeconnectee},
		{"схема несовместима", nil, nil, &prevarisc.SchemaError{Missing: []string{"platauconsultation"}}, MsgBaseIncompatible},
		{"всё доступно", nil, nil, nil, MsgToutEstDisponible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.dispoErr, store.compatErr = tt.dispo, tt.compat
			r := New(Services{Health: fakeHealth{err: tt.health}}, store, testLogger())

			msg, err := r.Healthcheck(context.Background())
			if tt.wantMsg == MsgToutEstDisponible {
				if err != nil || msg != tt.wantMsg {
					t.Errorf("Healthcheck = %q, %v", msg, err)
				}
				return
			}
			var hcErr *HealthcheckError
			if !errors.As(err, &hcErr) || hcErr.Message != tt.wantMsg {
				t.Errorf("ожидалось сообщение %q, получено %v", tt.wantMsg, err)
			}
		})
	}
}

func TestCheckReady(t *testing.T) {
	h := newHarness(false)
	if err := h.runner.CheckReady(context.Background()); err != nil {
		t.Fatalf("CheckReady: %v", err)
	}

	h.store.compatErr = &prevarisc.SchemaError{Missing: []string{"dossier.ID_PLATAU"}}
	if err := h.runner.CheckReady(context.Background()); !errors.Is(err, prevarisc.ErrSchemaIncompatible) {
		t.Errorf("ожидалась ErrSchemaIncompatible, получено %v", err)
	}
}

func TestEnrolerActeur(t *testing.T) {
	acteurs := &fakeActeurs{acteurs: map[string]*platau.Acteur{}}
	remote := NewRemote(Services{Acteurs: acteurs}, testLogger())
	req := platau.EnrolementRequest{DesignationActeur: "SDIS 75", Mail: "contact@sdis75.fr", Siren: "123456789"}

	id, err := remote.EnrolerActeur(context.Background(), req)
	if err != nil || id != "ACTEUR-NOUVEAU" {
		t.Fatalf("EnrolerActeur = %q, %v", id, err)
	}
	if !reflect.DeepEqual(acteurs.enrolled, []platau.EnrolementRequest{req}) {
		t.Errorf("неожиданный запрос: %+v", acteurs.enrolled)
	}
}

func TestDetailsConsultation(t *testing.T) {
	c := consultation("C-1", platau.EtatVersee)
	c.Raw = map[string]any{
		"idConsultation": "C-1",
		"delaiDeReponse": json.Number("30"),
		"dossier": map[string]any{
			"idDossier": "D-1",
			"noLocal":   nil,
		},
		"documents": []any{map[string]any{"nom": "plan"}},
		"tags":      []any{},
	}
	remote := NewRemote(Services{Consultations: newFakeConsultations(c)}, testLogger())

	lines, err := remote.DetailsConsultation(context.Background(), "C-1", "")
	if err != nil {
		t.Fatalf("DetailsConsultation: %v", err)
	}
	want := []string{
		"delaiDeReponse : 30",
		"documents.0.nom : plan",
		"dossier.idDossier : D-1",
		"dossier.noLocal : ",
		"idConsultation : C-1",
		"tags : ",
	}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("строки:\n%v\nожидается:\n%v", lines, want)
	}

	tests := []struct {
		champ string
		want  string
	}{
		{"dossier.idDossier", "dossier.idDossier : D-1"},
		{"dossier.inconnu", "dossier.inconnu : Aucune donnée"},
		{"dossier", `dossier : {"idDossier":"D-1","noLocal":null}`},
	}
	for _, tt := range tests {
		lines, err := remote.DetailsConsultation(context.Background(), "C-1", tt.champ)
		if err != nil || len(lines) != 1 || lines[0] != tt.want {
			t.Errorf("champ %q: %v, %v; ожидается %q", tt.champ, lines, err, tt.want)
		}
	}

	if _, err := remote.DetailsConsultation(context.Background(), "C-ABSENTE", ""); !errors.Is(err, platau.ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

// --- демон ---

func TestCycle(t *testing.T) {
	h := newHarness(false, consultation("C-1", platau.EtatVersee))

	reports, err := h.runner.Cycle(context.Background(), CycleOptions{})
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	var commands []string
	for _, rep := range reports {
		commands = append(commands, rep.Command)
	}
	if !reflect.DeepEqual(commands, []string{"import", "import-pieces", "export-pec", "export-avis"}) {
		t.Errorf("порядок команд: %v", commands)
	}
	if len(h.store.imported) != 1 {
		t.Errorf("цикл должен импортировать консультацию")
	}
}

func TestCycle_ContinuesAfterError(t *testing.T) {
	h := newHarness(false)
	h.consultations.searchErr = errors.New("plat'au недоступен")

	reports, err := h.runner.Cycle(context.Background(), CycleOptions{})
	if err == nil {
		t.Fatal("ожидалась объединённая ошибка")
	}
	if len(reports) != 4 || len(h.consultations.searched) != 4 {
		t.Errorf("все команды должны выполниться: отчётов %d, поисков %d", len(reports), len(h.consultations.searched))
	}
}

func TestRunDaemon_StopsOnCancel(t *testing.T) {
	h := newHarness(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.consultations.onSearch = cancel

	done := make(chan error, 1)
	go func() { done <- h.runner.RunDaemon(ctx, time.Hour, CycleOptions{}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunDaemon: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("демон не остановился после отмены контекста")
	}
	if len(h.consultations.searched) != 1 {
		t.Errorf("после отмены новые команды не запускаются, поисков %d", len(h.consultations.searched))
	}
}
