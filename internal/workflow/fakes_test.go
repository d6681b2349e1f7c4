package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/bigkaa/passerelle-platau/internal/platau"
	"github.com/bigkaa/passerelle-platau/internal/prevarisc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)

// --- Plat'AU ---

type fakeConsultations struct {
	byID     map[string]*platau.Consultation
	pieces   map[string][]platau.Piece
	searched [][]int
	gets     int

	pecs []platau.PECRequest
	avis []platau.AvisRequest

	searchErr error
	pecErr    error
	avisErr   error
	// вызывается при каждом поиске
	onSearch func()
}

func newFakeConsultations(cs ...*platau.Consultation) *fakeConsultations {
	f := &fakeConsultations{byID: map[string]*platau.Consultation{}, pieces: map[string][]platau.Piece{}}
	for _, c := range cs {
		f.byID[c.IDConsultation] = c
	}
	return f
}

func (f *fakeConsultations) SearchByEtats(_ context.Context, etats ...int) ([]*platau.Consultation, error) {
	f.searched = append(f.searched, etats)
	if f.onSearch != nil {
		f.onSearch()
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	ids := make([]string, 0, len(f.byID))
	for id := range f.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*platau.Consultation
	for _, id := range ids {
		if slices.Contains(etats, f.byID[id].Etat()) {
			out = append(out, f.byID[id])
		}
	}
	return out, nil
}

func (f *fakeConsultations) Get(_ context.Context, id string, _ platau.Criteres) (*platau.Consultation, error) {
	f.gets++
	c, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("консультация %s: %w", id, platau.ErrNotFound)
	}
	return c, nil
}

func (f *fakeConsultations) Pieces(_ context.Context, id string) ([]platau.Piece, error) {
	return f.pieces[id], nil
}

func (f *fakeConsultations) EnvoiPEC(_ context.Context, req platau.PECRequest) error {
	if f.pecErr != nil {
		return f.pecErr
	}
	f.pecs = append(f.pecs, req)
	return nil
}

func (f *fakeConsultations) VersementAvis(_ context.Context, req platau.AvisRequest) error {
	if f.avisErr != nil {
		return f.avisErr
	}
	f.avis = append(f.avis, req)
	return nil
}

type fakePieces struct {
	downloads   map[string]*platau.DownloadedPiece
	uploads     []string
	types       []int
	failUpload  map[string]bool
	registered  []platau.PieceSyncplicity
	registerErr error
}

func newFakePieces() *fakePieces {
	return &fakePieces{downloads: map[string]*platau.DownloadedPiece{}, failUpload: map[string]bool{}}
}

func (f *fakePieces) Download(_ context.Context, piece platau.Piece) (*platau.DownloadedPiece, error) {
	d, ok := f.downloads[piece.IDPiece]
	if !ok {
		return nil, fmt.Errorf("пьеса %s недоступна", piece.IDPiece)
	}
	return d, nil
}

func (f *fakePieces) UploadDocument(_ context.Context, fileName string, contents []byte, typeDocument int) (*platau.Document, error) {
	if f.failUpload[fileName] {
		return nil, fmt.Errorf("загрузка %s отклонена", fileName)
	}
	f.uploads = append(f.uploads, fileName)
	f.types = append(f.types, typeDocument)
	return &platau.Document{
		NomTypeDocument: typeDocument,
		DtProduction:    "2024-03-15",
		Fichier: platau.FichierSyncplicity{
			NomFichier:              fileName,
			IDFichierSyncplicity:    "F-" + fileName,
			IDRepertoireSyncplicity: "R-1",
			Empreinte:               platau.Empreinte{Algorithme: "SHA-512", Valeur: platau.SHA512(contents)},
		},
	}, nil
}

func (f *fakePieces) AjouterPieceDepuisFichierSyncplicity(_ context.Context, p platau.PieceSyncplicity) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, p)
	return nil
}

type fakeActeurs struct {
	acteurs  map[string]*platau.Acteur
	enrolled []platau.EnrolementRequest
}

func (f *fakeActeurs) Get(_ context.Context, id string) (*platau.Acteur, error) {
	a, ok := f.acteurs[id]
	if !ok {
		return nil, fmt.Errorf("актор %s: %w", id, platau.ErrNotFound)
	}
	return a, nil
}

func (f *fakeActeurs) EnrolerServiceConsultable(_ context.Context, req platau.EnrolementRequest) (string, error) {
	f.enrolled = append(f.enrolled, req)
	return "ACTEUR-NOUVEAU", nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) Check(context.Context) error { return f.err }

// --- Prevarisc ---

type statutWrite struct {
	consultationID string
	track          prevarisc.Track
	statut         string
	date           *time.Time
}

type fakeStore struct {
	dossiers      map[string]*prevarisc.Dossier
	pieces        map[int64]*prevarisc.PieceJointe
	pieceDossier  map[int64]int64
	files         map[int64][]byte
	docsManquants map[int64]string
	prescriptions map[int64][]prevarisc.Prescription
	auteur        *prevarisc.Auteur

	imported []importCall
	statuts  []statutWrite
	nextID   int64

	importErr error
	dispoErr  error
	compatErr error
}

type importCall struct {
	consultationID string
	demandeur      *platau.Acteur
	instructeur    *platau.Acteur
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		dossiers:      map[string]*prevarisc.Dossier{},
		pieces:        map[int64]*prevarisc.PieceJointe{},
		pieceDossier:  map[int64]int64{},
		files:         map[int64][]byte{},
		docsManquants: map[int64]string{},
		prescriptions: map[int64][]prevarisc.Prescription{},
		nextID:        100,
	}
}

func (s *fakeStore) addDossier(consultationID string, d *prevarisc.Dossier) *prevarisc.Dossier {
	s.nextID++
	d.ID = s.nextID
	d.IDPlatau = consultationID
	if d.StatutPEC == "" {
		d.StatutPEC = prevarisc.PECUnknown
	}
	if d.StatutAvis == "" {
		d.StatutAvis = prevarisc.AvisUnknown
	}
	s.dossiers[consultationID] = d
	return d
}

func (s *fakeStore) addPiece(dossierID int64, nom, statut string, contents []byte) *prevarisc.PieceJointe {
	s.nextID++
	p := &prevarisc.PieceJointe{ID: s.nextID, Nom: nom, Extension: ".pdf", Statut: statut}
	s.pieces[p.ID] = p
	s.pieceDossier[p.ID] = dossierID
	s.files[p.ID] = contents
	return p
}

func (s *fakeStore) lastStatut(consultationID string, track prevarisc.Track) *statutWrite {
	for i := len(s.statuts) - 1; i >= 0; i-- {
		if s.statuts[i].consultationID == consultationID && s.statuts[i].track == track {
			return &s.statuts[i]
		}
	}
	return nil
}

func (s *fakeStore) ConsultationExiste(_ context.Context, id string) (bool, error) {
	_, ok := s.dossiers[id]
	return ok, nil
}

func (s *fakeStore) RecupererDossierDeConsultation(_ context.Context, id string) (*prevarisc.Dossier, error) {
	d, ok := s.dossiers[id]
	if !ok {
		return nil, fmt.Errorf("консультация %s: %w", id, prevarisc.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) ImportConsultation(_ context.Context, c *platau.Consultation, demandeur, instructeur *platau.Acteur) (int64, error) {
	if s.importErr != nil {
		return 0, s.importErr
	}
	s.imported = append(s.imported, importCall{c.IDConsultation, demandeur, instructeur})
	return s.addDossier(c.IDConsultation, &prevarisc.Dossier{}).ID, nil
}

func (s *fakeStore) EnregistrerStatut(_ context.Context, id string, track prevarisc.Track, statut string, date *time.Time) error {
	s.statuts = append(s.statuts, statutWrite{id, track, statut, date})
	if d, ok := s.dossiers[id]; ok {
		switch track {
		case prevarisc.TrackPEC:
			d.StatutPEC = statut
			if date != nil {
				d.DatePEC = date
			}
		case prevarisc.TrackAvis:
			d.StatutAvis = statut
			if date != nil {
				d.DateAvis = date
			}
		}
	}
	return nil
}

func (s *fakeStore) RecupererPiecesAvecStatut(_ context.Context, dossierID int64, statut string) ([]prevarisc.PieceJointe, error) {
	var out []prevarisc.PieceJointe
	for id, p := range s.pieces {
		if s.pieceDossier[id] == dossierID && p.Statut == statut {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ChangerStatutPiece(_ context.Context, pieceID int64, statut string) error {
	p, ok := s.pieces[pieceID]
	if !ok {
		return prevarisc.ErrNotFound
	}
	p.Statut = statut
	return nil
}

func (s *fakeStore) CreerPieceJointe(_ context.Context, dossierID int64, piece platau.Piece, extension string, contents []byte) (*prevarisc.PieceJointe, bool, error) {
	nom := prevarisc.PrefixeNomPiece + piece.IDPiece
	for id, p := range s.pieces {
		if s.pieceDossier[id] == dossierID && p.Nom == nom {
			return p, false, nil
		}
	}
	p := s.addPiece(dossierID, nom, prevarisc.PieceNotExported, contents)
	p.Extension = extension
	return p, true, nil
}

func (s *fakeStore) RecupererFichierPhysique(_ context.Context, pieceID int64, _ string) ([]byte, error) {
	data, ok := s.files[pieceID]
	if !ok {
		return nil, prevarisc.ErrNotFound
	}
	return data, nil
}

func (s *fakeStore) GetPrescriptions(_ context.Context, dossierID int64) ([]prevarisc.Prescription, error) {
	return s.prescriptions[dossierID], nil
}

func (s *fakeStore) RecupererDossierAuteur(_ context.Context, _ int64) (*prevarisc.Auteur, error) {
	if s.auteur == nil {
		return nil, prevarisc.ErrNotFound
	}
	return s.auteur, nil
}

func (s *fakeStore) RecupererDocumentsManquants(_ context.Context, dossierID int64) (string, error) {
	return s.docsManquants[dossierID], nil
}

func (s *fakeStore) EstDisponible(context.Context) error { return s.dispoErr }

func (s *fakeStore) EstCompatible(context.Context) error { return s.compatErr }

// --- Сборка ---

type harness struct {
	consultations *fakeConsultations
	pieces        *fakePieces
	acteurs       *fakeActeurs
	store         *fakeStore
	runner        *Runner
}

func newHarness(syncplicity bool, cs ...*platau.Consultation) *harness {
	h := &harness{
		consultations: newFakeConsultations(cs...),
		pieces:        newFakePieces(),
		acteurs:       &fakeActeurs{acteurs: map[string]*platau.Acteur{}},
		store:         newFakeStore(),
	}
	h.runner = New(Services{
		Consultations: h.consultations,
		Pieces:        h.pieces,
		Acteurs:       h.acteurs,
		Health:        fakeHealth{},
		Syncplicity:   syncplicity,
	}, h.store, testLogger())
	h.runner.now = func() time.Time { return testNow }
	return h
}

func consultation(id string, etat int) *platau.Consultation {
	return &platau.Consultation{
		IDConsultation:      id,
		NoVersion:           1,
		NomEtatConsultation: platau.Nomenclature{IDNom: etat},
		Dossier:             platau.Dossier{IDDossier: "D-" + id, NoVersion: 4},
	}
}

func intPtr(v int) *int { return &v }

func outcomes(rep *Report) map[string]Outcome {
	out := make(map[string]Outcome, len(rep.Results))
	for _, r := range rep.Results {
		out[r.ConsultationID] = r.Outcome
	}
	return out
}
