// consultations.go — поиск консультаций, PEC и versement d'avis.
package platau

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Формат дат Plat'AU.
const dateLayout = "2006-01-02"

// Единицы срока ответа (nomTypeDelai.libNom).
const (
	DelaiJoursCalendaires = "Jours calendaires"
	DelaiMois             = "Mois"
)

// Criteres — критерии поиска (criteresSurConsultations).
type Criteres map[string]any

// Tri — сортировка результатов поиска.
type Tri struct {
	Colonne string // по умолчанию DT_DEPOT
	Sens    string // по умолчанию DESC
}

// ConsultationService — операции с консультациями.
type ConsultationService struct {
	c *Client
}

// Search ищет консультации по критериям и выравнивает каждую строку.
func (s *ConsultationService) Search(ctx context.Context, criteres Criteres, tri Tri) ([]*Consultation, error) {
	if criteres == nil {
		criteres = Criteres{}
	}
	if tri.Colonne == "" {
		tri.Colonne = "DT_DEPOT"
	}
	if tri.Sens == "" {
		tri.Sens = "DESC"
	}

	col := s.c.Paginate(http.MethodPost, "consultations/recherche", RequestOptions{
		JSON:  map[string]any{"criteresSurConsultations": criteres},
		Query: url.Values{"colonneTri": {tri.Colonne}, "sensTri": {tri.Sens}},
	})

	var result []*Consultation
	for raw, err := range col.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("поиск консультаций: %w", err)
		}
		consultation, err := parseConsultation(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, consultation)
	}
	return result, nil
}

// SearchByEtats ищет консультации в указанных состояниях.
func (s *ConsultationService) SearchByEtats(ctx context.Context, etats ...int) ([]*Consultation, error) {
	return s.Search(ctx, Criteres{"nomEtatConsultation": etats}, Tri{})
}

// Get возвращает консультацию по ID с дополнительными критериями.
// Пустой результат — ErrNotFound.
func (s *ConsultationService) Get(ctx context.Context, id string, extra Criteres) (*Consultation, error) {
	criteres := Criteres{}
	for k, v := range extra {
		criteres[k] = v
	}
	criteres["idConsultation"] = id

	consultations, err := s.Search(ctx, criteres, Tri{})
	if err != nil {
		return nil, err
	}
	if len(consultations) == 0 {
		return nil, fmt.Errorf("консультация %s не найдена по критериям поиска: %w", id, ErrNotFound)
	}
	return consultations[0], nil
}

// Pieces возвращает пьесы dossier, к которому относится консультация.
func (s *ConsultationService) Pieces(ctx context.Context, id string) ([]Piece, error) {
	consultation, err := s.Get(ctx, id, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.c.Do(ctx, http.MethodGet, "dossiers/"+url.PathEscape(consultation.Dossier.IDDossier)+"/pieces", RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("получение пьес dossier %s: %w", consultation.Dossier.IDDossier, err)
	}

	var pieces []Piece
	if err := resp.Decode(&pieces); err != nil {
		return nil, err
	}
	return pieces, nil
}

// --- Prise en compte métier ---

// PECRequest — параметры отправки PEC.
type PECRequest struct {
	ConsultationID string
	// true — положительная PEC (dossier complet), false — отрицательная
	Positive bool
	// Срок ответа в днях; nil — срок из консультации
	DelaiJours   *int
	Observations string
	Documents    []Document
	// Дата отправки; нулевая — текущая дата
	DateEnvoi time.Time
	Auteur    *Auteur
}

type pecMetier struct {
	DtPecMetier        string          `json:"dtPecMetier"`
	DtLimiteReponse    string          `json:"dtLimiteReponse"`
	IDActeurEmetteur   string          `json:"idActeurEmetteur"`
	NomStatutPecMetier int             `json:"nomStatutPecMetier"`
	TxObservations     string          `json:"txObservations"`
	Documents          []Document      `json:"documents"`
	PersonneAuteur     *personneAuteur `json:"personneAuteur,omitempty"`
}

type personneAuteur struct {
	Prenom    string `json:"prenom,omitempty"`
	Nom       string `json:"nom,omitempty"`
	Mail      string `json:"mail"`
	Telephone string `json:"telephone,omitempty"`
}

type pecConsultation struct {
	IDConsultation string    `json:"idConsultation"`
	NoVersion      int       `json:"noVersion"`
	PecMetier      pecMetier `json:"pecMetier"`
}

type pecDossier struct {
	Consultations []pecConsultation `json:"consultations"`
	IDDossier     string            `json:"idDossier"`
	NoVersion     int               `json:"noVersion"`
}

// EnvoiPEC отправляет prise en compte métier по консультации.
// Версии консультации и dossier берутся из свежего чтения.
func (s *ConsultationService) EnvoiPEC(ctx context.Context, req PECRequest) error {
	consultation, err := s.Get(ctx, req.ConsultationID, nil)
	if err != nil {
		return err
	}

	dateEnvoi := req.DateEnvoi
	if dateEnvoi.IsZero() {
		dateEnvoi = s.c.now()
	}

	var dlr time.Time
	if req.DelaiJours != nil {
		dlr = dateEnvoi.AddDate(0, 0, *req.DelaiJours)
	} else {
		dlr, err = DateLimiteReponse(dateEnvoi, consultation.DelaiDeReponse, consultation.NomTypeDelai.LibNom)
		if err != nil {
			return err
		}
	}

	statut := 2
	if req.Positive {
		statut = 1
	}

	documents := req.Documents
	if documents == nil {
		documents = []Document{}
	}

	payload := []pecDossier{{
		Consultations: []pecConsultation{{
			IDConsultation: req.ConsultationID,
			NoVersion:      consultation.NoVersion,
			PecMetier: pecMetier{
				DtPecMetier:        dateEnvoi.Format(dateLayout),
				DtLimiteReponse:    dlr.Format(dateLayout),
				IDActeurEmetteur:   s.c.idActeurAppelant,
				NomStatutPecMetier: statut,
				TxObservations:     req.Observations,
				Documents:          documents,
				PersonneAuteur:     newPersonneAuteur(req.Auteur),
			},
		}},
		IDDossier: consultation.Dossier.IDDossier,
		NoVersion: consultation.Dossier.NoVersion,
	}}

	if _, err := s.c.Do(ctx, http.MethodPost, "pecMetier/consultations", RequestOptions{JSON: payload}); err != nil {
		return fmt.Errorf("отправка PEC по консультации %s: %w", req.ConsultationID, err)
	}

	s.c.logger.Info("PEC отправлена",
		slog.String("consultation_id", req.ConsultationID),
		slog.Bool("positive", req.Positive),
		slog.String("dt_pec", dateEnvoi.Format(dateLayout)),
		slog.String("dt_limite_reponse", dlr.Format(dateLayout)),
	)
	return nil
}

// DateLimiteReponse вычисляет DLR от даты отправки по сроку из консультации.
func DateLimiteReponse(from time.Time, delai int, unite string) (time.Time, error) {
	switch unite {
	case DelaiJoursCalendaires:
		return from.AddDate(0, 0, delai), nil
	case DelaiMois:
		return from.AddDate(0, delai, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedDelayUnit, unite)
	}
}

// --- Versement d'avis ---

// AvisRequest — параметры отправки avis.
type AvisRequest struct {
	ConsultationID string
	Favorable      bool
	// Формулировки предписаний, по одной на предписание
	Prescriptions []string
	Documents     []Document
	// Дата avis; нулевая — текущая дата
	DateEnvoi time.Time
	Auteur    *Auteur
}

type avisItem struct {
	IDConsultation     string          `json:"idConsultation"`
	BoEstTacite        bool            `json:"boEstTacite"`
	NomNatureAvisRendu int             `json:"nomNatureAvisRendu"`
	NomTypeAvis        int             `json:"nomTypeAvis"`
	TxAvis             string          `json:"txAvis"`
	DtAvis             string          `json:"dtAvis"`
	IDActeurAuteur     string          `json:"idActeurAuteur"`
	Documents          []Document      `json:"documents"`
	PersonneAuteur     *personneAuteur `json:"personneAuteur,omitempty"`
}

type avisDossier struct {
	Avis      []avisItem `json:"avis"`
	IDDossier string     `json:"idDossier"`
	NoVersion int        `json:"noVersion"`
}

// VersementAvis отправляет avis по консультации, находящейся в одном из
// состояний, допускающих avis.
func (s *ConsultationService) VersementAvis(ctx context.Context, req AvisRequest) error {
	consultation, err := s.Get(ctx, req.ConsultationID, Criteres{"nomEtatConsultation": s.c.avisEligibleStates})
	if err != nil {
		return err
	}

	dateEnvoi := req.DateEnvoi
	if dateEnvoi.IsZero() {
		dateEnvoi = s.c.now()
	}

	documents := req.Documents
	if documents == nil {
		documents = []Document{}
	}

	payload := []avisDossier{{
		Avis: []avisItem{{
			IDConsultation:     req.ConsultationID,
			BoEstTacite:        false,
			NomNatureAvisRendu: NatureAvisRendu(req.Favorable, len(req.Prescriptions)),
			NomTypeAvis:        1,
			TxAvis:             TexteAvis(req.Prescriptions),
			DtAvis:             dateEnvoi.Format(dateLayout),
			IDActeurAuteur:     s.c.idActeurAppelant,
			Documents:          documents,
			PersonneAuteur:     newPersonneAuteur(req.Auteur),
		}},
		IDDossier: consultation.Dossier.IDDossier,
		NoVersion: consultation.Dossier.NoVersion,
	}}

	if _, err := s.c.Do(ctx, http.MethodPost, "avis", RequestOptions{JSON: payload}); err != nil {
		return fmt.Errorf("отправка avis по консультации %s: %w", req.ConsultationID, err)
	}

	s.c.logger.Info("Avis отправлен",
		slog.String("consultation_id", req.ConsultationID),
		slog.Bool("favorable", req.Favorable),
		slog.Int("prescriptions", len(req.Prescriptions)),
	)
	return nil
}

// NatureAvisRendu: 1 — favorable, 2 — favorable avec prescriptions, 3 — défavorable.
func NatureAvisRendu(favorable bool, prescriptions int) int {
	switch {
	case !favorable:
		return 3
	case prescriptions == 0:
		return 1
	default:
		return 2
	}
}

// TexteAvis формирует txAvis из формулировок предписаний.
func TexteAvis(prescriptions []string) string {
	if len(prescriptions) == 0 {
		return "Avis Prevarisc. Prescriptions données : RAS"
	}
	libelles := make([]string, 0, len(prescriptions))
	for _, p := range prescriptions {
		if p != "" {
			libelles = append(libelles, p)
		}
	}
	return "Avis Prevarisc. Prescriptions données : " + strings.Join(libelles, ", ")
}

// newPersonneAuteur возвращает блок автора, если у автора есть email.
func newPersonneAuteur(a *Auteur) *personneAuteur {
	if a == nil || a.Mail == "" {
		return nil
	}
	return &personneAuteur{Prenom: a.Prenom, Nom: a.Nom, Mail: a.Mail, Telephone: a.Telephone}
}
