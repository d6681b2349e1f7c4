package platau

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Состояния консультации (nomEtatConsultation.idNom).
const (
	EtatVersee           = 1 // versée, non traitée
	EtatRejeteeIncomplet = 2 // rejetée, incomplète
	EtatPriseEnCompte    = 3 // prise en compte, en cours de traitement
	EtatEnAttenteAvis    = 4
	EtatTraitee          = 5
	EtatReouverte        = 6 // réouverte après rejet
)

// Типы документов Plat'AU.
const (
	TypeDocumentAvis = 9  // document lié à un avis
	TypeDocumentPEC  = 47 // document lié à une prise en compte métier
)

// Nomenclature — элемент справочника Plat'AU.
type Nomenclature struct {
	IDNom  int    `json:"idNom"`
	LibNom string `json:"libNom"`
}

// Dossier — dossier Plat'AU, к которому относится консультация.
type Dossier struct {
	IDDossier            string       `json:"idDossier"`
	NoVersion            int          `json:"noVersion"`
	NoLocal              string       `json:"noLocal"`
	NomTypeDossier       Nomenclature `json:"nomTypeDossier"`
	TxDescriptifGlobal   string       `json:"txDescriptifGlobal"`
	IDServiceInstructeur *string      `json:"idServiceInstructeur"`
}

// Consultation — консультация Plat'AU после выравнивания структуры.
type Consultation struct {
	IDConsultation          string       `json:"idConsultation"`
	NoVersion               int          `json:"noVersion"`
	NomEtatConsultation     Nomenclature `json:"nomEtatConsultation"`
	NomTypeConsultation     Nomenclature `json:"nomTypeConsultation"`
	NomTypeDelai            Nomenclature `json:"nomTypeDelai"`
	DelaiDeReponse          int          `json:"delaiDeReponse"`
	TxObjetDeLaConsultation *string      `json:"txObjetDeLaConsultation"`
	DtConsultation          string       `json:"dtConsultation"`
	DtEmission              string       `json:"dtEmission"`
	IDServiceConsultant     *string      `json:"idServiceConsultant"`
	Dossier                 Dossier      `json:"dossier"`

	// Исходные данные (после выравнивания) для вывода деталей
	Raw map[string]any `json:"-"`
}

// Etat возвращает код состояния консультации.
func (c *Consultation) Etat() int {
	return c.NomEtatConsultation.IDNom
}

// Piece — пьеса dossier Plat'AU.
type Piece struct {
	IDPiece      string       `json:"idPiece"`
	NoPiece      string       `json:"noPiece"`
	NomTypePiece Nomenclature `json:"nomTypePiece"`
	DtProduction string       `json:"dtProduction"`
	URL          string       `json:"url"`
	Token        string       `json:"token"`
}

// Acteur — актор Plat'AU.
type Acteur struct {
	IDActeur          string `json:"idActeur"`
	DesignationActeur string `json:"designationActeur"`
	Mail              string `json:"mail"`
	Siren             string `json:"siren"`
}

// Auteur — автор решения на стороне Prevarisc.
type Auteur struct {
	Prenom    string `json:"prenom"`
	Nom       string `json:"nom"`
	Mail      string `json:"mail"`
	Telephone string `json:"telephone"`
}

// decodeObject декодирует JSON-объект, сохраняя числа как json.Number.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: ожидался JSON-объект", ErrUnexpectedResponse)
	}
	return m, nil
}

// flattenNested переносит на верхний уровень элемент dossier.<key>,
// соответствующий первому элементу этого списка (по idConsultation).
// Plat'AU отдаёт детали консультации/avis внутри dossier, а не рядом с ним.
func flattenNested(row map[string]any, key string) (map[string]any, error) {
	dossier, ok := row["dossier"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: отсутствует dossier", ErrUnexpectedResponse)
	}
	list, ok := dossier[key].([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w: отсутствует dossier.%s", ErrUnexpectedResponse, key)
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: некорректный dossier.%s[0]", ErrUnexpectedResponse, key)
	}
	id := fmt.Sprint(first["idConsultation"])

	merged := make(map[string]any, len(row)+len(first))
	for k, v := range row {
		merged[k] = v
	}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok || fmt.Sprint(entry["idConsultation"]) != id {
			continue
		}
		for k, v := range entry {
			merged[k] = v
		}
		break
	}
	return merged, nil
}

// parseConsultation выравнивает строку результата поиска и декодирует её.
func parseConsultation(raw json.RawMessage) (*Consultation, error) {
	row, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("декодирование консультации: %w", err)
	}
	merged, err := flattenNested(row, "consultations")
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("сериализация консультации: %w", err)
	}
	var c Consultation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("декодирование консультации: %w", err)
	}
	c.Raw = merged
	return &c, nil
}
