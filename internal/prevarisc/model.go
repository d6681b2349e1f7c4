package prevarisc

import (
	"fmt"
	"time"

	"github.com/bigkaa/passerelle-platau/internal/platau"
)

// Статусы PEC (platauconsultation.STATUT_PEC).
const (
	PECUnknown          = "unknown"
	PECAwaiting         = "awaiting"
	PECTakenIntoAccount = "taken_into_account"
	PECToExport         = "to_export"
	PECInError          = "in_error"
)

// Статусы avis (platauconsultation.STATUT_AVIS).
const (
	AvisUnknown    = "unknown"
	AvisInProgress = "in_progress"
	AvisTreated    = "treated"
	AvisToExport   = "to_export"
	AvisInError    = "in_error"
)

// Статусы экспорта пьес (piecejointestatut.NOM_STATUT).
const (
	PieceNotExported  = "not_exported"
	PieceToBeExported = "to_be_exported"
	PieceExported     = "exported"
	PieceOnError      = "on_error"
)

// Track — отслеживаемое решение: PEC или avis.
type Track string

const (
	TrackPEC  Track = "PEC"
	TrackAvis Track = "AVIS"
)

// Dossier — dossier Prevarisc, связанный с консультацией Plat'AU,
// с метаданными отправки решений.
type Dossier struct {
	ID       int64
	IDPlatau string
	// INCOMPLET_DOSSIER: 1 — incomplet, 0 — complet, nil — не указано
	Incomplet *int
	// AVIS_DOSSIER_COMMISSION: 1 — favorable, 2 — défavorable
	AvisCommission *int
	Createur       *int64

	StatutPEC  string
	DatePEC    *time.Time
	StatutAvis string
	DateAvis   *time.Time
}

// PieceJointe — пьеса Prevarisc.
type PieceJointe struct {
	ID          int64
	Nom         string
	Extension   string
	Date        *time.Time
	Description string
	Statut      string
	IDPlatau    *string
}

// NomFichier возвращает имя файла для отправки: NOM + EXTENSION.
func (p *PieceJointe) NomFichier() string {
	return p.Nom + p.Extension
}

// StorageName — имя файла пьесы в хранилище: {ID_PIECEJOINTE}{EXTENSION}.
func StorageName(id int64, extension string) string {
	return fmt.Sprintf("%d%s", id, extension)
}

// Prescription — предписание dossier.
type Prescription struct {
	// 1 — Rappels réglementaires, 2 — Exploitation, 3 — Recommandations
	Type    *int
	Libelle string
	Article string
	Texte   string
}

// Auteur — пользователь Prevarisc, создавший dossier.
type Auteur struct {
	Prenom      string
	Nom         string
	Mail        string
	TelFixe     string
	TelPortable string
}

// Telephone возвращает фиксированный телефон или, если он пуст, мобильный.
func (a *Auteur) Telephone() string {
	if a.TelFixe != "" {
		return a.TelFixe
	}
	return a.TelPortable
}

// Platau преобразует автора в формат Plat'AU.
func (a *Auteur) Platau() *platau.Auteur {
	if a == nil {
		return nil
	}
	return &platau.Auteur{Prenom: a.Prenom, Nom: a.Nom, Mail: a.Mail, Telephone: a.Telephone()}
}

// NatureCorrespondante возвращает ID_NATURE Prevarisc для nomTypeDossier Plat'AU.
func NatureCorrespondante(code int) (int, error) {
	switch code {
	case 1, 2: // certificat d'urbanisme (CUa, CUb)
		return 62, nil
	case 3: // déclaration préalable
		return 30, nil
	case 4: // permis de construire
		return 1, nil
	case 5: // permis d'aménager
		return 14, nil
	case 6: // permis de démolir
		return 15, nil
	case 7:
		return 0, fmt.Errorf("%w: demande de transfert (7)", ErrUnsupportedCategory)
	case 8:
		return 0, fmt.Errorf("%w: dossier d'infraction (8)", ErrUnsupportedCategory)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownCategory, code)
	}
}
