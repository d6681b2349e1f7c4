// Пакет workflow — команды синхронизации Plat'AU ↔ Prevarisc.
//
// Каждая команда обходит консультации последовательно и возвращает Report
// с результатом по каждой консультации. Ошибка одной консультации
// не прерывает обработку остальных.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/passerelle-platau/internal/platau"
	"github.com/bigkaa/passerelle-platau/internal/prevarisc"
)

// --- Зависимости ---

// ConsultationAPI — операции Plat'AU над консультациями.
type ConsultationAPI interface {
	SearchByEtats(ctx context.Context, etats ...int) ([]*platau.Consultation, error)
	Get(ctx context.Context, id string, extra platau.Criteres) (*platau.Consultation, error)
	Pieces(ctx context.Context, id string) ([]platau.Piece, error)
	EnvoiPEC(ctx context.Context, req platau.PECRequest) error
	VersementAvis(ctx context.Context, req platau.AvisRequest) error
}

// PieceAPI — скачивание и загрузка пьес.
type PieceAPI interface {
	Download(ctx context.Context, piece platau.Piece) (*platau.DownloadedPiece, error)
	UploadDocument(ctx context.Context, fileName string, contents []byte, typeDocument int) (*platau.Document, error)
	AjouterPieceDepuisFichierSyncplicity(ctx context.Context, p platau.PieceSyncplicity) error
}

// ActeurAPI — операции с акторами Plat'AU.
type ActeurAPI interface {
	Get(ctx context.Context, id string) (*platau.Acteur, error)
	EnrolerServiceConsultable(ctx context.Context, req platau.EnrolementRequest) (string, error)
}

// HealthAPI — проверка работоспособности Plat'AU.
type HealthAPI interface {
	Check(ctx context.Context) error
}

// LocalStore — операции с базой Prevarisc.
type LocalStore interface {
	ConsultationExiste(ctx context.Context, consultationID string) (bool, error)
	RecupererDossierDeConsultation(ctx context.Context, consultationID string) (*prevarisc.Dossier, error)
	ImportConsultation(ctx context.Context, c *platau.Consultation, demandeur, serviceInstructeur *platau.Acteur) (int64, error)
	EnregistrerStatut(ctx context.Context, consultationID string, track prevarisc.Track, statut string, date *time.Time) error
	RecupererPiecesAvecStatut(ctx context.Context, dossierID int64, statut string) ([]prevarisc.PieceJointe, error)
	ChangerStatutPiece(ctx context.Context, pieceID int64, statut string) error
	CreerPieceJointe(ctx context.Context, dossierID int64, piece platau.Piece, extension string, contents []byte) (*prevarisc.PieceJointe, bool, error)
	RecupererFichierPhysique(ctx context.Context, pieceID int64, extension string) ([]byte, error)
	GetPrescriptions(ctx context.Context, dossierID int64) ([]prevarisc.Prescription, error)
	RecupererDossierAuteur(ctx context.Context, dossierID int64) (*prevarisc.Auteur, error)
	RecupererDocumentsManquants(ctx context.Context, dossierID int64) (string, error)
	EstDisponible(ctx context.Context) error
	EstCompatible(ctx context.Context) error
}

// Services — удалённые сервисы, с которыми работает Runner.
type Services struct {
	Consultations ConsultationAPI
	Pieces        PieceAPI
	Acteurs       ActeurAPI
	Health        HealthAPI
	// Загрузка документов через Syncplicity включена
	Syncplicity bool
	// Состояния консультации, допускающие avis
	AvisEtats []int
}

// ServicesFromClient собирает Services из клиента Plat'AU.
func ServicesFromClient(c *platau.Client) Services {
	return Services{
		Consultations: c.Consultations(),
		Pieces:        c.Pieces(),
		Acteurs:       c.Acteurs(),
		Health:        c.Healthcheck(),
		Syncplicity:   c.SyncplicityEnabled(),
		AvisEtats:     c.AvisEligibleStates(),
	}
}

// --- Runner ---

// Runner выполняет команды синхронизации.
type Runner struct {
	consultations ConsultationAPI
	pieces        PieceAPI
	acteurs       ActeurAPI
	health        HealthAPI
	syncplicity   bool
	avisEtats     []int

	store  LocalStore
	logger *slog.Logger
	now    func() time.Time
}

// New создаёт Runner.
func New(svc Services, store LocalStore, logger *slog.Logger) *Runner {
	avisEtats := svc.AvisEtats
	if len(avisEtats) == 0 {
		avisEtats = []int{platau.EtatPriseEnCompte, platau.EtatReouverte}
	}
	return &Runner{
		consultations: svc.Consultations,
		pieces:        svc.Pieces,
		acteurs:       svc.Acteurs,
		health:        svc.Health,
		syncplicity:   svc.Syncplicity,
		avisEtats:     avisEtats,
		store:         store,
		logger:        logger.With(slog.String("component", "workflow")),
		now:           time.Now,
	}
}

// CheckReady проверяет доступность и совместимость базы Prevarisc.
// Вызывается один раз перед любой командой синхронизации.
func (r *Runner) CheckReady(ctx context.Context) error {
	if err := r.store.EstDisponible(ctx); err != nil {
		return fmt.Errorf("база Prevarisc недоступна: %w", err)
	}
	if err := r.store.EstCompatible(ctx); err != nil {
		return err
	}
	return nil
}

// --- Отчёт ---

// Outcome — итог обработки одной консультации.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Result — результат по одной консультации.
type Result struct {
	ConsultationID string
	Outcome        Outcome
	Message        string
	Err            error
}

// Report — результаты одного запуска команды.
type Report struct {
	Command  string
	RunID    string
	Started  time.Time
	Finished time.Time
	Results  []Result
}

// Counts возвращает количество консультаций по итогам.
func (rep *Report) Counts() (success, skipped, failed int) {
	for _, res := range rep.Results {
		switch res.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeSkipped:
			skipped++
		case OutcomeError:
			failed++
		}
	}
	return success, skipped, failed
}

// run — один запуск команды: отчёт, logger с run_id и учёт метрик.
type run struct {
	report *Report
	logger *slog.Logger
}

func (r *Runner) startRun(command string) *run {
	id := uuid.NewString()
	rn := &run{
		report: &Report{Command: command, RunID: id, Started: r.now()},
		logger: r.logger.With(slog.String("command", command), slog.String("run_id", id)),
	}
	rn.logger.Info("Запуск команды")
	return rn
}

func (r *Runner) finishRun(rn *run) *Report {
	rep := rn.report
	rep.Finished = r.now()
	success, skipped, failed := rep.Counts()

	runDuration.WithLabelValues(rep.Command).Observe(rep.Finished.Sub(rep.Started).Seconds())
	rn.logger.Info("Команда завершена",
		slog.Int("success", success),
		slog.Int("skipped", skipped),
		slog.Int("errors", failed),
		slog.Duration("duration", rep.Finished.Sub(rep.Started)),
	)
	return rep
}

func (rn *run) success(id, msg string) {
	rn.add(Result{ConsultationID: id, Outcome: OutcomeSuccess, Message: msg})
	rn.logger.Info(msg, slog.String("consultation_id", id))
}

func (rn *run) skip(id, msg string) {
	rn.add(Result{ConsultationID: id, Outcome: OutcomeSkipped, Message: msg})
	rn.logger.Info(msg, slog.String("consultation_id", id))
}

func (rn *run) fail(id, msg string, err error) {
	rn.add(Result{ConsultationID: id, Outcome: OutcomeError, Message: msg, Err: err})
	rn.logger.Error(msg, slog.String("consultation_id", id), slog.String("error", err.Error()))
}

func (rn *run) add(res Result) {
	rn.report.Results = append(rn.report.Results, res)
	itemsTotal.WithLabelValues(rn.report.Command, string(res.Outcome)).Inc()
}

// today возвращает текущую дату без времени.
func (r *Runner) today() time.Time {
	y, m, d := r.now().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
