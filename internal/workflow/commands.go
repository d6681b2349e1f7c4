// commands.go — вспомогательные команды: enrôlement, détails, healthcheck.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/bigkaa/passerelle-platau/internal/platau"
)

// Сообщения healthcheck.
const (
	MsgPlatauIndisponible = "Plat'AU non fonctionnel actuellement."
	MsgBaseDeconnectee    = "Base de données Prevarisc déconnectée."
	MsgBaseIncompatible   = "Base de données Prevarisc incompatible. Avez-vous pensé à la mise à jour ?"
	MsgToutEstDisponible  = "RAS. Tout est disponible et prêt à l'emploi !"
)

// MsgAucuneDonnee — значение отсутствующего поля в details-consultation.
const MsgAucuneDonnee = "Aucune donnée"

// HealthcheckError — результат неуспешной проверки healthcheck.
type HealthcheckError struct {
	Message string
	Err     error
}

func (e *HealthcheckError) Error() string {
	return fmt.Sprintf("%s (%v)", e.Message, e.Err)
}

func (e *HealthcheckError) Unwrap() error {
	return e.Err
}

// Healthcheck проверяет по порядку: Plat'AU, доступность базы Prevarisc,
// совместимость схемы. Возвращает итоговое сообщение.
func (r *Runner) Healthcheck(ctx context.Context) (string, error) {
	if err := r.health.Check(ctx); err != nil {
		return "", &HealthcheckError{Message: MsgPlatauIndisponible, Err: err}
	}
	if err := r.store.EstDisponible(ctx); err != nil {
		return "", &HealthcheckError{Message: MsgBaseDeconnectee, Err: err}
	}
	if err := r.store.EstCompatible(ctx); err != nil {
		return "", &HealthcheckError{Message: MsgBaseIncompatible, Err: err}
	}
	r.logger.Info("Healthcheck пройден")
	return MsgToutEstDisponible, nil
}

// Remote — команды, работающие только с Plat'AU, без базы Prevarisc.
type Remote struct {
	consultations ConsultationAPI
	acteurs       ActeurAPI
	logger        *slog.Logger
}

// NewRemote создаёт Remote. Из svc используются только Consultations и Acteurs.
func NewRemote(svc Services, logger *slog.Logger) *Remote {
	return &Remote{
		consultations: svc.Consultations,
		acteurs:       svc.Acteurs,
		logger:        logger.With(slog.String("component", "workflow")),
	}
}

// EnrolerActeur регистрирует service consultable в Plat'AU и возвращает его ID.
func (r *Remote) EnrolerActeur(ctx context.Context, req platau.EnrolementRequest) (string, error) {
	id, err := r.acteurs.EnrolerServiceConsultable(ctx, req)
	if err != nil {
		return "", err
	}
	r.logger.Info("Актор зарегистрирован",
		slog.String("id_acteur", id),
		slog.String("designation", req.DesignationActeur),
	)
	return id, nil
}

// DetailsConsultation возвращает поля консультации строками «ключ : значение»,
// отсортированными по ключу. Вложенные поля разворачиваются через точку.
// Если champ задан, возвращается только это поле или MsgAucuneDonnee.
func (r *Remote) DetailsConsultation(ctx context.Context, consultationID, champ string) ([]string, error) {
	c, err := r.consultations.Get(ctx, consultationID, nil)
	if err != nil {
		if errors.Is(err, platau.ErrNotFound) {
			return nil, fmt.Errorf("консультация %s не найдена: %w", consultationID, err)
		}
		return nil, err
	}

	flat := Flatten(c.Raw)

	if champ != "" {
		value, ok := flat[champ]
		if !ok {
			value, ok = lookup(c.Raw, champ)
		}
		if !ok {
			value = MsgAucuneDonnee
		}
		return []string{champ + " : " + value}, nil
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+" : "+flat[k])
	}
	return lines, nil
}

// Flatten разворачивает вложенные объекты и массивы в плоскую карту
// с ключами через точку (dossier.idDossier, documents.0.nom).
func Flatten(data map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range data {
		flattenInto(out, k, v)
	}
	return out
}

func flattenInto(out map[string]string, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			out[prefix] = ""
			return
		}
		for k, child := range val {
			flattenInto(out, prefix+"."+k, child)
		}
	case []any:
		if len(val) == 0 {
			out[prefix] = ""
			return
		}
		for i, child := range val {
			flattenInto(out, prefix+"."+strconv.Itoa(i), child)
		}
	default:
		out[prefix] = scalar(val)
	}
}

// lookup возвращает нелистовое поле (объект или массив) по пути через точку в JSON.
func lookup(data map[string]any, path string) (string, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return "", false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return "", false
			}
			cur = node[i]
		default:
			return "", false
		}
	}
	if cur == nil {
		return "", false
	}
	b, err := json.Marshal(cur)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func scalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
