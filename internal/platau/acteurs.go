// acteurs.go — поиск и регистрация акторов Plat'AU.
// Результаты поиска кэшируются в expirable LRU на время TTL.
package platau

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// EnrolementRequest — данные нового service consultable.
type EnrolementRequest struct {
	DesignationActeur string `json:"designationActeur" validate:"required"`
	Mail              string `json:"mail" validate:"required,email"`
	Siren             string `json:"siren" validate:"required,numeric,len=9"`
}

// ActeurService — операции с акторами.
type ActeurService struct {
	c *Client
}

// Get возвращает актора по ID (POST acteurs/recherche).
func (s *ActeurService) Get(ctx context.Context, id string) (*Acteur, error) {
	if s.c.acteurs != nil {
		if a, ok := s.c.acteurs.Get(id); ok {
			return a, nil
		}
	}

	resp, err := s.c.Do(ctx, http.MethodPost, "acteurs/recherche", RequestOptions{
		JSON: map[string]any{"idActeur": id},
	})
	if err != nil {
		return nil, fmt.Errorf("поиск актора %s: %w", id, err)
	}

	var acteurs []Acteur
	if err := resp.Decode(&acteurs); err != nil {
		return nil, err
	}
	if len(acteurs) == 0 {
		return nil, fmt.Errorf("актор %s: %w", id, ErrNotFound)
	}

	a := &acteurs[0]
	if s.c.acteurs != nil {
		s.c.acteurs.Add(id, a)
	}
	return a, nil
}

// EnrolerServiceConsultable регистрирует новый service consultable
// и возвращает его idActeur.
func (s *ActeurService) EnrolerServiceConsultable(ctx context.Context, req EnrolementRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", fmt.Errorf("некорректные данные актора: %w", err)
	}

	resp, err := s.c.Do(ctx, http.MethodPost, "enrolement/acteurs", RequestOptions{
		JSON: map[string]any{"servicesConsultables": []EnrolementRequest{req}},
	})
	if err != nil {
		return "", fmt.Errorf("регистрация актора: %w", err)
	}

	var created struct {
		ServicesConsultables []struct {
			IDActeur *string `json:"idActeur"`
		} `json:"servicesConsultables"`
	}
	if err := resp.Decode(&created); err != nil {
		return "", err
	}
	if len(created.ServicesConsultables) == 0 {
		return "", fmt.Errorf("%w: в ответе нет servicesConsultables", ErrUnexpectedResponse)
	}
	id := created.ServicesConsultables[0].IDActeur
	if id == nil || *id == "" {
		return "", fmt.Errorf("%w: в ответе нет idActeur", ErrUnexpectedResponse)
	}

	s.c.logger.Info("Service consultable зарегистрирован",
		slog.String("id_acteur", *id),
		slog.String("designation", req.DesignationActeur),
	)
	return *id, nil
}
