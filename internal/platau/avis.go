package platau

import (
	"context"
	"fmt"
	"net/http"
)

// AvisService — поиск avis.
type AvisService struct {
	c *Client
}

// Search ищет avis (POST avis/recherche). Каждая строка выравнивается
// по элементу dossier.avis.
// Публичный API клиента: командами шлюза не вызывается.
func (s *AvisService) Search(ctx context.Context, criteres Criteres) ([]map[string]any, error) {
	if criteres == nil {
		criteres = Criteres{}
	}
	col := s.c.Paginate(http.MethodPost, "avis/recherche", RequestOptions{
		JSON: map[string]any{"criteresSurConsultations": criteres},
	})

	var result []map[string]any
	for raw, err := range col.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("поиск avis: %w", err)
		}
		row, err := decodeObject(raw)
		if err != nil {
			return nil, fmt.Errorf("декодирование avis: %w", err)
		}
		merged, err := flattenNested(row, "avis")
		if err != nil {
			return nil, err
		}
		result = append(result, merged)
	}
	return result, nil
}

// ForConsultation возвращает первый avis по консультации или ErrNotFound.
func (s *AvisService) ForConsultation(ctx context.Context, id string, extra Criteres) (map[string]any, error) {
	criteres := Criteres{}
	for k, v := range extra {
		criteres[k] = v
	}
	criteres["idConsultation"] = id

	avis, err := s.Search(ctx, criteres)
	if err != nil {
		return nil, err
	}
	if len(avis) == 0 {
		return nil, fmt.Errorf("avis по консультации %s: %w", id, ErrNotFound)
	}
	return avis[0], nil
}
