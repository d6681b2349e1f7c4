// pagination.go — пагинация результатов поиска Plat'AU.
//
// Конверт ответа: {"nombrePages": N, "resultats": [...]}; номера страниц
// начинаются с 0. Часть endpoint'ов принимает nbElementsParPage, остальные
// молча игнорируют его и всегда отдают страницы по 500 элементов.
// Курсорные endpoint'ы возвращают curseurSuivant вместо nombrePages.
package platau

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
)

const (
	// countPageSize — размер страницы при подсчёте. Запрос предельного
	// размера страницы на больших выборках роняет хранилище Plat'AU.
	countPageSize = 100
	// sizedMaxPageSize — размер страницы при выборке для endpoint'ов с nbElementsParPage.
	sizedMaxPageSize = 100
	// fixedPageSize — фактический размер страницы endpoint'ов без nbElementsParPage.
	fixedPageSize = 500
)

// PaginationMode — способ пагинации endpoint'а.
type PaginationMode int

const (
	// PaginationSized — numeroPage + nbElementsParPage.
	PaginationSized PaginationMode = iota
	// PaginationFixed — только numeroPage, страница фиксирована (500).
	PaginationFixed
	// PaginationCursor — curseur / curseurSuivant.
	PaginationCursor
)

func (m PaginationMode) String() string {
	switch m {
	case PaginationSized:
		return "sized"
	case PaginationFixed:
		return "fixed"
	case PaginationCursor:
		return "cursor"
	default:
		return "unknown"
	}
}

// sizedEndpoints — endpoint'ы, корректно обрабатывающие nbElementsParPage.
var sizedEndpoints = map[string]bool{
	"consultations/recherche": true,
	"dossiers/recherche":      true,
	"avis/recherche":          true,
	"pieces/recherche":        true,
	"acteurs/recherche":       true,
	"evenements/recherche":    true,
	"projets/recherche":       true,
}

// PaginationModeFor возвращает режим пагинации для пути.
func PaginationModeFor(path string) PaginationMode {
	if sizedEndpoints[normalizeEndpoint(path)] {
		return PaginationSized
	}
	return PaginationFixed
}

// Page — одна страница результатов.
type Page struct {
	Number int
	// Общее количество страниц (в курсорном режиме -1)
	NombrePages int
	Resultats   []json.RawMessage
	// Курсор следующей страницы (только курсорный режим)
	CurseurSuivant string
}

// Collection — ленивая коллекция результатов пагинируемого endpoint'а.
type Collection struct {
	c      *Client
	method string
	path   string
	opts   RequestOptions
	mode   PaginationMode
}

// Paginate возвращает коллекцию результатов endpoint'а с постраничной выборкой.
func (c *Client) Paginate(method, path string, opts RequestOptions) *Collection {
	return &Collection{c: c, method: method, path: path, opts: opts, mode: PaginationModeFor(path)}
}

// PaginateCursor возвращает коллекцию результатов курсорного endpoint'а.
// Публичный API клиента: командами шлюза не вызывается.
func (c *Client) PaginateCursor(method, path string, opts RequestOptions) *Collection {
	return &Collection{c: c, method: method, path: path, opts: opts, mode: PaginationCursor}
}

// Mode возвращает режим пагинации коллекции.
func (col *Collection) Mode() PaginationMode {
	return col.mode
}

// maxPageSize — эффективный размер страницы при выборке.
func (col *Collection) maxPageSize() int {
	if col.mode == PaginationSized {
		return sizedMaxPageSize
	}
	return fixedPageSize
}

// Count возвращает общее количество элементов.
// Запрашивается страница 0 размером 100 и, если страниц больше одной, последняя.
func (col *Collection) Count(ctx context.Context) (int, error) {
	if col.mode == PaginationCursor {
		n := 0
		for _, err := range col.All(ctx) {
			if err != nil {
				return 0, err
			}
			n++
		}
		return n, nil
	}

	first, err := col.fetch(ctx, 0, countPageSize)
	if err != nil {
		return 0, err
	}
	if first.NombrePages <= 1 {
		return len(first.Resultats), nil
	}

	last, err := col.fetch(ctx, first.NombrePages-1, countPageSize)
	if err != nil {
		return 0, err
	}

	total := (first.NombrePages-1)*len(first.Resultats) + len(last.Resultats)
	if total < 0 {
		return 0, col.contractError(fmt.Sprintf("отрицательное количество элементов %d", total))
	}
	return total, nil
}

// Slice возвращает элементы [offset, offset+length).
// Страницы, покрывающие окно, запрашиваются по порядку и склеиваются по позиции.
func (col *Collection) Slice(ctx context.Context, offset, length int) ([]json.RawMessage, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("некорректное окно выборки: offset=%d, length=%d", offset, length)
	}
	if length == 0 {
		return []json.RawMessage{}, nil
	}

	if col.mode == PaginationCursor {
		result := make([]json.RawMessage, 0, length)
		i := 0
		for item, err := range col.All(ctx) {
			if err != nil {
				return nil, err
			}
			if i >= offset {
				result = append(result, item)
				if len(result) == length {
					break
				}
			}
			i++
		}
		return result, nil
	}

	size := col.maxPageSize()
	firstPage := offset / size
	lastPage := (offset + length - 1) / size

	var items []json.RawMessage
	for n := firstPage; n <= lastPage; n++ {
		page, err := col.fetch(ctx, n, size)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Resultats...)
		if len(page.Resultats) == 0 || n >= page.NombrePages-1 {
			break
		}
	}

	start := offset - firstPage*size
	if start >= len(items) {
		return []json.RawMessage{}, nil
	}
	end := min(start+length, len(items))
	return items[start:end], nil
}

// Page возвращает страницу n размером size.
// Для endpoint'ов без nbElementsParPage size игнорируется сервером.
func (col *Collection) Page(ctx context.Context, n, size int) (*Page, error) {
	if n < 0 {
		return nil, fmt.Errorf("некорректный номер страницы %d", n)
	}
	if size <= 0 || size > col.maxPageSize() {
		size = col.maxPageSize()
	}

	if col.mode == PaginationCursor {
		cursor := ""
		for i := 0; ; i++ {
			page, err := col.fetchCursor(ctx, cursor)
			if err != nil {
				return nil, err
			}
			if i == n {
				page.Number = n
				return page, nil
			}
			if page.CurseurSuivant == "" || len(page.Resultats) == 0 {
				return &Page{Number: n, NombrePages: -1, Resultats: []json.RawMessage{}}, nil
			}
			cursor = page.CurseurSuivant
		}
	}

	return col.fetch(ctx, n, size)
}

// All возвращает итератор по всем элементам с автоматической подгрузкой страниц.
// Итерация останавливается после последней страницы или на первой пустой.
func (col *Collection) All(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		if col.mode == PaginationCursor {
			col.allCursor(ctx, yield)
			return
		}

		size := col.maxPageSize()
		for n := 0; ; n++ {
			page, err := col.fetch(ctx, n, size)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, item := range page.Resultats {
				if !yield(item, nil) {
					return
				}
			}
			if len(page.Resultats) == 0 || n >= page.NombrePages-1 {
				return
			}
		}
	}
}

func (col *Collection) allCursor(ctx context.Context, yield func(json.RawMessage, error) bool) {
	cursor := ""
	for {
		page, err := col.fetchCursor(ctx, cursor)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, item := range page.Resultats {
			if !yield(item, nil) {
				return
			}
		}
		if page.CurseurSuivant == "" || len(page.Resultats) == 0 {
			return
		}
		cursor = page.CurseurSuivant
	}
}

// --- Выборка страниц ---

// fetch запрашивает страницу n в постраничном режиме.
func (col *Collection) fetch(ctx context.Context, n, size int) (*Page, error) {
	opts := col.withQuery(func(q url.Values) {
		q["numeroPage"] = []string{strconv.Itoa(n)}
		if col.mode == PaginationSized {
			q["nbElementsParPage"] = []string{strconv.Itoa(size)}
		}
	})

	resp, err := col.c.Do(ctx, col.method, col.path, opts)
	if err != nil {
		return nil, err
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, col.contractError("ответ не является JSON-объектом")
	}

	rawPages, ok := env["nombrePages"]
	if !ok {
		return nil, col.contractError("отсутствует ключ nombrePages")
	}
	var pages int
	if err := json.Unmarshal(rawPages, &pages); err != nil {
		return nil, col.contractError("nombrePages не является целым числом")
	}
	if pages < 0 {
		return nil, col.contractError(fmt.Sprintf("отрицательное nombrePages %d", pages))
	}

	items, err := col.decodeResultats(env)
	if err != nil {
		return nil, err
	}

	return &Page{Number: n, NombrePages: pages, Resultats: items}, nil
}

// fetchCursor запрашивает страницу курсорного endpoint'а.
func (col *Collection) fetchCursor(ctx context.Context, cursor string) (*Page, error) {
	opts := col.withQuery(func(q url.Values) {
		if cursor != "" {
			q["curseur"] = []string{cursor}
		}
	})

	resp, err := col.c.Do(ctx, col.method, col.path, opts)
	if err != nil {
		return nil, err
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, col.contractError("ответ не является JSON-объектом")
	}

	items, err := col.decodeResultats(env)
	if err != nil {
		return nil, err
	}

	var next string
	if raw, ok := env["curseurSuivant"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, col.contractError("curseurSuivant не является строкой")
		}
	}

	return &Page{NombrePages: -1, Resultats: items, CurseurSuivant: next}, nil
}

// decodeResultats извлекает массив resultats из конверта.
func (col *Collection) decodeResultats(env map[string]json.RawMessage) ([]json.RawMessage, error) {
	raw, ok := env["resultats"]
	if !ok {
		return nil, col.contractError("отсутствует ключ resultats")
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, col.contractError("resultats не является массивом")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, col.contractError("resultats не является массивом")
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

// withQuery копирует параметры запроса и дополняет их параметрами пагинации.
func (col *Collection) withQuery(set func(q url.Values)) RequestOptions {
	q := make(url.Values, len(col.opts.Query)+2)
	for k, v := range col.opts.Query {
		q[k] = append([]string(nil), v...)
	}
	set(q)
	return RequestOptions{Query: q, JSON: col.opts.JSON}
}

func (col *Collection) contractError(reason string) error {
	col.c.logger.Error("Нарушение контракта пагинации Plat'AU",
		slog.String("path", col.path),
		slog.String("reason", reason),
	)
	return &PaginationContractError{Path: strings.Trim(col.path, "/"), Reason: reason}
}

