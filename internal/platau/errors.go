package platau

import (
	"errors"
	"fmt"

	"github.com/bigkaa/passerelle-platau/internal/httpretry"
)

// maxErrorBody — сколько байт тела ответа сохраняется в HTTPError.
const maxErrorBody = 16384

var (
	// ErrNotFound — поиск в Plat'AU не дал результатов.
	ErrNotFound = errors.New("platau: не найдено")
	// ErrRetryExhausted — исчерпаны повторы транспортного вызова.
	ErrRetryExhausted = httpretry.ErrExhausted
	// ErrPaginationContract — ответ нарушает контракт пагинации.
	ErrPaginationContract = errors.New("platau: нарушение контракта пагинации")
	// ErrUnsupportedDelayUnit — неизвестная единица срока ответа.
	ErrUnsupportedDelayUnit = errors.New("platau: неподдерживаемый тип срока ответа")
	// ErrUnhealthy — Plat'AU сообщает о неисправности.
	ErrUnhealthy = errors.New("platau: сервис неисправен")
	// ErrSyncplicityDisabled — обмен файлами через Syncplicity не настроен.
	ErrSyncplicityDisabled = errors.New("platau: Syncplicity не настроен")
	// ErrUnexpectedResponse — ответ не соответствует ожидаемой структуре.
	ErrUnexpectedResponse = errors.New("platau: неожиданный ответ")
)

// HTTPError — итоговый ответ Plat'AU со статусом вне 2xx/3xx.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	// Тело ответа, не более maxErrorBody байт
	Body []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("Plat'AU вернул статус %d на %s %s: %s", e.StatusCode, e.Method, e.URL, string(e.Body))
}

// newHTTPError создаёт HTTPError, усекая тело до maxErrorBody.
func newHTTPError(method, url string, status int, body []byte) *HTTPError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &HTTPError{Method: method, URL: url, StatusCode: status, Body: body}
}

// RetryExhaustedError — транспортная ошибка, не устранённая повторами.
type RetryExhaustedError = httpretry.ExhaustedError

// PaginationContractError описывает некорректный конверт пагинации.
type PaginationContractError struct {
	Path   string
	Reason string
}

func (e *PaginationContractError) Error() string {
	return fmt.Sprintf("пагинация %s: %s", e.Path, e.Reason)
}

func (e *PaginationContractError) Unwrap() error {
	return ErrPaginationContract
}

// UnhealthyError — результат healthcheck с неисправным компонентом.
type UnhealthyError struct {
	// Компонент: etatGeneral или etatBdd
	Component string
	// Полученное значение
	Value any
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("%s Plat'AU неисправен (значение: %v)", e.Component, e.Value)
}

func (e *UnhealthyError) Unwrap() error {
	return ErrUnhealthy
}
