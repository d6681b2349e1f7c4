// Пакет syncplicity — клиент загрузки файлов в Syncplicity (через PISTE).
// Файлы меньше 10 МБ отправляются одним multipart-запросом, крупные —
// через ticket pre-upload прямо в хранилище Syncplicity.
// Каждый HTTP-вызов повторяется на 429/500/503 и транспортных ошибках (httpretry).
package syncplicity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/passerelle-platau/internal/httpretry"
)

// SimpleUploadLimit — размер, начиная с которого используется ticket pre-upload.
const SimpleUploadLimit = 10_000_000

// maxErrorBody — сколько байт тела ответа сохраняется в ошибке.
const maxErrorBody = 16384

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passerelle_syncplicity_uploads_total",
		Help: "Количество загрузок файлов в Syncplicity",
	}, []string{"mode", "status"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passerelle_syncplicity_upload_bytes_total",
		Help: "Объём файлов, загруженных в Syncplicity, в байтах",
	})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passerelle_syncplicity_retries_total",
		Help: "Количество повторов HTTP-запросов к Syncplicity",
	}, []string{"method"})
)

// ErrUpload — загрузка не дала полного результата.
var ErrUpload = errors.New("syncplicity: загрузка не удалась")

// UploadError описывает неудачную загрузку.
type UploadError struct {
	FileName string
	Reason   string
	// Статус HTTP (0, если ошибка не связана с ответом)
	StatusCode int
	Body       []byte
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("загрузка %s в Syncplicity: %s (статус %d): %s", e.FileName, e.Reason, e.StatusCode, string(e.Body))
	}
	return fmt.Sprintf("загрузка %s в Syncplicity: %s", e.FileName, e.Reason)
}

func (e *UploadError) Unwrap() error {
	return ErrUpload
}

// ID — идентификатор Syncplicity; API отдаёт его то строкой, то числом.
type ID string

// UnmarshalJSON принимает строку или число.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("идентификатор Syncplicity: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// UploadedFile — результат загрузки.
type UploadedFile struct {
	DataFileID        ID `json:"data_file_id" validate:"required"`
	DataFileVersionID ID `json:"data_file_version_id" validate:"required"`
	VirtualFolderID   ID `json:"VirtualFolderId" validate:"required"`
}

// Ticket — ticket pre-upload для крупных файлов.
type Ticket struct {
	VirtualFolderID        ID     `json:"VirtualFolderId" validate:"required"`
	AuthorizationForUpload string `json:"Authorization_for_upload" validate:"required"`
	AppKey                 string `json:"AppKey" validate:"required"`
	FolderName             string `json:"Folder_Name" validate:"required"`
	StorageURL             string `json:"Storage_URL" validate:"required,url"`
}

// TokenProvider — функция, возвращающая access token PISTE.
type TokenProvider func(ctx context.Context) (string, error)

// Client — клиент Syncplicity.
type Client struct {
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
	validate   *validator.Validate
	logger     *slog.Logger
	retry      httpretry.Policy
}

// Option настраивает Client.
type Option func(*Client)

// WithRetryPolicy задаёт политику повторов (по умолчанию 5 повторов от 1s).
func WithRetryPolicy(p httpretry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// New создаёт клиент Syncplicity.
// httpClient может быть nil — тогда используется клиент с таймаутом 30s.
func New(baseURL string, token TokenProvider, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		validate:   validator.New(),
		logger:     logger.With(slog.String("component", "syncplicity_client")),
		retry:      httpretry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload загружает файл и возвращает его идентификаторы в Syncplicity.
func (c *Client) Upload(ctx context.Context, contents []byte, fileName string) (*UploadedFile, error) {
	mode := "simple"
	var (
		file *UploadedFile
		err  error
	)
	if len(contents) < SimpleUploadLimit {
		file, err = c.uploadSimple(ctx, contents, fileName)
	} else {
		mode = "ticket"
		file, err = c.uploadWithTicket(ctx, contents, fileName)
	}

	if err != nil {
		uploadsTotal.WithLabelValues(mode, "error").Inc()
		return nil, err
	}

	uploadsTotal.WithLabelValues(mode, "success").Inc()
	uploadBytesTotal.Add(float64(len(contents)))
	c.logger.Info("Файл загружен в Syncplicity",
		slog.String("file_name", fileName),
		slog.Int("size", len(contents)),
		slog.String("mode", mode),
		slog.String("data_file_id", string(file.DataFileID)),
	)
	return file, nil
}

// uploadSimple — POST upload с полем fileData.
func (c *Client) uploadSimple(ctx context.Context, contents []byte, fileName string) (*UploadedFile, error) {
	body, contentType, err := buildMultipart(fileName, contents, nil)
	if err != nil {
		return nil, err
	}

	newRequest := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"upload", bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, httpretry.Permanent(fmt.Errorf("создание запроса upload: %w", err))
		}
		req.Header.Set("Content-Type", contentType)
		return req, c.authorize(ctx, req)
	}

	var file UploadedFile
	if err := c.doJSON(ctx, newRequest, fileName, &file); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(&file); err != nil {
		return nil, &UploadError{FileName: fileName, Reason: "неполный ответ upload: " + err.Error()}
	}
	return &file, nil
}

// uploadWithTicket — GET pre-upload, затем загрузка в Storage_URL ticket'а.
func (c *Client) uploadWithTicket(ctx context.Context, contents []byte, fileName string) (*UploadedFile, error) {
	preUpload := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"pre-upload", http.NoBody)
		if err != nil {
			return nil, httpretry.Permanent(fmt.Errorf("создание запроса pre-upload: %w", err))
		}
		return req, c.authorize(ctx, req)
	}

	var ticket Ticket
	if err := c.doJSON(ctx, preUpload, fileName, &ticket); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(&ticket); err != nil {
		return nil, &UploadError{FileName: fileName, Reason: "некорректный ticket pre-upload: " + err.Error()}
	}

	sum := sha256.Sum256(contents)
	body, contentType, err := buildMultipart(fileName, contents, [][2]string{
		{"virtualFolderId", string(ticket.VirtualFolderID)},
		{"SHA-256", hex.EncodeToString(sum[:])},
		{"sessionKey", ticket.AuthorizationForUpload},
		{"filename", fileName},
	})
	if err != nil {
		return nil, err
	}

	storageURL := strings.TrimRight(ticket.StorageURL, "/") + "/v2/mime/files?" +
		url.Values{"filepath": {ticket.FolderName + "/" + url.QueryEscape(fileName)}}.Encode()

	store := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, storageURL, bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, httpretry.Permanent(fmt.Errorf("создание запроса загрузки в хранилище: %w", err))
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("AppKey", ticket.AppKey)
		req.Header.Set("Authorization", ticket.AuthorizationForUpload)
		return req, nil
	}

	var file UploadedFile
	if err := c.doJSON(ctx, store, fileName, &file); err != nil {
		return nil, err
	}
	file.VirtualFolderID = ticket.VirtualFolderID
	if err := c.validate.Struct(&file); err != nil {
		return nil, &UploadError{FileName: fileName, Reason: "неполный ответ хранилища: " + err.Error()}
	}
	return &file, nil
}

// authorize добавляет Bearer-токен PISTE.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("получение токена PISTE: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// reply — полностью прочитанный ответ одной попытки.
type reply struct {
	method string
	path   string
	status int
	body   []byte
}

// doJSON выполняет запрос с повторами и декодирует JSON-ответ.
// newRequest вызывается на каждую попытку: тело запроса читается однократно.
func (c *Client) doJSON(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error), fileName string, target any) error {
	var method string
	policy := c.retry
	policy.OnRetry = func(info httpretry.Info) {
		attrs := []any{
			slog.String("file_name", fileName),
			slog.Int("attempt", info.Attempt),
			slog.Duration("delay", info.Delay),
		}
		if info.StatusCode != 0 {
			attrs = append(attrs, slog.Int("status", info.StatusCode))
		}
		if info.Err != nil {
			attrs = append(attrs, slog.String("error", info.Err.Error()))
		}
		retriesTotal.WithLabelValues(method).Inc()
		c.logger.Warn("Повтор запроса к Syncplicity", attrs...)
	}

	r, err := httpretry.Do(ctx, policy, func(ctx context.Context) (*reply, int, error) {
		req, err := newRequest(ctx)
		if err != nil {
			return nil, 0, err
		}
		method = req.Method
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("чтение ответа %s %s: %w", req.Method, req.URL.Redacted(), err)
		}
		return &reply{method: req.Method, path: req.URL.Path, status: resp.StatusCode, body: body}, resp.StatusCode, nil
	})
	if err != nil {
		return err
	}

	if r.status < 200 || r.status >= 300 {
		body := r.body
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &UploadError{
			FileName:   fileName,
			Reason:     fmt.Sprintf("%s %s", r.method, r.path),
			StatusCode: r.status,
			Body:       body,
		}
	}

	if err := json.Unmarshal(r.body, target); err != nil {
		return &UploadError{FileName: fileName, Reason: "декодирование ответа: " + err.Error()}
	}
	return nil
}

// buildMultipart собирает multipart-тело: поле fileData и дополнительные поля.
func buildMultipart(fileName string, contents []byte, fields [][2]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("fileData", fileName)
	if err != nil {
		return nil, "", fmt.Errorf("создание части fileData: %w", err)
	}
	if _, err := part.Write(contents); err != nil {
		return nil, "", fmt.Errorf("запись fileData: %w", err)
	}

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("запись поля %s: %w", f[0], err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("завершение multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
