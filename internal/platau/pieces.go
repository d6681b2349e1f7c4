// pieces.go — скачивание пьес, загрузка документов через Syncplicity
// и регистрация загруженных файлов в dossier.
package platau

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/bigkaa/passerelle-platau/internal/httpretry"
)

// downloadEndpoint — лейбл метрик для скачивания пьес по абсолютному url.
const downloadEndpoint = "piece_download"

// ExtensionInconnue — расширение пьесы, тип которой определить не удалось.
const ExtensionInconnue = "???"

// Empreinte — хэш файла.
type Empreinte struct {
	Algorithme string `json:"algorithme"`
	Valeur     string `json:"valeur"`
}

// FichierSyncplicity — ссылка на файл, загруженный в Syncplicity.
type FichierSyncplicity struct {
	NomFichier              string    `json:"nomFichier"`
	IDFichierSyncplicity    string    `json:"idFichierSyncplicity"`
	IDRepertoireSyncplicity string    `json:"idRepertoireSyncplicity"`
	Empreinte               Empreinte `json:"empreinte"`
}

// Document — документ, прикладываемый к PEC или avis.
type Document struct {
	NomTypeDocument int                `json:"nomTypeDocument"`
	DtProduction    string             `json:"dtProduction"`
	Fichier         FichierSyncplicity `json:"fichier"`
}

// DownloadedPiece — содержимое скачанной пьесы.
type DownloadedPiece struct {
	Contents    []byte
	ContentType string
	// Расширение с точкой (".pdf") или ExtensionInconnue
	Extension string
}

// PieceSyncplicity — параметры регистрации загруженного файла в dossier.
type PieceSyncplicity struct {
	IDDossier               string
	NoVersion               int
	NomTypePiece            int
	DtProduction            string
	NomFichier              string
	IDFichierSyncplicity    string
	IDRepertoireSyncplicity string
	// SHA-512 содержимого (hex)
	Empreinte string
}

// PieceService — операции с пьесами.
type PieceService struct {
	c *Client
}

// Download скачивает пьесу по её url с токеном пьесы.
func (s *PieceService) Download(ctx context.Context, piece Piece) (*DownloadedPiece, error) {
	if piece.URL == "" {
		return nil, fmt.Errorf("%w: у пьесы %s нет url", ErrUnexpectedResponse, piece.IDPiece)
	}

	type download struct {
		status   int
		header   http.Header
		contents []byte
	}

	policy := s.c.retryPolicy(http.MethodGet, piece.URL, downloadEndpoint)
	dl, err := httpretry.Do(ctx, policy, func(ctx context.Context) (*download, int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, piece.URL, http.NoBody)
		if err != nil {
			return nil, 0, httpretry.Permanent(fmt.Errorf("создание запроса скачивания: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+piece.Token)

		start := time.Now()
		resp, err := s.c.httpClient.Do(req)
		requestDuration.WithLabelValues(http.MethodGet, downloadEndpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			requestsTotal.WithLabelValues(http.MethodGet, downloadEndpoint, "error").Inc()
			return nil, 0, fmt.Errorf("скачивание пьесы %s: %w", piece.IDPiece, err)
		}
		defer resp.Body.Close()
		requestsTotal.WithLabelValues(http.MethodGet, downloadEndpoint, strconv.Itoa(resp.StatusCode)).Inc()

		contents, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("чтение пьесы %s: %w", piece.IDPiece, err)
		}
		return &download{status: resp.StatusCode, header: resp.Header, contents: contents}, resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}
	if dl.status >= 400 {
		return nil, newHTTPError(http.MethodGet, piece.URL, dl.status, dl.contents)
	}

	return &DownloadedPiece{
		Contents:    dl.contents,
		ContentType: dl.header.Get("Content-Type"),
		Extension:   DetectExtension(dl.header, dl.contents),
	}, nil
}

// DetectExtension определяет расширение файла: имя из Content-Disposition,
// затем Content-Type, затем сигнатура содержимого.
func DetectExtension(header http.Header, contents []byte) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if ext := filepath.Ext(params["filename"]); ext != "" && ext != "." {
				return strings.ToLower(ext)
			}
		}
	}

	if ct := header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			if m := mimetype.Lookup(mediaType); m != nil && m.Extension() != "" {
				return m.Extension()
			}
		}
	}

	if len(contents) > 0 {
		if ext := mimetype.Detect(contents).Extension(); ext != "" {
			return ext
		}
	}

	return ExtensionInconnue
}

// UploadDocument загружает файл в Syncplicity и возвращает ссылку на документ
// для PEC или avis.
func (s *PieceService) UploadDocument(ctx context.Context, fileName string, contents []byte, typeDocument int) (*Document, error) {
	if s.c.blob == nil {
		return nil, ErrSyncplicityDisabled
	}

	file, err := s.c.blob.Upload(ctx, contents, fileName)
	if err != nil {
		return nil, fmt.Errorf("загрузка документа %s: %w", fileName, err)
	}

	return &Document{
		NomTypeDocument: typeDocument,
		DtProduction:    s.c.now().Format(dateLayout),
		Fichier: FichierSyncplicity{
			NomFichier:              fileName,
			IDFichierSyncplicity:    string(file.DataFileID),
			IDRepertoireSyncplicity: string(file.VirtualFolderID),
			Empreinte:               Empreinte{Algorithme: "SHA-512", Valeur: SHA512(contents)},
		},
	}, nil
}

// AjouterPieceDepuisFichierSyncplicity регистрирует загруженный в Syncplicity
// файл как пьесу dossier.
func (s *PieceService) AjouterPieceDepuisFichierSyncplicity(ctx context.Context, p PieceSyncplicity) error {
	dtProduction := p.DtProduction
	if dtProduction == "" {
		dtProduction = s.c.now().Format(dateLayout)
	}

	payload := map[string]any{
		"noVersion": p.NoVersion,
		"pieces": []map[string]any{{
			"nomTypePiece":            p.NomTypePiece,
			"dtProduction":            dtProduction,
			"nomFichier":              p.NomFichier,
			"idFichierSyncplicity":    p.IDFichierSyncplicity,
			"idRepertoireSyncplicity": p.IDRepertoireSyncplicity,
			"empreinte":               Empreinte{Algorithme: "SHA-512", Valeur: p.Empreinte},
		}},
	}

	path := "dossiers/" + url.PathEscape(p.IDDossier) + "/pieces"
	if _, err := s.c.Do(ctx, http.MethodPost, path, RequestOptions{JSON: payload}); err != nil {
		return fmt.Errorf("регистрация пьесы %s в dossier %s: %w", p.NomFichier, p.IDDossier, err)
	}

	s.c.logger.Info("Пьеса зарегистрирована в dossier",
		slog.String("dossier_id", p.IDDossier),
		slog.String("file_name", p.NomFichier),
	)
	return nil
}

// SHA512 возвращает hex SHA-512 содержимого.
func SHA512(contents []byte) string {
	sum := sha512.Sum512(contents)
	return hex.EncodeToString(sum[:])
}
