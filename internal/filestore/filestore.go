// Пакет filestore — хранилище содержимого пьес Prevarisc.
// Файл адресуется именем {ID_PIECEJOINTE}{EXTENSION}. Два backend'а:
// локальная директория (FileStore) и bucket S3/MinIO (S3Store).
package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound — файла с таким именем нет в хранилище.
var ErrNotFound = errors.New("filestore: файл не найден")

// ErrInvalidName — имя файла содержит путь или пусто.
var ErrInvalidName = errors.New("filestore: недопустимое имя файла")

// Store — хранилище содержимого пьес.
type Store interface {
	Put(ctx context.Context, name string, contents []byte) (*SaveResult, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// SaveResult — результат сохранения файла.
type SaveResult struct {
	// Name — имя файла в хранилище
	Name string
	// Location — полный путь на диске или s3://bucket/name
	Location string
	// Size — размер в байтах
	Size int64
	// Checksum — SHA-256 содержимого
	Checksum string
}

// FileStore — хранение пьес в локальной директории.
type FileStore struct {
	// dataDir — директория пьес Prevarisc (PREVARISC_PIECES_JOINTES_PATH)
	dataDir string
}

// New создаёт FileStore. Создаёт директорию, если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию пьес %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Put записывает содержимое под именем name.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// Существующий файл заменяется целиком; при ошибке temp файл удаляется.
func (fs *FileStore) Put(_ context.Context, name string, contents []byte) (*SaveResult, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	fullPath := filepath.Join(fs.dataDir, name)
	tmpPath := fullPath + "." + uuid.New().String()[:8] + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), bytes.NewReader(contents))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		Name:     name,
		Location: fullPath,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Get читает файл целиком.
func (fs *FileStore) Get(_ context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", name, err)
	}
	return data, nil
}

// Delete удаляет файл. Отсутствующий файл не считается ошибкой.
func (fs *FileStore) Delete(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(fs.dataDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", name, err)
	}
	return nil
}

// Exists проверяет существование файла.
func (fs *FileStore) Exists(_ context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}

	_, err := os.Stat(filepath.Join(fs.dataDir, name))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("ошибка получения информации о файле %s: %w", name, err)
	}
}

// DataDir возвращает путь к директории пьес.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// checkName запрещает пустые имена и имена с компонентами пути.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
