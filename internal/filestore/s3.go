package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config — параметры подключения к S3/MinIO.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// S3Store — хранение пьес в bucket S3/MinIO.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3 создаёт клиент MinIO для bucket пьес.
func NewS3(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("инициализация клиента S3: %w", err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket создаёт bucket, если его ещё нет.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("проверка bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("создание bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put загружает содержимое объектом name. Content-Type определяется по сигнатуре.
func (s *S3Store) Put(ctx context.Context, name string, contents []byte) (*SaveResult, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	opts := minio.PutObjectOptions{ContentType: mimetype.Detect(contents).String()}
	info, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(contents), int64(len(contents)), opts)
	if err != nil {
		return nil, fmt.Errorf("загрузка объекта %s: %w", name, err)
	}

	sum := sha256.Sum256(contents)
	return &SaveResult{
		Name:     name,
		Location: "s3://" + s.bucket + "/" + name,
		Size:     info.Size,
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// Get скачивает объект целиком.
func (s *S3Store) Get(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(name, "получение объекта", err)
	}
	defer obj.Close()

	// GetObject ленивый: отсутствие объекта обнаруживается при чтении
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap(name, "чтение объекта", err)
	}
	return data, nil
}

// Delete удаляет объект. Отсутствующий объект не считается ошибкой.
func (s *S3Store) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("удаление объекта %s: %w", name, err)
	}
	return nil
}

// Exists проверяет существование объекта через StatObject.
func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}

	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("получение информации об объекте %s: %w", name, err)
}

func (s *S3Store) wrap(name, op string, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
