// Пакет config — загрузка и валидация конфигурации передающего шлюза
// Plat'AU ↔ Prevarisc из файла (--config) и переменных окружения.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Значения по умолчанию для внешних сервисов PISTE.
const (
	DefaultPlatauURL           = "https://api.piste.gouv.fr/cerema/platau/v11/"
	DefaultPisteAccessTokenURL = "https://oauth.piste.gouv.fr/api/oauth/token"
	DefaultSyncplicityURL      = "https://api.piste.gouv.fr/syncplicity/upload/"
)

// Config содержит все параметры конфигурации шлюза.
type Config struct {
	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Файл логов с ротацией (опционально)
	LogFile string

	// --- PISTE / Plat'AU ---

	// Client ID приложения PISTE
	PisteClientID string
	// Client Secret приложения PISTE
	PisteClientSecret string
	// URL получения OAuth2-токена PISTE
	PisteAccessTokenURL string
	// Базовый URL API Plat'AU
	PlatauURL string
	// ID актора Plat'AU, от имени которого выполняются вызовы
	PlatauIDActeurAppelant string
	// Состояния консультаций, допускающие отправку avis
	PlatauAvisEtats []int
	// Таймаут одного HTTP-вызова
	PlatauHTTPTimeout time.Duration
	// Максимальное количество повторов HTTP-вызова
	PlatauHTTPMaxRetries int
	// TTL кэша акторов
	PlatauActeursCacheTTL time.Duration

	// --- Syncplicity ---

	// Включён ли обмен файлами через Syncplicity
	SyncplicityEnabled bool
	// Базовый URL Syncplicity
	SyncplicityURL string
	// Client ID PISTE для Syncplicity (по умолчанию PisteClientID)
	SyncplicityClientID string
	// Client Secret PISTE для Syncplicity (по умолчанию PisteClientSecret)
	SyncplicityClientSecret string

	// --- Prevarisc (PostgreSQL) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// ID пользователя Prevarisc, от имени которого создаются dossiers
	PlatauUserID int

	// --- Хранилище вложений ---

	// Backend хранилища: fs, s3
	PiecesJointesBackend string
	// Каталог вложений (backend fs)
	PiecesJointesPath string
	// Параметры S3/MinIO (backend s3)
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	// --- Метрики и daemon ---

	// URL Prometheus Pushgateway (опционально)
	PushgatewayURL string
	// Интервал циклов в режиме daemon
	DaemonInterval time.Duration
	// Порт HTTP-сервера daemon (health + metrics)
	DaemonPort int
	// Таймаут graceful shutdown HTTP-сервера daemon
	DaemonShutdownTimeout time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Группа зависимостей в метриках topologymetrics
	DephealthGroup string
}

// Load загружает конфигурацию. Порядок источников (по убыванию приоритета):
// переменные окружения, файл path (если задан), .env в текущем каталоге.
func Load(path string) (*Config, error) {
	// .env в рабочем каталоге — необязательный
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("чтение .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.ToLower(filepath.Ext(path)); ext == "" || ext == ".env" {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("чтение файла конфигурации %s: %w", path, err)
		}
	}

	return load(&source{v: v})
}

func load(s *source) (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Логирование ---

	cfg.LogLevel, err = parseLogLevel(s.getDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = s.getDefault("LOG_FORMAT", "text")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.LogFile = s.getDefault("LOG_FILE", "")

	// --- PISTE / Plat'AU ---

	if cfg.PisteClientID, err = s.getRequired("PISTE_CLIENT_ID"); err != nil {
		return nil, err
	}
	if cfg.PisteClientSecret, err = s.getRequired("PISTE_CLIENT_SECRET"); err != nil {
		return nil, err
	}
	cfg.PisteAccessTokenURL = s.getDefault("PISTE_ACCESS_TOKEN_URL", DefaultPisteAccessTokenURL)
	cfg.PlatauURL = s.getDefault("PLATAU_URL", DefaultPlatauURL)
	if cfg.PlatauIDActeurAppelant, err = s.getRequired("PLATAU_ID_ACTEUR_APPELANT"); err != nil {
		return nil, err
	}

	// PLATAU_AVIS_ETATS — состояния, в которых консультация принимает avis (по умолчанию 3,6)
	cfg.PlatauAvisEtats, err = parseIntCSV(s.getDefault("PLATAU_AVIS_ETATS", "3,6"))
	if err != nil {
		return nil, fmt.Errorf("PLATAU_AVIS_ETATS: %w", err)
	}
	if len(cfg.PlatauAvisEtats) == 0 {
		return nil, fmt.Errorf("PLATAU_AVIS_ETATS: список состояний пуст")
	}

	if cfg.PlatauHTTPTimeout, err = s.getDuration("PLATAU_HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("PLATAU_HTTP_TIMEOUT: %w", err)
	}
	if cfg.PlatauHTTPMaxRetries, err = s.getInt("PLATAU_HTTP_MAX_RETRIES", 5); err != nil {
		return nil, fmt.Errorf("PLATAU_HTTP_MAX_RETRIES: %w", err)
	}
	if cfg.PlatauHTTPMaxRetries < 0 || cfg.PlatauHTTPMaxRetries > 10 {
		return nil, fmt.Errorf("PLATAU_HTTP_MAX_RETRIES: значение %d вне допустимого диапазона 0-10", cfg.PlatauHTTPMaxRetries)
	}
	if cfg.PlatauActeursCacheTTL, err = s.getDuration("PLATAU_ACTEURS_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("PLATAU_ACTEURS_CACHE_TTL: %w", err)
	}

	// --- Syncplicity ---

	if cfg.SyncplicityEnabled, err = s.getBool("SYNCPLICITY_ENABLED", false); err != nil {
		return nil, fmt.Errorf("SYNCPLICITY_ENABLED: %w", err)
	}
	cfg.SyncplicityURL = s.getDefault("SYNCPLICITY_URL", DefaultSyncplicityURL)
	cfg.SyncplicityClientID = s.getDefault("SYNCPLICITY_CLIENT_ID", cfg.PisteClientID)
	cfg.SyncplicityClientSecret = s.getDefault("SYNCPLICITY_CLIENT_SECRET", cfg.PisteClientSecret)

	// --- Prevarisc ---

	if cfg.DBHost, err = s.getRequired("PREVARISC_DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = s.getInt("PREVARISC_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("PREVARISC_DB_PORT: %w", err)
	}
	if cfg.DBName, err = s.getRequired("PREVARISC_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = s.getRequired("PREVARISC_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = s.getRequired("PREVARISC_DB_PASSWORD"); err != nil {
		return nil, err
	}

	cfg.DBSSLMode = s.getDefault("PREVARISC_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PREVARISC_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	userID, err := s.getRequired("PREVARISC_DB_PLATAU_USER_ID")
	if err != nil {
		return nil, err
	}
	if cfg.PlatauUserID, err = strconv.Atoi(userID); err != nil {
		return nil, fmt.Errorf("PREVARISC_DB_PLATAU_USER_ID: некорректное целое число: %q", userID)
	}

	// --- Хранилище вложений ---

	cfg.PiecesJointesBackend = s.getDefault("PREVARISC_PIECES_JOINTES_BACKEND", "fs")
	switch cfg.PiecesJointesBackend {
	case "fs":
		if cfg.PiecesJointesPath, err = s.getRequired("PREVARISC_PIECES_JOINTES_PATH"); err != nil {
			return nil, err
		}
	case "s3":
		if cfg.S3Endpoint, err = s.getRequired("PREVARISC_S3_ENDPOINT"); err != nil {
			return nil, err
		}
		if cfg.S3AccessKey, err = s.getRequired("PREVARISC_S3_ACCESS_KEY"); err != nil {
			return nil, err
		}
		if cfg.S3SecretKey, err = s.getRequired("PREVARISC_S3_SECRET_KEY"); err != nil {
			return nil, err
		}
		if cfg.S3Bucket, err = s.getRequired("PREVARISC_S3_BUCKET"); err != nil {
			return nil, err
		}
		if cfg.S3UseSSL, err = s.getBool("PREVARISC_S3_USE_SSL", true); err != nil {
			return nil, fmt.Errorf("PREVARISC_S3_USE_SSL: %w", err)
		}
	default:
		return nil, fmt.Errorf("PREVARISC_PIECES_JOINTES_BACKEND: недопустимое значение %q, допустимые: fs, s3", cfg.PiecesJointesBackend)
	}

	// --- Метрики и daemon ---

	cfg.PushgatewayURL = s.getDefault("METRICS_PUSHGATEWAY_URL", "")
	if cfg.DaemonInterval, err = s.getDuration("DAEMON_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("DAEMON_INTERVAL: %w", err)
	}
	if cfg.DaemonPort, err = s.getInt("DAEMON_PORT", 8080); err != nil {
		return nil, fmt.Errorf("DAEMON_PORT: %w", err)
	}
	if cfg.DaemonPort < 1 || cfg.DaemonPort > 65535 {
		return nil, fmt.Errorf("DAEMON_PORT: значение %d вне допустимого диапазона 1-65535", cfg.DaemonPort)
	}
	if cfg.DaemonShutdownTimeout, err = s.getDuration("DAEMON_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("DAEMON_SHUTDOWN_TIMEOUT: %w", err)
	}
	if cfg.DephealthCheckInterval, err = s.getDuration("DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = s.getDefault("DEPHEALTH_GROUP", "prevarisc")

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения (для golang-migrate и меток dephealth).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
// Если задан LogFile, вывод дублируется в файл с ротацией.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // МБ
			MaxBackups: 5,
			MaxAge:     30, // дней
			Compress:   true,
		})
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// source — источник значений: переменные окружения поверх файла конфигурации.
type source struct {
	v *viper.Viper
}

// getRequired возвращает значение ключа или ошибку, если он не задан.
func (s *source) getRequired(key string) (string, error) {
	val := strings.TrimSpace(s.v.GetString(key))
	if val == "" {
		return "", fmt.Errorf("%s: обязательный параметр не задан", key)
	}
	return val, nil
}

// getDefault возвращает значение ключа или значение по умолчанию.
func (s *source) getDefault(key, defaultVal string) string {
	val := strings.TrimSpace(s.v.GetString(key))
	if val == "" {
		return defaultVal
	}
	return val
}

// getInt возвращает целочисленное значение ключа или значение по умолчанию.
func (s *source) getInt(key string, defaultVal int) (int, error) {
	val := s.getDefault(key, "")
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getBool возвращает логическое значение ключа или значение по умолчанию.
func (s *source) getBool(key string, defaultVal bool) (bool, error) {
	val := s.getDefault(key, "")
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getDuration возвращает time.Duration из значения ключа или значение по умолчанию.
func (s *source) getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := s.getDefault(key, "")
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseIntCSV разбирает список целых чисел через запятую.
func parseIntCSV(s string) ([]int, error) {
	parts := parseCSV(s)
	result := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("некорректное целое число: %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
