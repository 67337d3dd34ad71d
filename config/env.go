package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultMongoURI       = "mongodb://localhost:27017"
	defaultMongoDB        = "meterdesk"
	defaultRedisAddr      = "localhost:6379"
	defaultJWTSecret      = "change-me-in-production"
	defaultJWTExpire      = "24h"
	defaultAppPort        = "8080"
	defaultAppEnv         = "local"
	defaultUploadDir      = "uploads"
	defaultMaxUploadBytes = 10 << 20 // 10 MB
	defaultGeocoderURL    = "https://geocode.maps.co/search"
)

var (
	loadOnce sync.Once
	loadErr  error

	mu     sync.RWMutex
	values = defaultValues()
)

func Load() error {
	loadOnce.Do(func() {
		loadErr = loadFromFiles("config/app.json", ".env")
	})
	return loadErr
}

func defaultValues() map[string]string {
	return map[string]string{
		"MONGO_URI":            defaultMongoURI,
		"MONGO_DB":             defaultMongoDB,
		"MONGO_LOG_COLLECTION": "",
		"REDIS_ADDR":           defaultRedisAddr,
		"REDIS_PASSWORD":       "",
		"JWT_SECRET":           defaultJWTSecret,
		"JWT_EXPIRE":           defaultJWTExpire,
		"APP_PORT":             defaultAppPort,
		"APP_ENV":              defaultAppEnv,
		"ALLOWED_ORIGINS":      "*",
		"MAX_UPLOAD_BYTES":     "",
		"STORAGE_DISK":         "local",
		"UPLOAD_DIR":           defaultUploadDir,
		"STORAGE_URL":          "http://localhost:8080/uploads",
		"GEOCODER_URL":         defaultGeocoderURL,
		"LOG_LEVEL":            "",
		"MAX_BODY_BYTES":       "",
		"S3_BUCKET":            "",
		"S3_REGION":            "",
		"S3_KEY":               "",
		"S3_SECRET":            "",
		"S3_ENDPOINT":          "",
		"S3_URL":               "",
		"SMTP_HOST":            "",
		"SMTP_PORT":            "",
		"SMTP_USERNAME":        "",
		"SMTP_PASSWORD":        "",
		"SMTP_FROM":            "",
		"SEED_ADMIN_EMAIL":     "",
		"SEED_ADMIN_PASSWORD":  "",
		"SEED_ADMIN_NAME":      "",
	}
}

func MongoURI() string {
	_ = Load()
	return get("MONGO_URI", defaultMongoURI)
}

func MongoDB() string {
	_ = Load()
	return get("MONGO_DB", defaultMongoDB)
}

// MongoLogCollection names the collection for the async slog sink.
// Empty means the sink is disabled.
func MongoLogCollection() string {
	_ = Load()
	return get("MONGO_LOG_COLLECTION", "")
}

func RedisAddr() string {
	_ = Load()
	return get("REDIS_ADDR", defaultRedisAddr)
}

func RedisPassword() string {
	_ = Load()
	return get("REDIS_PASSWORD", "")
}

func JWTSecret() string {
	_ = Load()
	return get("JWT_SECRET", defaultJWTSecret)
}

// JWTExpire returns the access-token lifetime.
// Falls back to 24h on a malformed duration.
func JWTExpire() time.Duration {
	_ = Load()
	d, err := time.ParseDuration(get("JWT_EXPIRE", defaultJWTExpire))
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

func AppPort() string {
	_ = Load()
	return get("APP_PORT", defaultAppPort)
}

func AppEnv() string {
	_ = Load()
	return get("APP_ENV", defaultAppEnv)
}

// IsProduction reports whether the app runs in a production environment.
func IsProduction() bool {
	env := strings.ToLower(AppEnv())
	return env == "production" || env == "prod"
}

// AllowedOrigins returns the CORS origin allow-list (comma separated, "*" allowed).
func AllowedOrigins() []string {
	_ = Load()
	raw := get("ALLOWED_ORIGINS", "*")
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// MaxUploadBytes is the photo upload size cap (default 10 MB).
func MaxUploadBytes() int64 {
	_ = Load()
	n, err := strconv.ParseInt(get("MAX_UPLOAD_BYTES", ""), 10, 64)
	if err != nil || n <= 0 {
		return defaultMaxUploadBytes
	}
	return n
}

func GeocoderURL() string {
	_ = Load()
	return get("GEOCODER_URL", defaultGeocoderURL)
}

// ── Storage ──────────────────────────────────────────────────────────────────

func StorageDefault() string {
	_ = Load()
	return get("STORAGE_DISK", "local")
}

func StorageLocalRoot() string {
	_ = Load()
	return get("UPLOAD_DIR", defaultUploadDir)
}

func StorageURL() string {
	_ = Load()
	return get("STORAGE_URL", "http://localhost:8080/uploads")
}

func StorageS3Bucket() string   { _ = Load(); return get("S3_BUCKET", "") }
func StorageS3Region() string   { _ = Load(); return get("S3_REGION", "us-east-1") }
func StorageS3Key() string      { _ = Load(); return get("S3_KEY", "") }
func StorageS3Secret() string   { _ = Load(); return get("S3_SECRET", "") }
func StorageS3Endpoint() string { _ = Load(); return get("S3_ENDPOINT", "") }
func StorageS3URL() string      { _ = Load(); return get("S3_URL", "") }

// ── Mail ─────────────────────────────────────────────────────────────────────

func SMTPHost() string     { _ = Load(); return get("SMTP_HOST", "") }
func SMTPPort() string     { _ = Load(); return get("SMTP_PORT", "587") }
func SMTPUsername() string { _ = Load(); return get("SMTP_USERNAME", "") }
func SMTPPassword() string { _ = Load(); return get("SMTP_PASSWORD", "") }
func SMTPFrom() string     { _ = Load(); return get("SMTP_FROM", "noreply@meterdesk.local") }

func loadFromFiles(configPath, envPath string) error {
	loaded := defaultValues()

	if err := mergeJSONConfig(configPath, loaded); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	}

	if err := mergeDotEnv(envPath, loaded); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	}

	// Real environment variables win over files.
	for key := range loaded {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			loaded[key] = v
		}
	}

	mu.Lock()
	values = loaded
	mu.Unlock()

	return nil
}

func mergeJSONConfig(path string, out map[string]string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var raw map[string]interface{}
	if err := json.NewDecoder(file).Decode(&raw); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	for key, val := range raw {
		s, ok := val.(string)
		if !ok {
			continue
		}

		k := strings.ToUpper(strings.TrimSpace(key))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(s)
	}

	return nil
}

func mergeDotEnv(path string, out map[string]string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}

		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		out[key] = value
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	return nil
}

func get(key, fallback string) string {
	mu.RLock()
	defer mu.RUnlock()

	if value := strings.TrimSpace(values[key]); value != "" {
		return value
	}

	return fallback
}

// Get reads any config key by name with an optional fallback.
// Keys from .env and app.json are available after config.Load().
func Get(key, fallback string) string {
	_ = Load()
	return get(key, fallback)
}
