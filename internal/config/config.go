package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the main configuration for scribe.
type Config struct {
	OwnerID    string           `toml:"owner_id"`
	BaseDir    string           `toml:"base_dir" validate:"required"`
	LogDir     string           `toml:"log_dir"`
	Store      StoreConfig      `toml:"store"`
	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Sync       SyncConfig       `toml:"sync"`
	Server     ServerConfig     `toml:"server"`
}

// StoreConfig selects the remote document store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type string `toml:"type" validate:"required,oneof=memory filesystem dynamodb"`

	// Filesystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty" validate:"required_if=Type filesystem"`

	// DynamoDB-specific fields (only used when Type == "dynamodb")
	DynamoTable      string `toml:"dynamo_table,omitempty" validate:"required_if=Type dynamodb"`
	DynamoOwnerIndex string `toml:"dynamo_owner_index,omitempty"`
	DynamoRegion     string `toml:"dynamo_region,omitempty"`
	DynamoEndpoint   string `toml:"dynamo_endpoint,omitempty"`

	MaxDocumentBytes int `toml:"max_document_bytes,omitempty" validate:"gte=0"`
	PollIntervalMS   int `toml:"poll_interval_ms,omitempty" validate:"gte=0"`
}

// VaultConfig selects where oversized images are offloaded. An empty type
// disables offloading.
type VaultConfig struct {
	Type    string `toml:"type" validate:"omitempty,oneof=none memory filesystem s3"`
	Encrypt bool   `toml:"encrypt"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty" validate:"required_if=Type filesystem"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty" validate:"required_if=Type s3"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials; the default AWS credential chain is used when empty.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty" validate:"required_with=S3SecretAccessKey"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty" validate:"required_with=S3AccessKeyID"`
}

// Enabled reports whether a vault is configured.
func (v VaultConfig) Enabled() bool {
	return v.Type != "" && v.Type != "none"
}

// EncryptionConfig holds paths to the age key pair used to encrypt vault images.
type EncryptionConfig struct {
	Type           string `toml:"type" validate:"omitempty,oneof=age test"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// DatabaseConfig represents configuration for the local journal.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"required,oneof=sqlite memory"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"`
}

// SyncConfig holds the timing and throughput knobs of remote writes.
type SyncConfig struct {
	DebounceMS          int     `toml:"debounce_ms" validate:"gte=0"`
	TimeoutMS           int     `toml:"timeout_ms" validate:"gte=0"`
	MaxRetries          int     `toml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelayMS        int     `toml:"retry_delay_ms" validate:"gte=0"`
	WritesPerSecond     float64 `toml:"writes_per_second" validate:"gte=0"`
	MaxConcurrentWrites int     `toml:"max_concurrent_writes" validate:"gte=0"`
}

// Debounce returns the autosave quiet period.
func (s SyncConfig) Debounce() time.Duration { return time.Duration(s.DebounceMS) * time.Millisecond }

// Timeout returns the per-request timeout, or zero for none.
func (s SyncConfig) Timeout() time.Duration { return time.Duration(s.TimeoutMS) * time.Millisecond }

// RetryDelay returns the base delay between retries.
func (s SyncConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Listen         string   `toml:"listen" validate:"required,hostname_port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DefaultSync returns the sync settings used when none are configured.
func DefaultSync() SyncConfig {
	return SyncConfig{
		DebounceMS:          1500,
		TimeoutMS:           10000,
		MaxRetries:          3,
		RetryDelayMS:        200,
		MaxConcurrentWrites: 8,
	}
}

// Layout is where scribe keeps its local data below the base directory.
type Layout struct {
	JournalDir string // sqlite journal
	VaultDir   string // offloaded images
	StoreDir   string // filesystem document store
	KeysDir    string // age key pair
	LogDir     string
}

// Key file names inside Layout.KeysDir.
const (
	PublicKeyFile  = "scribe.pub"
	PrivateKeyFile = "scribe.key"
)

// DefaultLayout returns the standard layout under baseDir.
func DefaultLayout(baseDir string) Layout {
	return Layout{
		JournalDir: filepath.Join(baseDir, "db"),
		VaultDir:   filepath.Join(baseDir, "images"),
		StoreDir:   filepath.Join(baseDir, "store"),
		KeysDir:    filepath.Join(baseDir, "keys"),
		LogDir:     filepath.Join(baseDir, "log"),
	}
}

// NewConfig creates a new Config with the provided values and the default
// layout under baseDir.
func NewConfig(ownerID, baseDir string) *Config {
	layout := DefaultLayout(baseDir)
	return &Config{
		OwnerID: ownerID,
		BaseDir: baseDir,
		LogDir:  layout.LogDir,
		Store: StoreConfig{
			Type: "filesystem",
			Root: layout.StoreDir,
		},
		Vault: VaultConfig{
			Type:   "filesystem",
			FSRoot: layout.VaultDir,
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(layout.KeysDir, PublicKeyFile),
			PrivateKeyPath: filepath.Join(layout.KeysDir, PrivateKeyFile),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: layout.JournalDir,
		},
		Sync: DefaultSync(),
		Server: ServerConfig{
			Listen: "127.0.0.1:8787",
		},
	}
}

var validate = validator.New()

// Validate checks the configuration for missing or inconsistent values.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if cfg.Vault.Encrypt && !cfg.Vault.Enabled() {
		return fmt.Errorf("vault.encrypt requires a vault type")
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required", "required_if", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := Config{Sync: DefaultSync()}
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init validates cfg and writes it to a new config file at path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Set updates a single owner-level setting and rewrites the file.
func Set(path string, mutate func(*Config)) error {
	cfg, err := ReadFromFile(path)
	if err != nil {
		return err
	}
	mutate(cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	return writeToFile(path, cfg)
}
