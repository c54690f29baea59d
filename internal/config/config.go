// Package config holds the database connection settings and user preferences
// and persists them in a JSONC file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/and161185/datawrangler/internal/store"
)

// Settings keys understood by FromMap.
const (
	KeyDBFilePath = "dbFilePath"
	KeyDBPass     = "dbPass"
)

// Environment overrides applied by FromEnv.
const (
	EnvDBPath = "WRANGLER_DB_PATH"
	EnvDBPass = "WRANGLER_DB_PASS"
)

// FileName is the name of the settings file inside the config directory.
const FileName = "config.json"

var (
	// ErrNoDBSettings is returned when no database file has been configured.
	ErrNoDBSettings = errors.New("config: database file path is not set")
	// ErrConfigInvalid is returned for a settings file that cannot be parsed.
	ErrConfigInvalid = errors.New("config: invalid settings file")
)

// DBSettings locate the database file and its optional password.
type DBSettings struct {
	FilePath string `json:"dbFilePath"`
	Password string `json:"dbPass,omitempty"`
}

// ConnectionString renders the settings as
// Filename=<path>;Password='<pass>';Connection=shared. The password clause is
// omitted when no password is set.
func (s DBSettings) ConnectionString() string {
	var b strings.Builder
	b.WriteString("Filename=")
	b.WriteString(quoteIfNeeded(s.FilePath, false))
	if s.Password != "" {
		b.WriteString(";Password=")
		b.WriteString(quoteIfNeeded(s.Password, true))
	}
	b.WriteString(";Connection=shared")
	return b.String()
}

func quoteIfNeeded(v string, always bool) string {
	if !always && !strings.ContainsAny(v, `;'"`) && v == strings.TrimSpace(v) {
		return v
	}
	return store.QuoteValue(v)
}

// FromMap reads settings from key-value pairs using dbFilePath and dbPass.
func FromMap(m map[string]string) (DBSettings, error) {
	s := DBSettings{FilePath: strings.TrimSpace(m[KeyDBFilePath]), Password: m[KeyDBPass]}
	if s.FilePath == "" {
		return DBSettings{}, ErrNoDBSettings
	}
	return s, nil
}

// Map is the inverse of FromMap.
func (s DBSettings) Map() map[string]string {
	m := map[string]string{KeyDBFilePath: s.FilePath}
	if s.Password != "" {
		m[KeyDBPass] = s.Password
	}
	return m
}

// FromEnv overrides s with WRANGLER_DB_PATH and WRANGLER_DB_PASS when set.
func FromEnv(s DBSettings) DBSettings {
	if v, ok := os.LookupEnv(EnvDBPath); ok && v != "" {
		s.FilePath = v
	}
	if v, ok := os.LookupEnv(EnvDBPass); ok {
		s.Password = v
	}
	return s
}

// LoadEnv loads the given .env files into the process environment, skipping
// files that do not exist. Variables already set are not overwritten.
func LoadEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

// Preferences are the login and appearance settings kept next to the
// connection settings.
type Preferences struct {
	LastUsername string `json:"lastUsername,omitempty"`
	Theme        string `json:"theme,omitempty"`
	Style        string `json:"style,omitempty"`
}

// Settings is the content of the settings file.
type Settings struct {
	DB          DBSettings  `json:"db"`
	Preferences Preferences `json:"preferences"`
}

// Store supplies and persists connection settings.
type Store interface {
	GetDbSettings() (DBSettings, error)
	SaveDbSettings(DBSettings) error
}

// FileStore keeps Settings in a JSONC file. Comments are accepted on read
// and not preserved on write.
type FileStore struct {
	path string
}

// NewFileStore returns a store for path.
func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

// DefaultPath is config.json under the user config directory
// ($XDG_CONFIG_HOME/datawrangler on Linux).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "datawrangler", FileName), nil
}

// Path is the settings file location.
func (f *FileStore) Path() string { return f.path }

// Load reads the settings file. A missing file yields zero settings.
func (f *FileStore) Load() (Settings, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read %s: %w", f.path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Settings{}, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, f.path, err)
	}
	var s Settings
	if err := json.Unmarshal(standardized, &s); err != nil {
		return Settings{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, f.path, err)
	}
	return s, nil
}

// Save replaces the settings file atomically.
func (f *FileStore) Save(s Settings) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(f.path, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	// atomic.WriteFile keeps the temp file's mode on new files
	if err := os.Chmod(f.path, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", f.path, err)
	}
	return nil
}

// GetDbSettings returns the stored connection settings.
func (f *FileStore) GetDbSettings() (DBSettings, error) {
	s, err := f.Load()
	if err != nil {
		return DBSettings{}, err
	}
	if s.DB.FilePath == "" {
		return DBSettings{}, ErrNoDBSettings
	}
	return s.DB, nil
}

// SaveDbSettings stores db, keeping the preferences.
func (f *FileStore) SaveDbSettings(db DBSettings) error {
	s, err := f.Load()
	if err != nil {
		return err
	}
	s.DB = db
	return f.Save(s)
}

// GetPreferences returns the stored preferences.
func (f *FileStore) GetPreferences() (Preferences, error) {
	s, err := f.Load()
	return s.Preferences, err
}

// SavePreferences stores p, keeping the connection settings.
func (f *FileStore) SavePreferences(p Preferences) error {
	s, err := f.Load()
	if err != nil {
		return err
	}
	s.Preferences = p
	return f.Save(s)
}
