package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/accessor"
	"github.com/and161185/datawrangler/internal/config"
	pkgcrypto "github.com/and161185/datawrangler/internal/crypto"
	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
)

// Bootstrap account created by InitializeSystem. The password is a known
// default and must be rotated after the first login.
const (
	DefaultAdminUsername = "sysadmin"
	DefaultAdminPassword = "P@ssw0rd"
)

// PassphraseLength is the length of generated database passwords.
const PassphraseLength = 12

// InitOptions control InitializeSystem.
type InitOptions struct {
	FilePath string
	// Overwrite replaces an existing database file.
	Overwrite bool
	// Encrypt protects the file with Password, or with a generated
	// passphrase when Password is empty.
	Encrypt  bool
	Password string
}

// InitResult is the result of InitializeSystem.
type InitResult struct {
	Settings config.DBSettings
	// Passphrase is set when one was generated.
	Passphrase string
	AdminID    int
}

// InitializeSystem creates a new database file with the default sysadmin
// account and saves its settings to cfg (when not nil). Result is InitResult.
func InitializeSystem(ctx context.Context, cfg config.Store, opts InitOptions, log *zap.Logger) status.Status {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.FilePath == "" {
		return invalid(model.OpSystem, "database file path is empty")
	}
	if _, err := os.Stat(opts.FilePath); err == nil {
		if !opts.Overwrite {
			return status.Fail(model.OpSystem, fmt.Errorf("%w: %s", errs.ErrAlreadyExists, opts.FilePath))
		}
		for _, p := range []string{opts.FilePath, opts.FilePath + "-wal", opts.FilePath + "-shm"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return status.Fail(model.OpSystem, fmt.Errorf("remove %s: %w", p, err))
			}
		}
	}

	res := InitResult{Settings: config.DBSettings{FilePath: opts.FilePath, Password: opts.Password}}
	if opts.Encrypt && opts.Password == "" {
		pass, err := pkgcrypto.GeneratePassphrase(PassphraseLength)
		if err != nil {
			return status.Fail(model.OpSystem, err)
		}
		res.Passphrase = pass
		res.Settings.Password = pass
	}
	if !opts.Encrypt {
		res.Settings.Password = ""
	}

	acc, err := accessor.Open(ctx, res.Settings.ConnectionString(), accessor.Options{SkipAudit: true}, log)
	if err != nil {
		return status.Fail(model.OpSystem, fmt.Errorf("%w: create %s: %w", errs.ErrStore, opts.FilePath, err))
	}
	defer acc.Close()

	hash, err := pkgcrypto.HashPassword(DefaultAdminPassword)
	if err != nil {
		return status.Fail(model.OpSystem, err)
	}
	admin := &model.UserAccount{Username: DefaultAdminUsername, Password: hash, Active: true, LastUpdated: now()}
	st := accessor.For[model.UserAccount](acc, naming.Users()).Insert(ctx, admin, "Username")
	if !st.Success {
		return status.Fail(model.OpSystem, st.Err())
	}
	res.AdminID = admin.ID

	if cfg != nil {
		if err := cfg.SaveDbSettings(res.Settings); err != nil {
			return status.Fail(model.OpSystem, fmt.Errorf("save settings: %w", err))
		}
	}
	log.Warn("database initialized with default credentials",
		zap.String("file", opts.FilePath),
		zap.String("user", DefaultAdminUsername),
		zap.Bool("protected", res.Settings.Password != ""),
	)
	return status.OK(model.OpSystem, res)
}

// RebuildDb compacts the database file. A nil newPassword keeps the current
// protection, an empty one removes it. When the password changes and cfg is
// not nil the new settings are saved. Result is the file size in bytes.
func (s *Service) RebuildDb(ctx context.Context, cfg config.Store, newPassword *string) (st status.Status) {
	defer s.acc.Recover(&st, model.OpSystem, naming.Of("Database"))

	size, err := s.acc.DB().Rebuild(ctx, newPassword)
	if err != nil {
		return status.Fail(model.OpSystem, fmt.Errorf("%w: rebuild: %w", errs.ErrStore, err))
	}
	note := fmt.Sprintf("Rebuild, %d bytes", size)
	if newPassword != nil {
		note += ", password changed"
	}
	if err := s.acc.RecordAudit(ctx, 0, naming.Of("Database"), model.OpSystem, note); err != nil {
		return status.Fail(model.OpSystem, err)
	}
	if newPassword != nil && cfg != nil {
		settings := config.DBSettings{FilePath: s.acc.DB().Path(), Password: *newPassword}
		if err := cfg.SaveDbSettings(settings); err != nil {
			return status.Fail(model.OpSystem, fmt.Errorf("save settings: %w", err))
		}
	}
	return status.OK(model.OpSystem, size)
}
