package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/accessor"
	pkgcrypto "github.com/and161185/datawrangler/internal/crypto"
	"github.com/and161185/datawrangler/internal/errs"
	"github.com/and161185/datawrangler/internal/model"
	"github.com/and161185/datawrangler/internal/naming"
	"github.com/and161185/datawrangler/internal/status"
)

// MaxUsernameLength bounds user names.
const MaxUsernameLength = 64

// LoginResult is the outcome of Login. Callers decide what a mismatch means.
type LoginResult struct {
	User            *model.UserAccount
	PasswordMatches bool
}

func (s *Service) users() *accessor.Collection[model.UserAccount, *model.UserAccount] {
	return accessor.For[model.UserAccount](s.acc, naming.Users())
}

func checkUsername(username string) (string, error) {
	username = accessor.Sanitize(username)
	switch {
	case username == "":
		return "", fmt.Errorf("%w: empty username", errs.ErrValidation)
	case len(username) > MaxUsernameLength:
		return "", fmt.Errorf("%w: username longer than %d", errs.ErrValidation, MaxUsernameLength)
	}
	return username, nil
}

// AddUserAccount creates an active account. Usernames are unique.
// Result is the new id.
func (s *Service) AddUserAccount(ctx context.Context, username, password string) status.Status {
	username, err := checkUsername(username)
	if err != nil {
		return status.Fail(model.OpCreate, err)
	}
	if password == "" {
		return invalid(model.OpCreate, "empty password")
	}
	hash, err := pkgcrypto.HashPassword(password)
	if err != nil {
		return status.Fail(model.OpCreate, err)
	}
	u := &model.UserAccount{Username: username, Password: hash, Active: true, LastUpdated: now()}
	return s.users().Insert(ctx, u, "Username")
}

// GetUserAccountByID returns *model.UserAccount.
func (s *Service) GetUserAccountByID(ctx context.Context, id int) status.Status {
	return s.users().FindByID(ctx, id)
}

// GetUserAccountByUsername returns *model.UserAccount.
func (s *Service) GetUserAccountByUsername(ctx context.Context, username string) status.Status {
	return s.users().FindByField(ctx, "Username", username)
}

// GetUserAccounts returns a page of []*model.UserAccount.
func (s *Service) GetUserAccounts(ctx context.Context, skip, limit int) status.Status {
	return s.users().FindAll(ctx, skip, page(limit))
}

// GetUserAccountCount returns the number of accounts.
func (s *Service) GetUserAccountCount(ctx context.Context) status.Status {
	return s.users().Count(ctx)
}

// UpdateUserAccount replaces the stored account. The password hash is
// stored as given; use SetUserPassword to change it.
func (s *Service) UpdateUserAccount(ctx context.Context, u *model.UserAccount) status.Status {
	if u == nil {
		return invalid(model.OpUpdate, "nil user account")
	}
	name, err := checkUsername(u.Username)
	if err != nil {
		return status.Fail(model.OpUpdate, err)
	}
	u.Username = name
	u.LastUpdated = now()
	return s.users().Update(ctx, u)
}

// SetUserPassword hashes password with a new salt and stores it on account id.
func (s *Service) SetUserPassword(ctx context.Context, id int, password string) status.Status {
	if password == "" {
		return invalid(model.OpUpdate, "empty password")
	}
	st := s.users().FindByID(ctx, id)
	if !st.Success {
		return status.Fail(model.OpUpdate, st.Err())
	}
	u, _ := status.Value[*model.UserAccount](st)
	hash, err := pkgcrypto.HashPassword(password)
	if err != nil {
		return status.Fail(model.OpUpdate, err)
	}
	u.Password = hash
	u.LastUpdated = now()
	return s.users().Update(ctx, u)
}

// Login looks up username and reports whether password matches its hash.
// It succeeds whenever the account exists, even on a mismatch; Authenticate
// is the variant that gates on the password.
func (s *Service) Login(ctx context.Context, username, password string) status.Status {
	st := s.users().FindByField(ctx, "Username", username)
	if !st.Success {
		return status.Fail(model.OpRead, st.Err())
	}
	u, _ := status.Value[*model.UserAccount](st)
	return status.OK(model.OpRead, LoginResult{User: u, PasswordMatches: pkgcrypto.VerifyPassword(u.Password, password)})
}

// Authenticate applies the login limiter, verifies the password and makes
// the account the actor of later audit entries. Result is *model.UserAccount.
// The limiter is keyed by the normalized name so spelling variants that
// resolve to the same account share one failure counter.
func (s *Service) Authenticate(ctx context.Context, username, password string) status.Status {
	username, err := checkUsername(username)
	if err != nil {
		return status.Fail(model.OpRead, errs.ErrUnauthorized)
	}
	allowed, retry, err := s.lim.Allow(ctx, username)
	if err != nil {
		return status.Fail(model.OpRead, err)
	}
	if !allowed {
		return status.Fail(model.OpRead, fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second)))
	}

	st := s.users().FindByField(ctx, "Username", username)
	var u *model.UserAccount
	if st.Success {
		u, _ = status.Value[*model.UserAccount](st)
	} else if !errors.Is(st.Err(), errs.ErrNotFound) {
		return status.Fail(model.OpRead, st.Err())
	}

	if u == nil || !u.Active || !pkgcrypto.VerifyPassword(u.Password, password) {
		// Record failure; if threshold reached, report rate limiting.
		if blocked, _, ferr := s.lim.Failure(ctx, username); ferr == nil && blocked {
			return status.Fail(model.OpRead, errs.ErrRateLimited)
		}
		// unknown user, inactive account and wrong password look the same
		return status.Fail(model.OpRead, errs.ErrUnauthorized)
	}

	if err := s.lim.Success(ctx, username); err != nil {
		s.log.Warn("limiter reset failed", zap.String("user", username), zap.Error(err))
	}
	s.acc.SetUser(u)
	s.log.Info("user authenticated", zap.String("user", u.Username), zap.Int("id", u.ID))
	return status.OK(model.OpRead, u)
}
