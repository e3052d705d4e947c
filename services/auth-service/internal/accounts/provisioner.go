// Package accounts provisions login accounts from directory events. Every
// teacher, student and parent created anywhere in the system gets exactly
// one account here, regardless of how often the event is redelivered.
package accounts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emis-edu/emis/libs/contracts"
	"golang.org/x/crypto/bcrypt"
)

type Store interface {
	Insert(ctx context.Context, a Account) (bool, error)
}

type Provisioner struct {
	store  Store
	logger *slog.Logger
}

func NewProvisioner(logger *slog.Logger, store Store) *Provisioner {
	return &Provisioner{store: store, logger: logger}
}

func (p *Provisioner) OnTeacherCreated(ctx context.Context, evt contracts.TeacherCreated) error {
	return p.provision(ctx, "teacher", evt.TeacherID, evt.FullName, evt.Email, evt.PhoneNumber, evt.DefaultPassword)
}

func (p *Provisioner) OnStudentCreated(ctx context.Context, evt contracts.StudentCreated) error {
	return p.provision(ctx, "student", evt.StudentID, evt.FullName, evt.Email, evt.PhoneNumber, evt.DefaultPassword)
}

func (p *Provisioner) OnParentCreated(ctx context.Context, evt contracts.ParentCreated) error {
	return p.provision(ctx, "parent", evt.ParentID, evt.FullName, evt.Email, evt.PhoneNumber, evt.DefaultPassword)
}

func (p *Provisioner) provision(ctx context.Context, userType, userID, fullName, email, phone, password string) error {
	username := email
	if username == "" {
		username = phone
	}
	if username == "" || userID == "" {
		// No handle to log in with; retrying cannot fix the event.
		p.logger.Warn("skipping account with no usable username", "user_type", userType, "user_id", userID)
		return nil
	}
	if password == "" {
		p.logger.Warn("skipping account without initial password", "user_type", userType, "user_id", userID)
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	inserted, err := p.store.Insert(ctx, Account{
		Username:     username,
		PasswordHash: hash,
		UserID:       userID,
		UserType:     userType,
		FullName:     fullName,
	})
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if !inserted {
		p.logger.Info("account already provisioned", "user_type", userType, "username", username)
		return nil
	}
	p.logger.Info("account provisioned", "user_type", userType, "username", username)
	return nil
}
