package accounts

import (
	"context"
	"log/slog"
	"testing"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memStore struct {
	byUsername map[string]Account
}

func newMemStore() *memStore {
	return &memStore{byUsername: map[string]Account{}}
}

func (s *memStore) Insert(_ context.Context, a Account) (bool, error) {
	if _, ok := s.byUsername[a.Username]; ok {
		return false, nil
	}
	s.byUsername[a.Username] = a
	return true, nil
}

func teacherCreated() contracts.TeacherCreated {
	return contracts.TeacherCreated{
		Envelope:        eventbus.NewEnvelope(),
		TeacherID:       "teacher-1",
		FullName:        "Ms. Rahman",
		Email:           "rahman@school.example",
		PhoneNumber:     "+8801700000000",
		DefaultPassword: "Tmp-secret",
	}
}

func TestProvisioner_CreatesAccountWithHashedPassword(t *testing.T) {
	store := newMemStore()
	p := NewProvisioner(slog.Default(), store)

	require.NoError(t, p.OnTeacherCreated(context.Background(), teacherCreated()))

	account, ok := store.byUsername["rahman@school.example"]
	require.True(t, ok)
	require.Equal(t, "teacher", account.UserType)
	require.Equal(t, "teacher-1", account.UserID)
	require.NoError(t, bcrypt.CompareHashAndPassword(account.PasswordHash, []byte("Tmp-secret")))
}

func TestProvisioner_ReplayCreatesOneAccount(t *testing.T) {
	store := newMemStore()
	p := NewProvisioner(slog.Default(), store)
	evt := teacherCreated()

	require.NoError(t, p.OnTeacherCreated(context.Background(), evt))
	require.NoError(t, p.OnTeacherCreated(context.Background(), evt))

	require.Len(t, store.byUsername, 1)
}

func TestProvisioner_FallsBackToPhoneNumber(t *testing.T) {
	store := newMemStore()
	p := NewProvisioner(slog.Default(), store)

	evt := contracts.StudentCreated{
		Envelope:        eventbus.NewEnvelope(),
		StudentID:       "student-1",
		FullName:        "Arif",
		PhoneNumber:     "+8801800000000",
		DefaultPassword: "Tmp-secret",
	}
	require.NoError(t, p.OnStudentCreated(context.Background(), evt))

	_, ok := store.byUsername["+8801800000000"]
	require.True(t, ok)
}

func TestProvisioner_SkipsEventWithoutAnyHandle(t *testing.T) {
	store := newMemStore()
	p := NewProvisioner(slog.Default(), store)

	evt := contracts.ParentCreated{
		Envelope:        eventbus.NewEnvelope(),
		ParentID:        "parent-1",
		FullName:        "Mr. Karim",
		DefaultPassword: "Tmp-secret",
	}
	require.NoError(t, p.OnParentCreated(context.Background(), evt))
	require.Empty(t, store.byUsername)
}

func TestProvisioner_SkipsEventWithoutPassword(t *testing.T) {
	store := newMemStore()
	p := NewProvisioner(slog.Default(), store)

	evt := teacherCreated()
	evt.DefaultPassword = ""
	require.NoError(t, p.OnTeacherCreated(context.Background(), evt))
	require.Empty(t, store.byUsername)
}
