package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/swiftcare/booking-engine/internal/directory"
)

func newMockDirectory(t *testing.T) (*Directory, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return newDirectoryWithDB(mock), mock
}

func TestDirectoryGetUser(t *testing.T) {
	dir, mock := newMockDirectory(t)
	id := uuid.NewString()

	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "first_name", "last_name", "role", "specializations", "is_available"}).
			AddRow(id, "ann@example.com", "Ann", "Lee", "consultant", []string{"Wellness"}, true))

	u, err := dir.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Role != directory.RoleConsultant || u.FullName() != "Ann Lee" || !u.Available {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDirectoryGetUserUnknown(t *testing.T) {
	dir, mock := newMockDirectory(t)
	id := uuid.NewString()
	mock.ExpectQuery("SELECT (.+) FROM users").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	if _, err := dir.GetUser(context.Background(), id); !errors.Is(err, directory.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := dir.GetUser(context.Background(), "u1"); !errors.Is(err, directory.ErrUserNotFound) {
		t.Fatalf("malformed id should be unknown, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDirectoryFindConsultantsNormalizesTags(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs([]string{"general-wellbeing", "bereavement"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "role", "specializations", "is_available"}).
			AddRow("c1", "consultant", []string{"General Wellbeing"}, true))

	got, err := dir.FindConsultantsBySpecialization(context.Background(), []string{"General Wellbeing", " Bereavement "})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].Specializations[0] != "general-wellbeing" {
		t.Fatalf("unexpected consultants: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDirectoryFindConsultantsQueryError(t *testing.T) {
	dir, mock := newMockDirectory(t)
	mock.ExpectQuery("SELECT (.+) FROM users").WillReturnError(errors.New("connection refused"))

	if _, err := dir.FindConsultantsBySpecialization(context.Background(), nil); err == nil {
		t.Fatal("expected an error")
	}
}
