package storage

import (
	"context"
	"errors"
	"time"

	"github.com/emis-edu/emis/libs/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Teacher struct {
	ID          string
	FullName    string
	Email       string
	PhoneNumber string
	Subject     string
	SchoolID    string
	CreatedAt   time.Time
}

type TeachersRepository struct {
	pool *db.Pool
}

func NewTeachersRepository(pool *db.Pool) *TeachersRepository {
	return &TeachersRepository{pool: pool}
}

func (r *TeachersRepository) Insert(ctx context.Context, t Teacher) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO teachers (id, full_name, email, phone_number, subject, school_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))
		RETURNING id
	`, t.ID, t.FullName, t.Email, t.PhoneNumber, t.Subject, t.SchoolID).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *TeachersRepository) Get(ctx context.Context, teacherID string) (Teacher, error) {
	var t Teacher
	err := r.pool.QueryRow(ctx, `
		SELECT id, full_name, email, COALESCE(phone_number, ''), COALESCE(subject, ''),
			COALESCE(school_id, ''), created_at
		FROM teachers
		WHERE id = $1
	`, teacherID).Scan(&t.ID, &t.FullName, &t.Email, &t.PhoneNumber, &t.Subject, &t.SchoolID, &t.CreatedAt)
	if err != nil {
		return Teacher{}, err
	}
	return t, nil
}

func (r *TeachersRepository) List(ctx context.Context, schoolID string, limit int) ([]Teacher, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, full_name, email, COALESCE(phone_number, ''), COALESCE(subject, ''),
			COALESCE(school_id, ''), created_at
		FROM teachers
		WHERE $1 = '' OR school_id = $1
		ORDER BY full_name ASC
		LIMIT $2
	`, schoolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teachers []Teacher
	for rows.Next() {
		var t Teacher
		if err := rows.Scan(&t.ID, &t.FullName, &t.Email, &t.PhoneNumber, &t.Subject, &t.SchoolID, &t.CreatedAt); err != nil {
			return nil, err
		}
		teachers = append(teachers, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return teachers, nil
}

// RecordClassAssignment notes that a teacher teaches a class. Assignment
// events are replayable, so the insert is a no-op on repeat.
func (r *TeachersRepository) RecordClassAssignment(ctx context.Context, teacherID, classID string, isHeadTeacher bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO teacher_class_assignments (teacher_id, class_id, is_head_teacher)
		VALUES ($1, $2, $3)
		ON CONFLICT (teacher_id, class_id)
			DO UPDATE SET is_head_teacher = excluded.is_head_teacher
	`, teacherID, classID, isHeadTeacher)
	return err
}

func IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
