// Package replica maintains a local, read-only copy of class records owned
// by the school administration system. The copy is fed purely by events and
// converges by last-writer-wins on the event timestamp.
package replica

import (
	"context"
	"time"

	"github.com/emis-edu/emis/libs/db"
)

type ClassInfo struct {
	ClassID           string
	ClassName         string
	Grade             string
	AcademicYear      string
	TotalStudents     int
	SchoolID          string
	HomeroomTeacherID string
	EventTimestamp    time.Time
}

type ClassesRepository struct {
	pool *db.Pool
}

func NewClassesRepository(pool *db.Pool) *ClassesRepository {
	return &ClassesRepository{pool: pool}
}

// Upsert writes a class snapshot. A row is only overwritten by a snapshot
// whose event timestamp is not older than the stored one, so replayed or
// reordered events cannot regress the replica.
func (r *ClassesRepository) Upsert(ctx context.Context, info ClassInfo) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO class_replicas
			(class_id, class_name, grade, academic_year, total_students, school_id,
			homeroom_teacher_id, event_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (class_id) DO UPDATE SET
			class_name = excluded.class_name,
			grade = excluded.grade,
			academic_year = excluded.academic_year,
			total_students = excluded.total_students,
			school_id = excluded.school_id,
			homeroom_teacher_id = excluded.homeroom_teacher_id,
			event_timestamp = excluded.event_timestamp,
			updated_at = now()
		WHERE class_replicas.event_timestamp <= excluded.event_timestamp
	`, info.ClassID, info.ClassName, info.Grade, info.AcademicYear, info.TotalStudents,
		info.SchoolID, info.HomeroomTeacherID, info.EventTimestamp)
	return err
}

func (r *ClassesRepository) Get(ctx context.Context, classID string) (ClassInfo, error) {
	var info ClassInfo
	err := r.pool.QueryRow(ctx, `
		SELECT class_id, class_name, COALESCE(grade, ''), COALESCE(academic_year, ''),
			total_students, COALESCE(school_id, ''), COALESCE(homeroom_teacher_id::text, ''),
			event_timestamp
		FROM class_replicas
		WHERE class_id = $1
	`, classID).Scan(
		&info.ClassID,
		&info.ClassName,
		&info.Grade,
		&info.AcademicYear,
		&info.TotalStudents,
		&info.SchoolID,
		&info.HomeroomTeacherID,
		&info.EventTimestamp,
	)
	if err != nil {
		return ClassInfo{}, err
	}
	return info, nil
}

func (r *ClassesRepository) List(ctx context.Context, schoolID string) ([]ClassInfo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT class_id, class_name, COALESCE(grade, ''), COALESCE(academic_year, ''),
			total_students, COALESCE(school_id, ''), COALESCE(homeroom_teacher_id::text, ''),
			event_timestamp
		FROM class_replicas
		WHERE $1 = '' OR school_id = $1
		ORDER BY class_name ASC
	`, schoolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classes []ClassInfo
	for rows.Next() {
		var info ClassInfo
		if err := rows.Scan(
			&info.ClassID,
			&info.ClassName,
			&info.Grade,
			&info.AcademicYear,
			&info.TotalStudents,
			&info.SchoolID,
			&info.HomeroomTeacherID,
			&info.EventTimestamp,
		); err != nil {
			return nil, err
		}
		classes = append(classes, info)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return classes, nil
}
