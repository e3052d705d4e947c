package replica

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emis-edu/emis/libs/contracts"
)

type Store interface {
	Upsert(ctx context.Context, info ClassInfo) error
}

// Synchronizer applies class lifecycle events to the local replica. Created
// and updated events carry the same snapshot shape, so both map to the same
// upsert and replaying either is harmless.
type Synchronizer struct {
	store  Store
	logger *slog.Logger
}

func NewSynchronizer(logger *slog.Logger, store Store) *Synchronizer {
	return &Synchronizer{store: store, logger: logger}
}

func (s *Synchronizer) OnClassCreated(ctx context.Context, evt contracts.ClassCreated) error {
	return s.apply(ctx, "created", ClassInfo{
		ClassID:           evt.ClassID,
		ClassName:         evt.ClassName,
		Grade:             evt.Grade,
		AcademicYear:      evt.AcademicYear,
		TotalStudents:     evt.TotalStudents,
		SchoolID:          evt.SchoolID,
		HomeroomTeacherID: evt.HomeroomTeacherID,
		EventTimestamp:    evt.OccurredAt(),
	})
}

func (s *Synchronizer) OnClassUpdated(ctx context.Context, evt contracts.ClassUpdated) error {
	return s.apply(ctx, "updated", ClassInfo{
		ClassID:           evt.ClassID,
		ClassName:         evt.ClassName,
		Grade:             evt.Grade,
		AcademicYear:      evt.AcademicYear,
		TotalStudents:     evt.TotalStudents,
		SchoolID:          evt.SchoolID,
		HomeroomTeacherID: evt.HomeroomTeacherID,
		EventTimestamp:    evt.OccurredAt(),
	})
}

func (s *Synchronizer) apply(ctx context.Context, kind string, info ClassInfo) error {
	if info.ClassID == "" {
		// Nothing to key the row on; dropping beats poisoning the topic.
		s.logger.Warn("class event without class id", "kind", kind)
		return nil
	}
	if info.ClassName == "" {
		s.logger.Warn("class event without name", "kind", kind, "class_id", info.ClassID)
		return errors.New("class event missing class name")
	}
	if err := s.store.Upsert(ctx, info); err != nil {
		return err
	}
	s.logger.Info("class replica updated", "kind", kind, "class_id", info.ClassID)
	return nil
}
