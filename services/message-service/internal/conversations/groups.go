// Package conversations maintains the conversation directory from class
// assignment events. When a student joins a class, a group conversation is
// created for the student's parents and the class teachers.
package conversations

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/services/message-service/internal/storage"
)

type Store interface {
	FindStudentGroup(ctx context.Context, studentID, classID string) (string, error)
	CreateWithMembers(ctx context.Context, conv storage.Conversation) (string, error)
}

// Creator subscribes to student assignment events and provisions the
// per-student group conversation.
type Creator struct {
	store  Store
	logger *slog.Logger
}

func NewCreator(logger *slog.Logger, store Store) *Creator {
	return &Creator{store: store, logger: logger}
}

// OnStudentAssigned creates the student's group conversation if it does not
// exist yet. Replays of the same event find the existing group and are
// acknowledged without writing.
func (c *Creator) OnStudentAssigned(ctx context.Context, evt contracts.StudentAssignedToClass) error {
	if evt.StudentID == "" || evt.ClassID == "" {
		c.logger.Warn("discarding student assignment with missing identifiers",
			"event_id", evt.EventID(), "student_id", evt.StudentID, "class_id", evt.ClassID)
		return nil
	}

	existing, err := c.store.FindStudentGroup(ctx, evt.StudentID, evt.ClassID)
	if err != nil {
		return fmt.Errorf("lookup student group: %w", err)
	}
	if existing != "" {
		c.logger.Debug("student group already exists",
			"conversation_id", existing, "student_id", evt.StudentID, "class_id", evt.ClassID)
		return nil
	}

	members := make([]storage.Member, 0, len(evt.ParentIDs)+len(evt.TeacherIDs))
	for _, id := range evt.ParentIDs {
		members = append(members, storage.Member{UserID: id, UserType: "parent", Role: "member"})
	}
	for _, id := range evt.TeacherIDs {
		members = append(members, storage.Member{UserID: id, UserType: "teacher", Role: "member"})
	}
	if len(members) == 0 {
		// Nobody to talk: the group is created lazily once a later
		// assignment event carries participants.
		c.logger.Warn("student assignment has no parents or teachers, skipping group",
			"student_id", evt.StudentID, "class_id", evt.ClassID)
		return nil
	}

	name := evt.StudentName
	if name == "" {
		name = evt.StudentID
	}
	if evt.ClassName != "" {
		name = name + " (" + evt.ClassName + ")"
	}

	id, err := c.store.CreateWithMembers(ctx, storage.Conversation{
		Type:      "group",
		Name:      name,
		ClassID:   evt.ClassID,
		StudentID: evt.StudentID,
		Members:   members,
	})
	if err != nil {
		return fmt.Errorf("create student group: %w", err)
	}
	c.logger.Info("student group conversation created",
		"conversation_id", id, "student_id", evt.StudentID, "class_id", evt.ClassID,
		"members", len(members))
	return nil
}
