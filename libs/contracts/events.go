// Package contracts defines the domain events exchanged between services.
// Topic names double as event type discriminators and must never be renamed
// without a migration plan.
package contracts

import (
	"time"

	"github.com/emis-edu/emis/libs/eventbus"
)

const (
	TopicTeacherCreated         = "emis.teacher.created"
	TopicStudentCreated         = "emis.student.created"
	TopicParentCreated          = "emis.parent.created"
	TopicClassCreated           = "emis.class.created"
	TopicClassUpdated           = "emis.class.updated"
	TopicTeacherAssignedToClass = "emis.class.teacher-assigned"
	TopicStudentAssignedToClass = "emis.class.student-assigned"
	TopicSendMessageRequested   = "emis.message.send-requested"
	TopicMessageSent            = "emis.message.sent"
)

// TeacherCreated is published by the teacher directory when a teacher is
// added. Auth provisions a login from it.
type TeacherCreated struct {
	eventbus.Envelope
	TeacherID       string `json:"teacherId"`
	FullName        string `json:"fullName"`
	Email           string `json:"email"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	Subject         string `json:"subject,omitempty"`
	DefaultPassword string `json:"defaultPassword"`
	SchoolID        string `json:"schoolId,omitempty"`
}

func (TeacherCreated) EventType() string { return TopicTeacherCreated }

type StudentCreated struct {
	eventbus.Envelope
	StudentID       string `json:"studentId"`
	FullName        string `json:"fullName"`
	Email           string `json:"email,omitempty"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	Grade           string `json:"grade,omitempty"`
	ClassName       string `json:"className,omitempty"`
	DefaultPassword string `json:"defaultPassword"`
	SchoolID        string `json:"schoolId,omitempty"`
}

func (StudentCreated) EventType() string { return TopicStudentCreated }

type ParentCreated struct {
	eventbus.Envelope
	ParentID        string   `json:"parentId"`
	FullName        string   `json:"fullName"`
	Email           string   `json:"email"`
	PhoneNumber     string   `json:"phoneNumber,omitempty"`
	DefaultPassword string   `json:"defaultPassword"`
	StudentIDs      []string `json:"studentIds,omitempty"`
}

func (ParentCreated) EventType() string { return TopicParentCreated }

// ClassCreated and ClassUpdated keep other services' local class replicas in
// sync. Both carry the full denormalized field set so an update arriving
// before its create still converges.
type ClassCreated struct {
	eventbus.Envelope
	ClassID           string `json:"classId"`
	ClassName         string `json:"className"`
	Grade             string `json:"grade,omitempty"`
	AcademicYear      string `json:"academicYear,omitempty"`
	TotalStudents     int    `json:"totalStudents,omitempty"`
	SchoolID          string `json:"schoolId,omitempty"`
	HomeroomTeacherID string `json:"homeroomTeacherId,omitempty"`
}

func (ClassCreated) EventType() string { return TopicClassCreated }

type ClassUpdated struct {
	eventbus.Envelope
	ClassID           string `json:"classId"`
	ClassName         string `json:"className"`
	Grade             string `json:"grade,omitempty"`
	AcademicYear      string `json:"academicYear,omitempty"`
	TotalStudents     int    `json:"totalStudents,omitempty"`
	SchoolID          string `json:"schoolId,omitempty"`
	HomeroomTeacherID string `json:"homeroomTeacherId,omitempty"`
}

func (ClassUpdated) EventType() string { return TopicClassUpdated }

type TeacherAssignedToClass struct {
	eventbus.Envelope
	TeacherID     string `json:"teacherId"`
	ClassID       string `json:"classId"`
	TeacherName   string `json:"teacherName"`
	ClassName     string `json:"className"`
	IsHeadTeacher bool   `json:"isHeadTeacher"`
}

func (TeacherAssignedToClass) EventType() string { return TopicTeacherAssignedToClass }

type StudentAssignedToClass struct {
	eventbus.Envelope
	StudentID   string   `json:"studentId"`
	ClassID     string   `json:"classId"`
	StudentName string   `json:"studentName"`
	ClassName   string   `json:"className"`
	ParentIDs   []string `json:"parentIds,omitempty"`
	TeacherIDs  []string `json:"teacherIds,omitempty"`
}

func (StudentAssignedToClass) EventType() string { return TopicStudentAssignedToClass }

// Attachment describes a file referenced by a message before it is stored.
type Attachment struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// SendMessageRequested is published when the write API accepts a send
// request, before any durable storage is touched. The temporary id tracks
// the message until the flush assigns a storage id.
type SendMessageRequested struct {
	eventbus.Envelope
	TemporaryMessageID string       `json:"temporaryMessageId"`
	ConversationID     string       `json:"conversationId"`
	SenderID           string       `json:"senderId"`
	SenderType         string       `json:"senderType"` // teacher | student | parent
	Content            string       `json:"content"`
	Attachments        []Attachment `json:"attachments,omitempty"`
	ReplyToMessageID   string       `json:"replyToMessageId,omitempty"`
	RequestedAt        time.Time    `json:"requestedAt"`
	CorrelationID      string       `json:"correlationId,omitempty"`
}

func (SendMessageRequested) EventType() string { return TopicSendMessageRequested }

// MessagePayload is the denormalized message document broadcast to clients.
type MessagePayload struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversationId"`
	SenderID         string       `json:"senderId"`
	SenderName       string       `json:"senderName"`
	SenderType       string       `json:"senderType"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty"`
	ReplyToContent   string       `json:"replyToContent,omitempty"`
	SentAt           time.Time    `json:"sentAt"`
}

// MessageSent is emitted by the batch flush once a message is durable. The
// id it carries is the storage-assigned one, superseding the temporary id.
type MessageSent struct {
	eventbus.Envelope
	MessageID        string         `json:"messageId"`
	ConversationID   string         `json:"conversationId"`
	SenderID         string         `json:"senderId"`
	SenderName       string         `json:"senderName"`
	Content          string         `json:"content"`
	HasAttachment    bool           `json:"hasAttachment"`
	AttachmentCount  int            `json:"attachmentCount"`
	ReplyToMessageID string         `json:"replyToMessageId,omitempty"`
	SentAt           time.Time      `json:"sentAt"`
	Message          MessagePayload `json:"message"`
}

func (MessageSent) EventType() string { return TopicMessageSent }
