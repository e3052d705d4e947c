package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/emis-edu/emis/services/teacher-service/internal/replica"
	"github.com/emis-edu/emis/services/teacher-service/internal/storage"
)

type TeacherStore interface {
	Insert(ctx context.Context, t storage.Teacher) (string, error)
	List(ctx context.Context, schoolID string, limit int) ([]storage.Teacher, error)
}

type ClassReader interface {
	List(ctx context.Context, schoolID string) ([]replica.ClassInfo, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, evt eventbus.Event) error
}

type TeacherHandler struct {
	teachers  TeacherStore
	classes   ClassReader
	publisher EventPublisher
	logger    *slog.Logger
}

func NewTeacherHandler(teachers TeacherStore, classes ClassReader, publisher EventPublisher, logger *slog.Logger) *TeacherHandler {
	return &TeacherHandler{
		teachers:  teachers,
		classes:   classes,
		publisher: publisher,
		logger:    logger,
	}
}

func (h *TeacherHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/teachers", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.Create(w, r)
		case http.MethodGet:
			h.List(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/classes", h.ListClasses)
}

type createTeacherRequest struct {
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	Subject     string `json:"subject"`
	SchoolID    string `json:"school_id"`
}

type createTeacherResponse struct {
	TeacherID string `json:"teacher_id"`
}

type teacherItem struct {
	TeacherID string `json:"teacher_id"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	Subject   string `json:"subject,omitempty"`
	SchoolID  string `json:"school_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type classItem struct {
	ClassID           string `json:"class_id"`
	ClassName         string `json:"class_name"`
	Grade             string `json:"grade,omitempty"`
	AcademicYear      string `json:"academic_year,omitempty"`
	TotalStudents     int    `json:"total_students"`
	HomeroomTeacherID string `json:"homeroom_teacher_id,omitempty"`
}

// Create registers a teacher and announces it on the bus. The generated
// one-time password travels only inside the event; auth hashes it and no
// copy is kept here.
func (h *TeacherHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTeacherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.FullName == "" || req.Email == "" {
		http.Error(w, "full_name and email are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	teacherID, err := h.teachers.Insert(ctx, storage.Teacher{
		FullName:    req.FullName,
		Email:       req.Email,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Subject:     strings.TrimSpace(req.Subject),
		SchoolID:    strings.TrimSpace(req.SchoolID),
	})
	if storage.IsDuplicate(err) {
		http.Error(w, "a teacher with this email already exists", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("teacher insert failed", "email", req.Email, "err", err)
		http.Error(w, "teacher create failed", http.StatusInternalServerError)
		return
	}

	evt := contracts.TeacherCreated{
		Envelope:        eventbus.NewEnvelope(),
		TeacherID:       teacherID,
		FullName:        req.FullName,
		Email:           req.Email,
		PhoneNumber:     strings.TrimSpace(req.PhoneNumber),
		Subject:         strings.TrimSpace(req.Subject),
		DefaultPassword: newDefaultPassword(),
		SchoolID:        strings.TrimSpace(req.SchoolID),
	}
	if err := h.publisher.Publish(ctx, evt); err != nil {
		// The row exists; downstream provisioning catches up when the
		// event is re-published by an operator.
		h.logger.Error("teacher.created publish failed", "teacher_id", teacherID, "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createTeacherResponse{TeacherID: teacherID})
}

func (h *TeacherHandler) List(w http.ResponseWriter, r *http.Request) {
	teachers, err := h.teachers.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("school_id")), 0)
	if err != nil {
		h.logger.Error("teacher list failed", "err", err)
		http.Error(w, "teacher list failed", http.StatusInternalServerError)
		return
	}
	items := make([]teacherItem, 0, len(teachers))
	for _, t := range teachers {
		items = append(items, teacherItem{
			TeacherID: t.ID,
			FullName:  t.FullName,
			Email:     t.Email,
			Subject:   t.Subject,
			SchoolID:  t.SchoolID,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"teachers": items})
}

// ListClasses serves the event-fed class replica.
func (h *TeacherHandler) ListClasses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	classes, err := h.classes.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("school_id")))
	if err != nil {
		h.logger.Error("class list failed", "err", err)
		http.Error(w, "class list failed", http.StatusInternalServerError)
		return
	}
	items := make([]classItem, 0, len(classes))
	for _, c := range classes {
		items = append(items, classItem{
			ClassID:           c.ClassID,
			ClassName:         c.ClassName,
			Grade:             c.Grade,
			AcademicYear:      c.AcademicYear,
			TotalStudents:     c.TotalStudents,
			HomeroomTeacherID: c.HomeroomTeacherID,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"classes": items})
}

func newDefaultPassword() string {
	var b [9]byte
	_, _ = rand.Read(b[:])
	return "Tmp-" + hex.EncodeToString(b[:])
}
