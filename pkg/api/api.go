// SPDX-License-Identifier: Apache-2.0

// Package api exposes the field migration core's operator contracts as
// plain net/http handlers over a Controller. Routing middleware, JWT
// authentication, rate limiting, and CORS belong to outer collaborators;
// the only trace of them here is the role header the auth layer is assumed
// to have populated.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/qcollector/fieldmigration/pkg/backup"
	"github.com/qcollector/fieldmigration/pkg/catalog"
	"github.com/qcollector/fieldmigration/pkg/controller"
	"github.com/qcollector/fieldmigration/pkg/executor"
	"github.com/qcollector/fieldmigration/pkg/form"
	"github.com/qcollector/fieldmigration/pkg/journal"
	"github.com/qcollector/fieldmigration/pkg/migrationlog"
)

// Role is the pre-authenticated caller role, read from the RoleHeader the
// external auth collaborator populates.
type Role string

const (
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// RoleHeader carries the caller's role, and ActorHeader the caller's
// identity, both set by the auth layer in front of this API.
const (
	RoleHeader  = "X-QCollector-Role"
	ActorHeader = "X-QCollector-User"
)

func (r Role) atLeast(required Role) bool {
	rank := map[Role]int{RoleModerator: 1, RoleAdmin: 2, RoleSuperAdmin: 3}
	return rank[r] >= rank[required]
}

// Server serves the operator API.
type Server struct {
	controller *controller.Controller
	logger     migrationlog.Logger
}

func NewServer(c *controller.Controller, logger migrationlog.Logger) *Server {
	return &Server{controller: c, logger: logger}
}

// Routes returns the API's route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /migrations/preview", s.require(RoleAdmin, s.handlePreview))
	mux.HandleFunc("POST /migrations/execute", s.require(RoleAdmin, s.handleExecute))
	mux.HandleFunc("GET /migrations/history/{formId}", s.require(RoleAdmin, s.handleHistory))
	mux.HandleFunc("POST /migrations/rollback/{migrationId}", s.require(RoleSuperAdmin, s.handleRollback))
	mux.HandleFunc("GET /migrations/backups/{formId}", s.require(RoleAdmin, s.handleBackups))
	mux.HandleFunc("POST /migrations/restore/{backupId}", s.require(RoleSuperAdmin, s.handleRestore))
	mux.HandleFunc("GET /migrations/queue/status", s.require(RoleAdmin, s.handleQueueStatus))
	mux.HandleFunc("DELETE /migrations/cleanup", s.require(RoleSuperAdmin, s.handleCleanup))
	return mux
}

func (s *Server) require(role Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := Role(r.Header.Get(RoleHeader))
		if !caller.atLeast(role) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role for this operation", nil)
			return
		}
		next(w, r)
	}
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return "unknown"
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Success: false,
		Error:   errorBody{Code: code, Message: message, Details: details},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeDomainError maps a core error onto the common error envelope.
func writeDomainError(w http.ResponseWriter, err error, fallbackCode string) {
	switch {
	case errors.As(err, &form.NotFoundError{}):
		writeError(w, http.StatusNotFound, "FORM_NOT_FOUND", err.Error(), nil)
	case errors.As(err, &controller.NoTableError{}):
		writeError(w, http.StatusUnprocessableEntity, "NO_TABLE", err.Error(), nil)
	case errors.As(err, &journal.NotFoundError{}):
		writeError(w, http.StatusNotFound, "MIGRATION_NOT_FOUND", err.Error(), nil)
	case errors.As(err, &controller.RollbackNotAllowedError{}):
		writeError(w, http.StatusConflict, "ROLLBACK_NOT_ALLOWED", err.Error(), nil)
	case errors.As(err, &backup.BackupNotFoundError{}):
		writeError(w, http.StatusNotFound, "BACKUP_NOT_FOUND", err.Error(), nil)
	case errors.As(err, &backup.BackupExpiredError{}):
		writeError(w, http.StatusGone, "BACKUP_EXPIRED", err.Error(), nil)
	case errors.As(err, &controller.InvalidCleanupWindowError{}):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.As(err, &catalog.InvalidIdentifierError{}),
		errors.As(err, &catalog.UnknownDataTypeError{}),
		errors.As(err, &executor.UnsupportedConversionError{}),
		errors.As(err, &executor.ValidationFailedError{}):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, fallbackCode, err.Error(), nil)
	}
}
