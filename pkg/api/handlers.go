// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/qcollector/fieldmigration/pkg/controller"
	"github.com/qcollector/fieldmigration/pkg/detector"
	"github.com/qcollector/fieldmigration/pkg/journal"
	"github.com/qcollector/fieldmigration/schema"
)

type changeRequest struct {
	FormID  string            `json:"formId"`
	Changes []json.RawMessage `json:"changes"`
}

// decodeChanges parses and schema-validates a preview/execute body. It
// writes the error response itself and returns ok=false on any problem.
func (s *Server) decodeChanges(w http.ResponseWriter, r *http.Request) (string, []detector.Change, bool) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body: "+err.Error(), nil)
		return "", nil, false
	}
	if req.FormID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "formId is required", nil)
		return "", nil, false
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_CHANGES", "changes must not be empty", nil)
		return "", nil, false
	}

	changes := make([]detector.Change, 0, len(req.Changes))
	for i, raw := range req.Changes {
		if err := schema.ValidateChange(raw); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CHANGES",
				fmt.Sprintf("change %d does not match the change schema", i),
				map[string]any{"index": i, "error": err.Error()})
			return "", nil, false
		}
		var dto ChangeDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CHANGES",
				fmt.Sprintf("change %d cannot be decoded: %s", i, err), nil)
			return "", nil, false
		}
		changes = append(changes, dto.ToChange())
	}
	return req.FormID, changes, true
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	formID, changes, ok := s.decodeChanges(w, r)
	if !ok {
		return
	}

	result, err := s.controller.PreviewPlan(r.Context(), formID, changes)
	if err != nil {
		writeDomainError(w, err, "QUEUE_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	formID, changes, ok := s.decodeChanges(w, r)
	if !ok {
		return
	}

	jobs, err := s.controller.ExecutePlan(r.Context(), formID, changes, actor(r))
	if err != nil {
		writeDomainError(w, err, "QUEUE_ERROR")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"queuedJobs": jobs,
		"message":    fmt.Sprintf("%d migration(s) queued for form %s", len(jobs), formID),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	formID := r.PathValue("formId")
	limit := clampLimit(queryInt(r, "limit", 0))
	offset := queryInt(r, "offset", 0)

	filter := journal.FilterAny
	switch r.URL.Query().Get("status") {
	case "success":
		filter = journal.FilterOnlySuccess
	case "failed":
		filter = journal.FilterOnlyFailed
	}

	entries, total, err := s.controller.ListHistory(r.Context(), formID, journal.ListOptions{
		Limit:  limit,
		Offset: offset,
		Filter: filter,
	})
	if err != nil {
		writeDomainError(w, err, "QUEUE_ERROR")
		return
	}

	migrations := make([]MigrationDTO, 0, len(entries))
	for _, m := range entries {
		migrations = append(migrations, toMigrationDTO(m))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"migrations": migrations,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
		"hasMore":    offset+len(migrations) < total,
	})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	migrationID := r.PathValue("migrationId")

	result, err := s.controller.Rollback(r.Context(), migrationID, actor(r))
	if err != nil {
		writeDomainError(w, err, "ROLLBACK_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"migrationId":         result.MigrationID,
		"rollbackMigrationId": result.RollbackMigrationID,
		"description":         result.Description,
		"message":             "migration rolled back",
	})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	formID := r.PathValue("formId")
	limit := clampLimit(queryInt(r, "limit", 0))
	offset := queryInt(r, "offset", 0)
	includeExpired := r.URL.Query().Get("includeExpired") == "true"

	entries, total, err := s.controller.ListBackups(r.Context(), formID, includeExpired, limit, offset)
	if err != nil {
		writeDomainError(w, err, "QUEUE_ERROR")
		return
	}

	backups := make([]BackupDTO, 0, len(entries))
	for _, b := range entries {
		backups = append(backups, toBackupDTO(b))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"backups": backups,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"hasMore": offset+len(backups) < total,
	})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	backupID := r.PathValue("backupId")

	result, err := s.controller.Restore(r.Context(), backupID, actor(r))
	if err != nil {
		writeDomainError(w, err, "RESTORE_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"backupId":   result.BackupID,
		"jobId":      result.JobID,
		"tableName":  result.TableName,
		"columnName": result.ColumnName,
		"message":    "restore queued; row count will appear in the RESTORE history entry",
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	formID := r.URL.Query().Get("formId")

	status, err := s.controller.QueueStatus(r.Context(), formID)
	if err != nil {
		writeDomainError(w, err, "QUEUE_ERROR")
		return
	}

	body := map[string]any{"queue": status}
	if formID != "" {
		body["formId"] = formID
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 0)
	dryRun := r.URL.Query().Get("dryRun") == "true"

	result, err := s.controller.Cleanup(r.Context(), days, dryRun)
	if err != nil {
		writeDomainError(w, err, "CLEANUP_FAILED")
		return
	}

	body := map[string]any{
		"cutoffDate": result.CutoffDate,
		"days":       result.Days,
	}
	if dryRun {
		body["wouldDeleteCount"] = result.WouldDeleteCount
		body["message"] = fmt.Sprintf("dry run: %d expired backup(s) would be deleted", result.WouldDeleteCount)
	} else {
		body["deletedCount"] = result.DeletedCount
		body["message"] = fmt.Sprintf("%d expired backup(s) deleted", result.DeletedCount)
	}
	writeJSON(w, http.StatusOK, body)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return controller.DefaultHistoryLimit
	}
	if limit > controller.MaxHistoryLimit {
		return controller.MaxHistoryLimit
	}
	return limit
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
