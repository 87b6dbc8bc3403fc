package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/internal/models"
	"github.com/iudanet/campusmarket/internal/server/storage"
	"github.com/iudanet/campusmarket/internal/validation"
	"github.com/iudanet/campusmarket/pkg/api"
)

// maxRecordBody ограничивает тело запроса записи
const maxRecordBody = 2 * validation.MaxFieldsSize

// ChangePublisher рассылает изменения записей подписчикам
type ChangePublisher interface {
	PublishChange(change api.ChangePayload)
}

// RecordsHandler обрабатывает CRUD запросы к таблицам
type RecordsHandler struct {
	logger    *zap.Logger
	storage   storage.RecordStorage
	publisher ChangePublisher
}

// NewRecordsHandler создает handler записей. publisher может быть nil.
func NewRecordsHandler(logger *zap.Logger, records storage.RecordStorage, publisher ChangePublisher) *RecordsHandler {
	return &RecordsHandler{
		logger:    logger,
		storage:   records,
		publisher: publisher,
	}
}

// List обрабатывает GET /api/v1/records/{table}?field=value
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}

	filter := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			filter[k] = v[0]
		}
	}

	records, err := h.storage.ListRecords(r.Context(), table, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidFilter) {
			sendError(h.logger, w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to list records", zap.String("table", table), zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := api.ListRecordsResponse{Records: make([]api.Record, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, toAPIRecord(rec))
	}
	sendJSON(h.logger, w, resp, http.StatusOK)
}

// Get обрабатывает GET /api/v1/records/{table}/{id}
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}

	rec, ok := h.load(w, r, table)
	if !ok {
		return
	}
	sendJSON(h.logger, w, toAPIRecord(rec), http.StatusOK)
}

// Create обрабатывает POST /api/v1/records/{table}.
// Повтор с тем же client_id возвращает уже созданную запись со статусом 200.
func (h *RecordsHandler) Create(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	userID, _ := GetUserID(r.Context())

	var req api.CreateRecordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.ValidateRecord(table, req.Fields, false); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}
	if table == validation.TableMessages {
		if sender, present := req.Fields["sender_id"]; present && sender != userID {
			sendError(h.logger, w, "sender_id must be the current user", http.StatusForbidden)
			return
		}
	}

	rec, created, err := h.storage.CreateRecord(r.Context(), &models.Record{
		Table:    table,
		ClientID: req.ClientID,
		OwnerID:  userID,
		Fields:   models.Payload(req.Fields),
	})
	if err != nil {
		h.logger.Error("failed to create record", zap.String("table", table), zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	if !created {
		if rec.Deleted {
			sendError(h.logger, w, "record was created and deleted", http.StatusGone)
			return
		}
		h.logger.Info("duplicate create",
			zap.String("table", table),
			zap.String("id", rec.ID),
			zap.String("idempotency_key", r.Header.Get("Idempotency-Key")))
		sendJSON(h.logger, w, toAPIRecord(rec), http.StatusOK)
		return
	}

	out := toAPIRecord(rec)
	h.publish(api.ChangePayload{EventType: api.EventInsert, Table: table, New: &out})
	sendJSON(h.logger, w, out, http.StatusCreated)
}

// Update обрабатывает PATCH /api/v1/records/{table}/{id}
func (h *RecordsHandler) Update(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}

	var req api.UpdateRecordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.ValidateRecord(table, req.Fields, true); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}

	current, ok := h.load(w, r, table)
	if !ok {
		return
	}
	userID, _ := GetUserID(r.Context())
	if !canUpdate(current, userID, req.Fields) {
		h.logger.Warn("update forbidden",
			zap.String("table", table),
			zap.String("id", current.ID),
			zap.String("user_id", userID))
		sendError(h.logger, w, "not allowed to modify this record", http.StatusForbidden)
		return
	}

	updated, err := h.storage.UpdateRecord(r.Context(), table, current.ID, models.Payload(req.Fields))
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			sendError(h.logger, w, "record not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to update record", zap.String("table", table), zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	out := toAPIRecord(updated)
	old := toAPIRecord(current)
	h.publish(api.ChangePayload{EventType: api.EventUpdate, Table: table, New: &out, Old: &old})
	sendJSON(h.logger, w, out, http.StatusOK)
}

// Delete обрабатывает DELETE /api/v1/records/{table}/{id}
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}

	current, ok := h.load(w, r, table)
	if !ok {
		return
	}
	userID, _ := GetUserID(r.Context())
	if current.OwnerID != userID {
		sendError(h.logger, w, "not allowed to delete this record", http.StatusForbidden)
		return
	}

	deleted, err := h.storage.DeleteRecord(r.Context(), table, current.ID)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			sendError(h.logger, w, "record not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to delete record", zap.String("table", table), zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	old := toAPIRecord(deleted)
	h.publish(api.ChangePayload{EventType: api.EventDelete, Table: table, Old: &old})
	w.WriteHeader(http.StatusNoContent)
}

// canUpdate: владелец меняет что угодно; в messages собеседник может
// только отметить сообщение прочитанным
func canUpdate(rec *models.Record, userID string, fields map[string]any) bool {
	if rec.OwnerID == userID {
		return true
	}
	if rec.Table != validation.TableMessages {
		return false
	}
	for k := range fields {
		if k != "is_read" {
			return false
		}
	}
	return len(fields) > 0
}

func (h *RecordsHandler) table(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := r.PathValue("table")
	if err := validation.ValidateTable(table); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return table, true
}

func (h *RecordsHandler) load(w http.ResponseWriter, r *http.Request, table string) (*models.Record, bool) {
	rec, err := h.storage.GetRecord(r.Context(), table, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			sendError(h.logger, w, "record not found", http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("failed to get record", zap.String("table", table), zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return rec, true
}

func (h *RecordsHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRecordBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(h.logger, w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *RecordsHandler) publish(change api.ChangePayload) {
	if h.publisher != nil {
		h.publisher.PublishChange(change)
	}
}

func toAPIRecord(rec *models.Record) api.Record {
	fields := map[string]any(rec.Fields.Clone())
	if fields == nil {
		fields = map[string]any{}
	}
	return api.Record{
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Fields:    fields,
		ID:        rec.ID,
		Table:     rec.Table,
		ClientID:  rec.ClientID,
		OwnerID:   rec.OwnerID,
		Version:   rec.Version,
		Deleted:   rec.Deleted,
	}
}
