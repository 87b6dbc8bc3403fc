package api

import "time"

// Record представляет строку реляционного хранилища в формате API
type Record struct {
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Fields    map[string]any `json:"fields"`
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	ClientID  string         `json:"client_id,omitempty"` // временный id, с которым клиент создал запись
	OwnerID   string         `json:"owner_id"`
	Version   int64          `json:"version"` // Lamport timestamp последнего изменения
	Deleted   bool           `json:"deleted,omitempty"`
}

// Validate проверяет запись, пришедшую от сервера, до того как она попадет в локальное состояние
func (r *Record) Validate() error {
	if r == nil {
		return newValidationError("record is nil")
	}
	if r.ID == "" {
		return newValidationError("record id is empty")
	}
	if r.Table == "" {
		return newValidationError("record table is empty")
	}
	if r.Version < 0 {
		return newValidationError("record version is negative")
	}
	if r.Fields == nil && !r.Deleted {
		return newValidationError("record fields are missing")
	}
	return nil
}

// CreateRecordRequest представляет запрос на создание записи.
// ClientID делает создание идемпотентным: повтор с тем же ClientID вернет уже созданную запись.
type CreateRecordRequest struct {
	Fields   map[string]any `json:"fields"`
	ClientID string         `json:"client_id"`
}

// UpdateRecordRequest содержит только изменяемые поля (семантика set)
type UpdateRecordRequest struct {
	Fields map[string]any `json:"fields"`
}

// ListRecordsResponse представляет ответ со списком записей
type ListRecordsResponse struct {
	Records []Record `json:"records"`
}

// Validate проверяет каждую запись списка
func (r *ListRecordsResponse) Validate() error {
	for i := range r.Records {
		if err := r.Records[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UploadResponse представляет ответ объектного хранилища
type UploadResponse struct {
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
	PublicURL string `json:"public_url"`
}
