package models

import "time"

// Record представляет строку серверного хранилища
type Record struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    Payload
	ID        string
	Table     string
	ClientID  string // идемпотентный ключ создания
	OwnerID   string
	Version   int64 // Lamport timestamp последнего изменения
	Deleted   bool
}

// Clone создает глубокую копию записи
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = r.Fields.Clone()
	return &c
}
