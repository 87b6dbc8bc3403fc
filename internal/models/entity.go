package models

import (
	"strings"

	"github.com/google/uuid"
)

// Origin описывает происхождение локального состояния сущности
type Origin string

const (
	// OriginConfirmed - состояние совпадает с последним подтвержденным сервером
	OriginConfirmed Origin = "confirmed"
	// OriginPending - есть неподтвержденные локальные мутации
	OriginPending Origin = "optimistic-pending"
	// OriginFailed - мутация окончательно отклонена, состояние откатано
	OriginFailed Origin = "optimistic-failed"
)

// TempIDPrefix префикс временных идентификаторов, выданных клиентом до ответа сервера
const TempIDPrefix = "tmp-"

// NewTempID генерирует новый временный идентификатор
func NewTempID() string {
	return TempIDPrefix + uuid.New().String()
}

// IsTempID проверяет, что id выдан клиентом и еще не заменен серверным
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Entity представляет запись коллекции в локальном состоянии клиента
type Entity struct {
	Payload  Payload `json:"payload"`
	ID       string  `json:"id"`        // серверный id или временный tmp-<uuid>
	ClientID string  `json:"client_id"` // временный id, с которым запись была создана
	Origin   Origin  `json:"origin"`
	Version  int64   `json:"version"` // серверная версия, 0 для неподтвержденных
}

// Clone создает глубокую копию сущности
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = e.Payload.Clone()
	return &c
}
