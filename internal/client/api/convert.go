package api

import (
	"github.com/iudanet/campusmarket/internal/models"
	"github.com/iudanet/campusmarket/pkg/api"
)

// EntityFromRecord converts a validated API record into a confirmed local entity.
func EntityFromRecord(r *api.Record) *models.Entity {
	payload := models.Payload(r.Fields).Clone()
	if payload == nil {
		payload = models.Payload{}
	}
	return &models.Entity{
		ID:       r.ID,
		ClientID: r.ClientID,
		Payload:  payload,
		Origin:   models.OriginConfirmed,
		Version:  r.Version,
	}
}

// EventFromChange converts a validated change payload into a realtime event.
func EventFromChange(p *api.ChangePayload) models.RealtimeEvent {
	ev := models.RealtimeEvent{Collection: p.Table}
	switch p.EventType {
	case api.EventInsert:
		ev.Type = models.EventInsert
	case api.EventUpdate:
		ev.Type = models.EventUpdate
	case api.EventDelete:
		ev.Type = models.EventDelete
	}
	if p.New != nil {
		ev.EntityID = p.New.ID
		ev.ClientID = p.New.ClientID
		ev.Version = p.New.Version
		ev.NewValue = models.Payload(p.New.Fields).Clone()
	}
	if p.Old != nil {
		if ev.EntityID == "" {
			ev.EntityID = p.Old.ID
			ev.ClientID = p.Old.ClientID
		}
		if p.Old.Version > ev.Version {
			ev.Version = p.Old.Version
		}
		ev.OldValue = models.Payload(p.Old.Fields).Clone()
	}
	return ev
}
