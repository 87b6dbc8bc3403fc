package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/models"
)

// parseFields разбирает аргументы вида key=value. Значение читается как JSON,
// если это валидный JSON, иначе как строка: price=12.5, is_sold=true, title=Lamp.
func parseFields(pairs []string) (models.Payload, error) {
	out := make(models.Payload, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: field %q must look like key=value", errs.ErrValidation, p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

// parseFilter разбирает фильтр равенства key=value
func parseFilter(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: filter %q must look like key=value", errs.ErrValidation, p)
		}
		out[key] = value
	}
	return out, nil
}

func originLabel(o models.Origin) string {
	switch o {
	case models.OriginPending:
		return "pending"
	case models.OriginFailed:
		return "failed"
	default:
		return "synced"
	}
}

// formatEntity выводит сущность одной строкой с полями по алфавиту
func formatEntity(e *models.Entity) string {
	keys := e.Payload.Keys()
	sort.Strings(keys)
	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, fmt.Sprintf("%s=%v", k, e.Payload[k]))
	}
	return fmt.Sprintf("%-40s [%s v%d] %s", e.ID, originLabel(e.Origin), e.Version, strings.Join(fields, " "))
}
