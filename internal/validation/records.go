package validation

import (
	"encoding/json"
	"math"
	"strings"
)

// Known tables
const (
	TableProducts       = "products"
	TableAccommodations = "accommodations"
	TableMessages       = "messages"
	TableBookings       = "bookings"
	TableFavorites      = "favorites"
	TableConversations  = "conversations"
)

type fieldRule struct {
	required []string // обязательные непустые строки
	nonNeg   []string // числа >= 0
	bools    []string
}

var tableRules = map[string]fieldRule{
	TableProducts: {
		required: []string{"title"},
		nonNeg:   []string{"price"},
		bools:    []string{"is_sold", "is_favorite"},
	},
	TableAccommodations: {
		required: []string{"title"},
		nonNeg:   []string{"rent"},
		bools:    []string{"is_available"},
	},
	TableMessages: {
		required: []string{"conversation_id", "content"},
		bools:    []string{"is_read"},
	},
	TableBookings: {
		required: []string{"accommodation_id"},
	},
	TableFavorites: {
		required: []string{"product_id"},
	},
	TableConversations: {
		required: []string{"product_id"},
	},
}

// MaxFieldsSize ограничивает размер JSON полей записи
const MaxFieldsSize = 64 << 10

// ValidateTable проверяет, что таблица известна
func ValidateTable(table string) error {
	if _, ok := tableRules[table]; !ok {
		return invalid("unknown table %q", table)
	}
	return nil
}

// Tables возвращает список известных таблиц
func Tables() []string {
	return []string{TableProducts, TableAccommodations, TableMessages, TableBookings, TableFavorites, TableConversations}
}

// ValidateRecord проверяет поля записи. partial=true для частичного обновления:
// обязательные поля проверяются только если присутствуют.
func ValidateRecord(table string, fields map[string]any, partial bool) error {
	rule, ok := tableRules[table]
	if !ok {
		return invalid("unknown table %q", table)
	}
	if len(fields) == 0 {
		return invalid("fields cannot be empty")
	}

	for key := range fields {
		if key == "" || strings.ContainsAny(key, ".$[]\"'") {
			return invalid("invalid field name %q", key)
		}
	}

	for _, f := range rule.required {
		v, present := fields[f]
		if !present {
			if partial {
				continue
			}
			return invalid("%s.%s is required", table, f)
		}
		s, isString := v.(string)
		if !isString || strings.TrimSpace(s) == "" {
			return invalid("%s.%s must be a non-empty string", table, f)
		}
	}

	for _, f := range rule.nonNeg {
		v, present := fields[f]
		if !present {
			continue
		}
		n, isNumber := number(v)
		if !isNumber || math.IsNaN(n) || math.IsInf(n, 0) {
			return invalid("%s.%s must be a number", table, f)
		}
		if n < 0 {
			return invalid("%s.%s must be >= 0", table, f)
		}
	}

	for _, f := range rule.bools {
		v, present := fields[f]
		if !present || v == nil {
			continue
		}
		if _, isBool := v.(bool); !isBool {
			return invalid("%s.%s must be a boolean", table, f)
		}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return invalid("fields are not serializable: %v", err)
	}
	if len(data) > MaxFieldsSize {
		return invalid("fields exceed %d bytes", MaxFieldsSize)
	}

	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
