package models

// Payload хранит поля записи в виде, пригодном для JSON (значения: string, float64, bool, nil, map, slice)
type Payload map[string]any

// Clone создает глубокую копию payload
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge возвращает новый payload: поля p, перекрытые полями other
func (p Payload) Merge(other Payload) Payload {
	out := p.Clone()
	if out == nil {
		out = make(Payload, len(other))
	}
	for k, v := range other {
		out[k] = cloneValue(v)
	}
	return out
}

// Pick возвращает копию только указанных полей. Отсутствующие поля попадают как nil,
// чтобы откат мог удалить поле, которого не было до мутации.
func (p Payload) Pick(fields []string) Payload {
	out := make(Payload, len(fields))
	for _, f := range fields {
		out[f] = cloneValue(p[f])
	}
	return out
}

// Keys возвращает список полей
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}

// Bool читает булево поле, отсутствующее поле считается false
func (p Payload) Bool(field string) bool {
	v, _ := p[field].(bool)
	return v
}

// String читает строковое поле
func (p Payload) String(field string) string {
	v, _ := p[field].(string)
	return v
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
