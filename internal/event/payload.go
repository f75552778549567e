package event

// Payload is the generic structured value an envelope carries. Upcasters
// operate on this tree rather than on concrete business types so that schema
// migrations stay decoupled from whatever structs currently consume them.
type Payload map[string]interface{}

// Copy returns a deep copy of the payload. Upcasters must never mutate their
// input, so every transformation starts from a copy.
func (p Payload) Copy() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case Payload:
		return map[string]interface{}(t.Copy())
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	default:
		return v
	}
}

// Has reports whether the field is present, even when its value is nil.
func (p Payload) Has(field string) bool {
	_, ok := p[field]
	return ok
}

// GetString returns a string field, or a MissingFieldError when the field is
// absent or not a string.
func (p Payload) GetString(field string) (string, error) {
	v, ok := p[field]
	if !ok {
		return "", &MissingFieldError{Field: field}
	}
	s, ok := v.(string)
	if !ok {
		return "", &MissingFieldError{Field: field}
	}
	return s, nil
}

// GetInt returns a numeric field as an int64. JSON decoding produces
// float64, so both are accepted.
func (p Payload) GetInt(field string) (int64, error) {
	v, ok := p[field]
	if !ok {
		return 0, &MissingFieldError{Field: field}
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, &MissingFieldError{Field: field}
	}
}

// Set assigns a field value.
func (p Payload) Set(field string, value interface{}) {
	p[field] = value
}

// Default assigns a field value only when the field is absent.
func (p Payload) Default(field string, value interface{}) {
	if !p.Has(field) {
		p[field] = value
	}
}

// Rename moves a field to a new name, preserving its value. Returns a
// MissingFieldError when the source field is absent.
func (p Payload) Rename(from, to string) error {
	v, ok := p[from]
	if !ok {
		return &MissingFieldError{Field: from}
	}
	delete(p, from)
	p[to] = v
	return nil
}

// Remove deletes a field. Removing a field discards information, so callers
// must document at the call site why the information is derivable or
// intentionally dropped.
func (p Payload) Remove(field string) {
	delete(p, field)
}
