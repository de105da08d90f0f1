package models

// Manifest is the minimal metadata a model source exposes: its config.json and,
// for hub repositories, the API's safetensors total and file list.
type Manifest struct {
	Source         string         `json:"source"`
	Revision       string         `json:"revision,omitempty"`
	Local          bool           `json:"local"`
	Config         map[string]any `json:"config"`
	ParameterTotal uint64         `json:"parameter_total,omitempty"`
	Files          []string       `json:"files,omitempty"`
}

// String returns the first string value among keys in the top-level config.
func (m *Manifest) String(keys ...string) string {
	return stringIn(m.Config, keys...)
}

// Int returns the first positive integer among keys, looking in the top-level
// config and then in the nested text_config / llm_config / language_config sections.
func (m *Manifest) Int(keys ...string) int {
	if n := intIn(m.Config, keys...); n > 0 {
		return n
	}
	for _, sec := range []string{"text_config", "llm_config", "language_config"} {
		if n := intIn(m.Section(sec), keys...); n > 0 {
			return n
		}
	}
	return 0
}

// Bool returns the bool at key and whether it was present.
func (m *Manifest) Bool(key string) (bool, bool) {
	v, ok := m.Config[key].(bool)
	return v, ok
}

// Section returns a nested object, or nil.
func (m *Manifest) Section(key string) map[string]any {
	v, _ := m.Config[key].(map[string]any)
	return v
}

// Has reports whether any of keys is present in the top-level config.
func (m *Manifest) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := m.Config[k]; ok {
			return true
		}
	}
	return false
}

// Architectures returns the declared architecture class names.
func (m *Manifest) Architectures() []string {
	raw, _ := m.Config["architectures"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SectionInt reads an integer from a nested section.
func SectionInt(sec map[string]any, keys ...string) int {
	return intIn(sec, keys...)
}

func stringIn(c map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := c[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intIn(c map[string]any, keys ...string) int {
	if c == nil {
		return 0
	}
	for _, k := range keys {
		if n, ok := toInt(c[k]); ok && n > 0 {
			return n
		}
	}
	return 0
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}
