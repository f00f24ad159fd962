package models

// Metadata is an immutable, insertion-ordered string mapping with unique keys.
// Every mutating operation returns a new value.
type Metadata struct {
	keys   []string
	values map[string]string
}

type MetadataEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// NewMetadata builds metadata from alternating key/value pairs. A trailing key
// without value is stored with an empty value.
func NewMetadata(pairs ...string) Metadata {
	var m Metadata
	for i := 0; i < len(pairs); i += 2 {
		v := ""
		if i+1 < len(pairs) {
			v = pairs[i+1]
		}
		m = m.With(pairs[i], v)
	}
	return m
}

func MetadataFromEntries(entries []MetadataEntry) Metadata {
	m := Metadata{keys: make([]string, 0, len(entries)), values: make(map[string]string, len(entries))}
	for _, e := range entries {
		if _, exists := m.values[e.Key]; !exists {
			m.keys = append(m.keys, e.Key)
		}
		m.values[e.Key] = e.Value
	}
	return m
}

func (m Metadata) Len() int {
	return len(m.keys)
}

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m Metadata) Value(key string) string {
	return m.values[key]
}

func (m Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m Metadata) With(key, value string) Metadata {
	out := m.clone(1)
	if _, exists := out.values[key]; !exists {
		out.keys = append(out.keys, key)
	}
	out.values[key] = value
	return out
}

func (m Metadata) Without(key string) Metadata {
	if _, exists := m.values[key]; !exists {
		return m
	}
	out := Metadata{keys: make([]string, 0, len(m.keys)-1), values: make(map[string]string, len(m.values)-1)}
	for _, k := range m.keys {
		if k == key {
			continue
		}
		out.keys = append(out.keys, k)
		out.values[k] = m.values[k]
	}
	return out
}

// Merge returns metadata with every entry of other applied on top of m.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m.clone(other.Len())
	for _, k := range other.keys {
		if _, exists := out.values[k]; !exists {
			out.keys = append(out.keys, k)
		}
		out.values[k] = other.values[k]
	}
	return out
}

func (m Metadata) Range(fn func(key, value string) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

func (m Metadata) ToMap() map[string]string {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func (m Metadata) Entries() []MetadataEntry {
	out := make([]MetadataEntry, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, MetadataEntry{Key: k, Value: m.values[k]})
	}
	return out
}

func (m Metadata) clone(extra int) Metadata {
	out := Metadata{
		keys:   make([]string, len(m.keys), len(m.keys)+extra),
		values: make(map[string]string, len(m.values)+extra),
	}
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = v
	}
	return out
}
