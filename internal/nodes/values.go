package nodes

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/models"
)

// lookup resolves a dotted path such as "sensor.temperature" inside a decoded payload.
func lookup(data map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toFloat(v interface{}) (float64, bool) {
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// metadataValue renders a decoded JSON value as a metadata string: strings stay
// raw, everything else is JSON.
func metadataValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}|\$\[([^\]]+)\]`)

// template substitutes ${key} with metadata values and $[path] with payload values.
type template struct {
	raw        string
	usesFields bool
}

func parseTemplate(raw string) template {
	return template{raw: raw, usesFields: strings.Contains(raw, "$[")}
}

func (t template) render(env models.Envelope) (string, error) {
	var data map[string]interface{}
	if t.usesFields {
		var err error
		if data, err = env.Data(); err != nil {
			return "", err
		}
	}

	return templatePattern.ReplaceAllStringFunc(t.raw, func(match string) string {
		groups := templatePattern.FindStringSubmatch(match)
		if groups[1] != "" {
			return env.Metadata().Value(groups[1])
		}
		v, ok := lookup(data, groups[2])
		if !ok {
			return ""
		}
		return metadataValue(v)
	}), nil
}

func (t template) String() string {
	return t.raw
}
