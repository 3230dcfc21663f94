package variable

import (
	"strings"

	"github.com/tidwall/gjson"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Render подставляет {{ path }} из data во value.
//
// path — gjson путь ("trigger.body.name", "steps.fetch.items.0").
// Строка, состоящая из одного выражения, получает значение ссылки
// с его типом; отсутствующая ссылка даёт nil. В смешанных строках
// выражения интерполируются как текст, отсутствующие — пустой строкой.
// map и slice обрабатываются рекурсивно, остальные типы не меняются.
func Render(value any, data []byte) any {
	switch v := value.(type) {
	case string:
		return renderString(v, data)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			result[key] = Render(val, data)
		}
		return result

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			result[i] = Render(val, data)
		}
		return result

	default:
		return value
	}
}

// RenderString рендерит строку и всегда возвращает текст.
func RenderString(tmpl string, data []byte) string {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl
	}
	return interpolate(tmpl, data)
}

func renderString(tmpl string, data []byte) any {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl
	}

	if path, ok := singleExpression(tmpl); ok {
		res := lookup(data, path)
		if !res.Exists() {
			return nil
		}
		return res.Value()
	}

	return interpolate(tmpl, data)
}

// singleExpression возвращает путь, если вся строка — одно выражение.
func singleExpression(tmpl string) (string, bool) {
	s := strings.TrimSpace(tmpl)
	if !strings.HasPrefix(s, openDelim) || !strings.HasSuffix(s, closeDelim) {
		return "", false
	}
	inner := s[len(openDelim) : len(s)-len(closeDelim)]
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func interpolate(tmpl string, data []byte) string {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			// незакрытое выражение оставляем как есть
			b.WriteString(rest)
			break
		}
		end += start + len(openDelim)

		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+len(openDelim) : end])
		if res := lookup(data, path); res.Exists() {
			b.WriteString(res.String())
		}
		rest = rest[end+len(closeDelim):]
	}
	return b.String()
}

func lookup(data []byte, path string) gjson.Result {
	if path == "" || len(data) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(data, path)
}
