// Package naming содержит единое правило преобразования логических имён
// (топики, подписки, consumer id) в физические имена ресурсов брокера.
// Одно и то же логическое имя в одном окружении всегда даёт одно и то же физическое.
package naming

import "strings"

// separator - разделитель префикса окружения и логического имени.
const separator = "."

// Formatter применяет префикс окружения/кластера к логическим именам.
// Нулевое значение (пустой префикс) возвращает имена без изменений, только в нижнем регистре.
type Formatter struct {
	prefix string
}

// New создаёт Formatter с указанным префиксом (например, "dev" или "prod-eu").
func New(prefix string) Formatter {
	return Formatter{prefix: normalize(prefix)}
}

// Prefix возвращает нормализованный префикс.
func (f Formatter) Prefix() string {
	return f.prefix
}

// Format возвращает физическое имя для логического.
// Функция идемпотентна: уже отформатированное имя не получает префикс повторно.
func (f Formatter) Format(logical string) string {
	name := normalize(logical)
	if f.prefix == "" || name == "" {
		return name
	}
	if strings.HasPrefix(name, f.prefix+separator) {
		return name
	}
	return f.prefix + separator + name
}

// Logical убирает префикс окружения из физического имени.
func (f Formatter) Logical(physical string) string {
	name := normalize(physical)
	if f.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, f.prefix+separator)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
