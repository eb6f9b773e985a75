package postgres

import (
	"reflect"
	"sync"
)

// ExtractDBColumns returns the "db" tags of T's fields in declaration
// order, descending into embedded structs.
//
// Usage:
//
//	columns := ExtractDBColumns[JournalEntry]()
//	// Returns: ["id", "scope_id", "event", ...]
func ExtractDBColumns[T any]() []string {
	var zero T
	var cols []string
	for _, f := range fieldsOf(reflect.TypeOf(zero)) {
		cols = append(cols, f.column)
	}
	return cols
}

// StructToMap converts a struct to a map keyed by "db" tags. Untagged and
// "-" fields are skipped.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	fields := fieldsOf(rv.Type())
	res := make(map[string]any, len(fields))
	for _, f := range fields {
		res[f.column] = rv.FieldByIndex(f.index).Interface()
	}
	return res
}

type dbField struct {
	column string
	index  []int
}

// fieldCache maps reflect.Type to []dbField.
var fieldCache sync.Map

func fieldsOf(t reflect.Type) []dbField {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]dbField)
	}
	var fields []dbField
	if t.Kind() == reflect.Struct {
		fields = collectFields(t, nil)
	}
	fieldCache.Store(t, fields)
	return fields
}

func collectFields(t reflect.Type, prefix []int) []dbField {
	var out []dbField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(append([]int(nil), prefix...), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			out = append(out, collectFields(f.Type, index)...)
			continue
		}
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		out = append(out, dbField{column: tag, index: index})
	}
	return out
}
