package orm

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// hydrate copies a stored row into a struct value. Columns missing from the
// row are left untouched.
func hydrate(info *ModelInfo, target any, row map[string]any) error {
	v := structValue(target)
	for _, f := range info.Fields {
		val, ok := row[f.Column]
		if !ok {
			continue
		}
		if err := setFieldValue(v.Field(f.FieldIndex), f, val); err != nil {
			return &HydrationError{TypeName: info.GoType.Name(), Field: f.FieldName, Cause: err}
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, fi FieldInfo, val any) error {
	if val == nil {
		field.Set(reflect.Zero(fi.FieldType))
		return nil
	}

	converted, err := coerceValue(val, fi)
	if err != nil {
		return err
	}

	if fi.IsPointer {
		ptr := reflect.New(fi.ElemType)
		ptr.Elem().Set(converted)
		field.Set(ptr)
	} else {
		field.Set(converted)
	}
	return nil
}

// coerceValue converts a driver value into the field's element type.
func coerceValue(val any, fi FieldInfo) (reflect.Value, error) {
	target := fi.ElemType

	rv := reflect.ValueOf(val)
	if rv.Type() == target && fi.SQLType != "blob" {
		return rv, nil
	}

	var out any
	var err error
	switch fi.SQLType {
	case "text":
		switch s := val.(type) {
		case string:
			out = s
		case []byte:
			out = string(s)
		default:
			out = fmt.Sprintf("%v", val)
		}
	case "integer":
		out, err = coerceToInt64(val)
	case "real":
		out, err = coerceToFloat64(val)
	case "boolean":
		out, err = coerceToBool(val)
	case "timestamp":
		out, err = coerceToTime(val)
	case "blob":
		switch b := val.(type) {
		case []byte:
			out = append([]byte(nil), b...)
		case string:
			out = []byte(b)
		default:
			err = fmt.Errorf("cannot coerce %T to []byte", val)
		}
	default:
		out = val
	}
	if err != nil {
		return reflect.Value{}, err
	}

	ov := reflect.ValueOf(out)
	if !ov.Type().ConvertibleTo(target) {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", val, target)
	}
	return ov.Convert(target), nil
}

func coerceToInt64(val any) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to integer", val)
	}
}

func coerceToFloat64(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	default:
		i, err := coerceToInt64(val)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %T to float", val)
		}
		return float64(i), nil
	}
}

func coerceToBool(val any) (bool, error) {
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	case []byte:
		return strconv.ParseBool(string(v))
	default:
		i, err := coerceToInt64(val)
		if err != nil {
			return false, fmt.Errorf("cannot coerce %T to bool", val)
		}
		return i != 0, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func coerceToTime(val any) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timeLayouts {
			t, err := time.Parse(layout, v)
			if err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse time string: %q", v)
	case []byte:
		return coerceToTime(string(v))
	case int64:
		return time.Unix(v, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot coerce %T to time.Time", val)
	}
}

// normalizeValue maps a Go column value onto the canonical driver types
// (int64, float64, bool, string, []byte, time.Time) used for comparisons
// and identity keys.
func normalizeValue(val any) any {
	if val == nil {
		return nil
	}
	rv := reflect.ValueOf(val)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Type() == timeType {
		return rv.Interface().(time.Time)
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), rv.Bytes()...)
		}
	}
	return rv.Interface()
}
