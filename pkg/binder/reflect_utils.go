package binder

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

// parseFieldTag returns the parameter name for field and whether to skip it.
// Untagged fields use the lowercased field name.
func parseFieldTag(field reflect.StructField, tagName string) (name string, skip bool) {
	tag := field.Tag.Get(tagName)
	switch tag {
	case "":
		return strings.ToLower(field.Name), false
	case "-":
		return "", true
	}
	name, _, _ = strings.Cut(tag, ",")
	return name, false
}

// setFieldValue parses value into field. Named string types such as
// vip.TierID are set directly.
func setFieldValue(field reflect.Value, fieldType reflect.Type, value string) error {
	if fieldType.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(fieldType.Elem()))
		}
		return setFieldValue(field.Elem(), fieldType.Elem(), value)
	}

	if field.CanAddr() && reflect.PointerTo(fieldType).Implements(textUnmarshalerType) {
		return field.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(value))
	}

	switch fieldType.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, fieldType.Bits())
		if err != nil {
			return fmt.Errorf("invalid int value %q", value)
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, fieldType.Bits())
		if err != nil {
			return fmt.Errorf("invalid uint value %q", value)
		}
		field.SetUint(n)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value %q", value)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported type %s", fieldType.Kind())
	}
	return nil
}
