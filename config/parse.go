package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
)

// Secret is a string value that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

const optPrefix = "opt["

var (
	// ErrNotStructPtr indicates a type is not a pointer to a struct.
	ErrNotStructPtr = errors.New("must be a pointer to a struct")

	// ErrRequired indicates a required variable is not set.
	ErrRequired = errors.New("required variable is not present")

	// ErrInvalidOption indicates a value is not one of the listed options.
	ErrInvalidOption = errors.New("value is not a valid option")

	durationType = reflect.TypeOf(time.Duration(0))
)

// ParseError reports the environment variable that failed to parse.
type ParseError struct {
	Name  string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse populates the struct conf points to from repo, following the
// `env:"NAME[,required][,opt[a,b]]"` field tags. Unset variables leave the
// field untouched, so defaults can be prefilled.
func Parse(conf interface{}, repo env.Repository) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr || c.IsNil() {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []error
	for i := 0; i < c.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		name, constraint := parseTag(tag)
		value := repo.Get(name)

		if err := setField(c.Field(i), name, value, constraint); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func parseTag(tag string) (string, string) {
	name, constraint, _ := strings.Cut(tag, ",")
	return name, constraint
}

func setField(field reflect.Value, name, value, constraint string) error {
	switch {
	case constraint == "required":
		if value == "" {
			return &ParseError{Name: name, Err: ErrRequired}
		}
	case strings.HasPrefix(constraint, optPrefix):
		if value != "" && !containsOption(constraint, value) {
			return &ParseError{Name: name, Value: value, Err: fmt.Errorf("%w: %q, options: %s", ErrInvalidOption, value, constraint)}
		}
	case constraint != "":
		return &ParseError{Name: name, Err: fmt.Errorf("unknown constraint %q", constraint)}
	}

	if value == "" {
		return nil
	}
	if err := setValue(field, value); err != nil {
		return &ParseError{Name: name, Value: value, Err: err}
	}
	return nil
}

func containsOption(constraint, value string) bool {
	options := strings.TrimSuffix(strings.TrimPrefix(constraint, optPrefix), "]")
	for _, option := range strings.Split(options, ",") {
		if option == value {
			return true
		}
	}
	return false
}

func setValue(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to integer: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to unsigned integer: %w", value, err)
		}
		field.SetUint(n)
	case reflect.Slice:
		return setSlice(field, value)
	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}

func setSlice(field reflect.Value, value string) error {
	items := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '|' })
	slice := reflect.MakeSlice(field.Type(), 0, len(items))
	for _, item := range items {
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := setValue(elem, strings.TrimSpace(item)); err != nil {
			return err
		}
		slice = reflect.Append(slice, elem)
	}
	field.Set(slice)
	return nil
}

// parseDuration accepts Go durations ("1m30s") and plain seconds ("90").
func parseDuration(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("can't convert %q to duration: %w", value, err)
	}
	return d, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("can't convert %q to boolean: %w", value, err)
	}
	return b, nil
}

func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v.Interface())
}
