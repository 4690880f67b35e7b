// Package validation checks template parameter values against provider naming
// rules, structural formats and the bounds declared by the template.
package validation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/iac-studio/portal/internal/catalog"
)

// FieldError is the single message produced for one parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// Validator is stateless and safe for concurrent use.
type Validator struct {
	validate   *validator.Validate
	providers  map[string][]Rule
	structural []Rule
}

func New() *Validator {
	v := &Validator{
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		providers: providerRules,
	}
	v.structural = v.structuralRules()
	return v
}

// Validate runs the rules for one parameter in fixed precedence and returns the
// first failure: required, provider naming, structural format, type bounds,
// allowed values, template pattern.
func (v *Validator) Validate(provider string, p catalog.Parameter, value any) *FieldError {
	if IsEmpty(value) {
		if p.Required {
			return &FieldError{Field: p.Name, Message: fmt.Sprintf("%s is required", p.Name)}
		}
		return nil
	}

	name := strings.ToLower(p.Name)
	for _, group := range [][]Rule{v.providers[provider], v.structural} {
		for _, r := range group {
			if !r.Applies(name) {
				continue
			}
			for _, s := range stringsOf(value) {
				if msg := r.Check(s); msg != "" {
					return &FieldError{Field: p.Name, Message: msg}
				}
			}
		}
	}

	if msg := checkBounds(p, value); msg != "" {
		return &FieldError{Field: p.Name, Message: msg}
	}
	if msg := checkAllowed(p, value); msg != "" {
		return &FieldError{Field: p.Name, Message: msg}
	}
	if msg := checkPattern(p, value); msg != "" {
		return &FieldError{Field: p.Name, Message: msg}
	}
	return nil
}

// ValidateAll checks every declared parameter, whether or not a value was supplied.
func (v *Validator) ValidateAll(provider string, params []catalog.Parameter, values map[string]any) map[string]string {
	errs := map[string]string{}
	for _, p := range params {
		if fe := v.Validate(provider, p, values[p.Name]); fe != nil {
			errs[p.Name] = fe.Message
		}
	}
	return errs
}

// IsEmpty reports whether a form value counts as "not provided".
// false and 0 are values, not emptiness.
func IsEmpty(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// stringsOf returns the string forms a rule should see: the value itself, or
// each string element of a list.
func stringsOf(value any) []string {
	switch t := value.(type) {
	case string:
		return []string{strings.TrimSpace(t)}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch t := value.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func checkBounds(p catalog.Parameter, value any) string {
	switch p.Type {
	case "number":
		n, ok := toFloat(value)
		if !ok {
			return "Must be a number"
		}
		if p.MinValue != nil && n < *p.MinValue {
			return "Must be at least " + formatNumber(*p.MinValue)
		}
		if p.MaxValue != nil && n > *p.MaxValue {
			return "Must be at most " + formatNumber(*p.MaxValue)
		}
	case "bool":
		switch t := value.(type) {
		case bool:
		case string:
			if _, err := strconv.ParseBool(t); err != nil {
				return "Must be true or false"
			}
		default:
			return "Must be true or false"
		}
	case "array":
		if rv := reflect.ValueOf(value); rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return "Must be a list"
		}
	case "map":
		if reflect.ValueOf(value).Kind() != reflect.Map {
			return "Must be an object"
		}
	default:
		s, ok := value.(string)
		if !ok {
			return ""
		}
		n := len([]rune(strings.TrimSpace(s)))
		if p.MinLength != nil && n < *p.MinLength {
			return fmt.Sprintf("Must be at least %d characters", *p.MinLength)
		}
		if p.MaxLength != nil && n > *p.MaxLength {
			return fmt.Sprintf("Must be at most %d characters", *p.MaxLength)
		}
	}
	return ""
}

func checkAllowed(p catalog.Parameter, value any) string {
	if len(p.AllowedValues) == 0 {
		return ""
	}
	for _, a := range p.AllowedValues {
		if sameValue(a, value) {
			return ""
		}
	}
	opts := make([]string, 0, len(p.AllowedValues))
	for _, a := range p.AllowedValues {
		opts = append(opts, fmt.Sprint(a))
	}
	return "Must be one of: " + strings.Join(opts, ", ")
}

func sameValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if _, isStr := a.(string); !isStr {
			fb, ok := toFloat(b)
			return ok && fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func checkPattern(p catalog.Parameter, value any) string {
	if p.Pattern == "" {
		return ""
	}
	s, ok := value.(string)
	if !ok {
		return ""
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return ""
	}
	if !re.MatchString(s) {
		if p.ValidationMessage != "" {
			return p.ValidationMessage
		}
		return "Invalid format"
	}
	return ""
}
