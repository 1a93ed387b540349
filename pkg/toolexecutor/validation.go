package toolexecutor

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
)

// Validation issue codes.
const (
	CodeMissingParameter = "missing_parameter"
	CodeTypeMismatch     = "type_mismatch"
	CodeOutOfRange       = "out_of_range"
	CodeInvalidLength    = "invalid_length"
	CodePatternMismatch  = "pattern_mismatch"
	CodeInvalidEnum      = "invalid_enum_value"
	CodeInvalidURL       = "invalid_url"
	CodeSchemaViolation  = "schema_violation"
	CodeInvalidRule      = "invalid_rule"
	CodeUnknownParameter = "unknown_parameter"
)

const validatorCacheSize = 256

// Validator checks parameter maps against tool schemas. Compiled JSON
// schemas and patterns are cached; Validate is safe for concurrent use.
type Validator struct {
	schemas  *lru.Cache[string, *gojsonschema.Schema]
	patterns *lru.Cache[string, *regexp.Regexp]
}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	schemas, _ := lru.New[string, *gojsonschema.Schema](validatorCacheSize)
	patterns, _ := lru.New[string, *regexp.Regexp](validatorCacheSize)
	return &Validator{schemas: schemas, patterns: patterns}
}

// Validate checks params against the declared parameters of tool. Every
// violation is collected; unknown parameters only produce warnings.
func (v *Validator) Validate(tool *Tool, params map[string]interface{}) *ValidationResult {
	result := &ValidationResult{NormalizedParameters: make(map[string]interface{}, len(params))}
	if tool == nil {
		result.Errors = append(result.Errors, ValidationIssue{Code: CodeInvalidRule, Message: "tool is nil"})
		return result
	}

	declared := make(map[string]struct{}, len(tool.Parameters))
	for _, param := range tool.Parameters {
		declared[param.Name] = struct{}{}

		value, present := params[param.Name]
		if !present || value == nil {
			switch {
			case param.Default != nil:
				result.NormalizedParameters[param.Name] = cloneValue(param.Default)
			case param.Required:
				result.Errors = append(result.Errors, ValidationIssue{
					Parameter: param.Name,
					Code:      CodeMissingParameter,
					Message:   fmt.Sprintf("required parameter %q is missing", param.Name),
					Expected:  param.Type.String(),
					Actual:    "null",
				})
			}
			continue
		}

		normalized, issues := v.checkValue(param.Name, param.Type, value)
		if len(issues) == 0 && param.Rules != nil {
			issues = v.checkRules(param.Name, param.Type, param.Rules, normalized)
		}
		result.Errors = append(result.Errors, issues...)
		result.NormalizedParameters[param.Name] = normalized
	}

	unknown := make([]string, 0)
	for name := range params {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		result.Warnings = append(result.Warnings, ValidationIssue{
			Parameter: name,
			Code:      CodeUnknownParameter,
			Message:   fmt.Sprintf("parameter %q is not declared by tool %s", name, tool.ID),
			Actual:    describeType(params[name]),
		})
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func (v *Validator) checkValue(name string, typ ParameterType, value interface{}) (interface{}, []ValidationIssue) {
	mismatch := func() (interface{}, []ValidationIssue) {
		return value, []ValidationIssue{{
			Parameter: name,
			Code:      CodeTypeMismatch,
			Message:   fmt.Sprintf("parameter %q must be %s, got %s", name, typ.String(), describeType(value)),
			Expected:  typ.String(),
			Actual:    describeType(value),
		}}
	}

	switch typ.Kind {
	case ParamString, ParamFilePath:
		if _, ok := value.(string); !ok {
			return mismatch()
		}
		return value, nil

	case ParamURL:
		s, ok := value.(string)
		if !ok {
			return mismatch()
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return value, []ValidationIssue{{
				Parameter: name,
				Code:      CodeInvalidURL,
				Message:   fmt.Sprintf("parameter %q is not an absolute URL", name),
				Expected:  "absolute url",
				Actual:    s,
			}}
		}
		return s, nil

	case ParamInteger:
		n, ok := toInt64(value)
		if !ok {
			return mismatch()
		}
		return n, nil

	case ParamFloat:
		f, ok := toFloat64(value)
		if !ok {
			return mismatch()
		}
		return f, nil

	case ParamBoolean:
		if _, ok := value.(bool); !ok {
			return mismatch()
		}
		return value, nil

	case ParamEnum:
		s, ok := value.(string)
		if !ok {
			return mismatch()
		}
		for _, allowed := range typ.Values {
			if s == allowed {
				return s, nil
			}
		}
		return s, []ValidationIssue{{
			Parameter: name,
			Code:      CodeInvalidEnum,
			Message:   fmt.Sprintf("parameter %q must be one of %v", name, typ.Values),
			Expected:  typ.String(),
			Actual:    s,
		}}

	case ParamArray:
		items, ok := toSlice(value)
		if !ok {
			return mismatch()
		}
		if typ.Items == nil {
			return items, nil
		}
		var issues []ValidationIssue
		for i, item := range items {
			normalized, itemIssues := v.checkValue(fmt.Sprintf("%s[%d]", name, i), *typ.Items, item)
			items[i] = normalized
			issues = append(issues, itemIssues...)
		}
		return items, issues

	case ParamObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return mismatch()
		}
		return value, v.checkSchema(name, typ.Schema, value)

	case ParamJSON:
		if s, ok := value.(string); ok {
			var decoded interface{}
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return mismatch()
			}
			value = decoded
		}
		return value, v.checkSchema(name, typ.Schema, value)

	default:
		return value, []ValidationIssue{{
			Parameter: name,
			Code:      CodeInvalidRule,
			Message:   fmt.Sprintf("parameter %q declares unknown type %q", name, typ.Kind),
		}}
	}
}

func (v *Validator) checkRules(name string, typ ParameterType, rules *ValidationRules, value interface{}) []ValidationIssue {
	var issues []ValidationIssue

	if num, ok := toFloat64(value); ok && (typ.Kind == ParamInteger || typ.Kind == ParamFloat) {
		if rules.Min != nil && num < *rules.Min {
			issues = append(issues, ValidationIssue{
				Parameter: name, Code: CodeOutOfRange,
				Message:  fmt.Sprintf("parameter %q must be >= %v", name, *rules.Min),
				Expected: fmt.Sprintf(">= %v", *rules.Min), Actual: fmt.Sprint(value),
			})
		}
		if rules.Max != nil && num > *rules.Max {
			issues = append(issues, ValidationIssue{
				Parameter: name, Code: CodeOutOfRange,
				Message:  fmt.Sprintf("parameter %q must be <= %v", name, *rules.Max),
				Expected: fmt.Sprintf("<= %v", *rules.Max), Actual: fmt.Sprint(value),
			})
		}
	}

	length := -1
	switch val := value.(type) {
	case string:
		length = utf8.RuneCountInString(val)
	case []interface{}:
		length = len(val)
	}
	if length >= 0 {
		if rules.MinLength != nil && length < *rules.MinLength {
			issues = append(issues, ValidationIssue{
				Parameter: name, Code: CodeInvalidLength,
				Message:  fmt.Sprintf("parameter %q must have length >= %d", name, *rules.MinLength),
				Expected: fmt.Sprintf("length >= %d", *rules.MinLength), Actual: fmt.Sprintf("length %d", length),
			})
		}
		if rules.MaxLength != nil && length > *rules.MaxLength {
			issues = append(issues, ValidationIssue{
				Parameter: name, Code: CodeInvalidLength,
				Message:  fmt.Sprintf("parameter %q must have length <= %d", name, *rules.MaxLength),
				Expected: fmt.Sprintf("length <= %d", *rules.MaxLength), Actual: fmt.Sprintf("length %d", length),
			})
		}
	}

	if s, ok := value.(string); ok && rules.Pattern != "" {
		re, err := v.pattern(rules.Pattern)
		if err != nil {
			issues = append(issues, ValidationIssue{
				Parameter: name, Code: CodeInvalidRule,
				Message: fmt.Sprintf("parameter %q has invalid pattern: %v", name, err),
			})
		} else if !re.MatchString(s) {
			issues = append(issues, ValidationIssue{
				Parameter: name, Code: CodePatternMismatch,
				Message:  fmt.Sprintf("parameter %q does not match %s", name, rules.Pattern),
				Expected: rules.Pattern, Actual: s,
			})
		}
	}

	return issues
}

func (v *Validator) checkSchema(name string, schema map[string]interface{}, value interface{}) []ValidationIssue {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := v.schema(schema)
	if err != nil {
		return []ValidationIssue{{
			Parameter: name, Code: CodeInvalidRule,
			Message: fmt.Sprintf("parameter %q has invalid schema: %v", name, err),
		}}
	}
	res, err := compiled.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return []ValidationIssue{{
			Parameter: name, Code: CodeSchemaViolation,
			Message: fmt.Sprintf("parameter %q could not be checked: %v", name, err),
		}}
	}
	var issues []ValidationIssue
	for _, desc := range res.Errors() {
		issues = append(issues, ValidationIssue{
			Parameter: name + "." + desc.Field(),
			Code:      CodeSchemaViolation,
			Message:   desc.Description(),
			Expected:  desc.Type(),
			Actual:    describeType(desc.Value()),
		})
	}
	return issues
}

func (v *Validator) schema(schema map[string]interface{}) (*gojsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	if compiled, ok := v.schemas.Get(key); ok {
		return compiled, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	v.schemas.Add(key, compiled)
	return compiled, nil
}

func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	if re, ok := v.patterns.Get(expr); ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	v.patterns.Add(expr, re)
	return re, nil
}

func toInt64(value interface{}) (int64, bool) {
	switch n := value.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

func toFloat64(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool, string, nil:
		return 0, false
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}

// cloneValue copies decoded JSON containers so callers cannot reach back
// into a tool definition.
func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}

func toSlice(value interface{}) ([]interface{}, bool) {
	if items, ok := value.([]interface{}); ok {
		out := make([]interface{}, len(items))
		copy(out, items)
		return out, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func describeType(value interface{}) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case map[string]interface{}:
		return "object"
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	}
	return fmt.Sprintf("%T", value)
}
