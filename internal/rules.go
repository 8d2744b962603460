package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"

	"benchrelay/pkg/relay"
)

// Filter is an extra acceptance condition evaluated against the webhook payload.
type Filter struct {
	When string `yaml:"when"`
}

// FiltersConfig configures a FilterEngine.
type FiltersConfig struct {
	Filters []Filter
	Strict  bool
	Logger  *log.Logger
}

type compiledFilter struct {
	source string
	expr   *govaluate.EvaluableExpression
	params map[string]pathRef
}

// pathRef is a variable rewritten out of the expression text.
type pathRef struct {
	path     string
	jsonPath bool
}

// valueList keeps govaluate from splicing array values into function arguments.
type valueList []interface{}

// FilterEngine evaluates every configured filter; all must match.
type FilterEngine struct {
	filters []compiledFilter
	strict  bool
	logger  *log.Logger
}

var filterFunctions = map[string]govaluate.ExpressionFunction{
	"contains": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("contains expects (list, value)")
		}
		list, ok := args[0].(valueList)
		if !ok {
			if s, isString := args[0].(string); isString {
				needle, _ := args[1].(string)
				return strings.Contains(s, needle), nil
			}
			return false, nil
		}
		for _, item := range list {
			if reflect.DeepEqual(item, args[1]) {
				return true, nil
			}
			if obj, isObj := item.(map[string]interface{}); isObj && obj["name"] == args[1] {
				return true, nil
			}
		}
		return false, nil
	},
}

// NewFilterEngine compiles the configured filters.
func NewFilterEngine(cfg FiltersConfig) (*FilterEngine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	filters := make([]compiledFilter, 0, len(cfg.Filters))
	for i, filter := range cfg.Filters {
		rewritten, params, err := rewriteExpression(filter.When)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, filterFunctions)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		filters = append(filters, compiledFilter{source: filter.When, expr: expr, params: params})
	}
	return &FilterEngine{filters: filters, strict: cfg.Strict, logger: logger}, nil
}

// Len returns the number of compiled filters.
func (f *FilterEngine) Len() int {
	return len(f.filters)
}

// Matches implements relay.Condition.
func (f *FilterEngine) Matches(event relay.TriggerEvent) (bool, error) {
	if len(f.filters) == 0 {
		return true, nil
	}
	var object interface{}
	if err := json.Unmarshal(event.Raw(), &object); err != nil {
		if f.strict {
			return false, fmt.Errorf("decode payload: %w", err)
		}
		return false, nil
	}
	flat := map[string]interface{}{}
	if objectMap, ok := object.(map[string]interface{}); ok {
		flat = Flatten(objectMap)
	}

	for _, filter := range f.filters {
		ok, err := filter.evaluate(object, flat)
		if err != nil {
			if f.strict {
				return false, fmt.Errorf("filter %q: %w", filter.source, err)
			}
			f.logger.Printf("filter eval failed: when=%q err=%v", filter.source, err)
			return false, nil
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c compiledFilter) evaluate(object interface{}, flat map[string]interface{}) (bool, error) {
	params := make(map[string]interface{}, len(flat)+len(c.params))
	for key, value := range flat {
		if !strings.ContainsAny(key, ".[") {
			params[key] = wrapList(value)
		}
	}
	for name, ref := range c.params {
		if ref.jsonPath {
			value, err := jsonpath.Get(ref.path, object)
			if err != nil {
				return false, fmt.Errorf("resolve %s: %w", ref.path, err)
			}
			params[name] = wrapList(value)
			continue
		}
		value, ok := flat[ref.path]
		if !ok {
			return false, fmt.Errorf("no value at %s", ref.path)
		}
		params[name] = wrapList(value)
	}

	result, err := c.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("expression returned %T, want bool", result)
	}
	return ok, nil
}

func wrapList(value interface{}) interface{} {
	if list, ok := value.([]interface{}); ok {
		return valueList(list)
	}
	return value
}

// rewriteExpression replaces dotted, indexed and $-rooted paths with plain
// identifiers govaluate can resolve. Quoted strings are left untouched.
func rewriteExpression(expr string) (string, map[string]pathRef, error) {
	params := map[string]pathRef{}
	var out strings.Builder
	for i := 0; i < len(expr); {
		ch := expr[i]
		switch {
		case ch == '"' || ch == '\'':
			end := i + 1
			for end < len(expr) && expr[end] != ch {
				if expr[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(expr) {
				return "", nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			end++
			out.WriteString(expr[i:end])
			i = end
		case ch == '$' || isIdentStart(ch):
			end := scanPath(expr, i)
			token := expr[i:end]
			if ch == '$' || strings.ContainsAny(token, ".[") {
				name := fmt.Sprintf("path_%d", len(params))
				params[name] = pathRef{path: token, jsonPath: ch == '$'}
				out.WriteString(name)
			} else {
				out.WriteString(token)
			}
			i = end
		default:
			out.WriteByte(ch)
			i++
		}
	}
	return out.String(), params, nil
}

func scanPath(expr string, start int) int {
	i := start + 1
	for i < len(expr) {
		ch := expr[i]
		switch {
		case isIdentStart(ch) || (ch >= '0' && ch <= '9') || ch == '.' || ch == '*':
			i++
		case ch == '[':
			closing := strings.IndexByte(expr[i:], ']')
			if closing < 0 {
				return i
			}
			i += closing + 1
		default:
			return i
		}
	}
	return i
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
