package attributes

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ongy/conntracker/internal/config"
	"github.com/Ongy/conntracker/internal/event"
)

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
}

// typeEnv declares the variables expressions may use and their types.
var typeEnv = map[string]interface{}{
	"kind":        "",
	"proto":       "",
	"src":         "",
	"dst":         "",
	"sport":       0,
	"dport":       0,
	"reply_src":   "",
	"reply_dst":   "",
	"reply_sport": 0,
	"reply_dport": 0,
	"zone":        0,
	"mark":        0,
	"tcp_state":   "",
	"status":      []string{},
	"nat":         false,
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions for efficiency.
func NewEvaluator(customAttrs []config.CustomAttribute) (*Evaluator, error) {
	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(typeEnv))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
	}, nil
}

// Environment builds the evaluation environment for a connection event.
func Environment(ev event.Event) map[string]interface{} {
	status := ev.Payload.Status.Names()
	if status == nil {
		status = []string{}
	}

	return map[string]interface{}{
		"kind":        ev.Kind.String(),
		"proto":       ev.Tuple.ProtocolName(),
		"src":         addrString(ev.Tuple.Src.Addr().IsValid(), ev.Tuple.Src.Addr().String()),
		"dst":         addrString(ev.Tuple.Dst.Addr().IsValid(), ev.Tuple.Dst.Addr().String()),
		"sport":       int(ev.Tuple.Src.Port()),
		"dport":       int(ev.Tuple.Dst.Port()),
		"reply_src":   addrString(ev.Reply.Src.Addr().IsValid(), ev.Reply.Src.Addr().String()),
		"reply_dst":   addrString(ev.Reply.Dst.Addr().IsValid(), ev.Reply.Dst.Addr().String()),
		"reply_sport": int(ev.Reply.Src.Port()),
		"reply_dport": int(ev.Reply.Dst.Port()),
		"zone":        int(ev.Payload.Zone),
		"mark":        int(ev.Payload.Mark),
		"tcp_state":   ev.Payload.TCPState.String(),
		"status":      status,
		"nat":         ev.NATed(),
	}
}

func addrString(valid bool, s string) string {
	if !valid {
		return ""
	}
	return s
}

// Attributes evaluates the custom attributes for a connection event. Evaluation
// failures are reported as _tracing_warning_N attributes on the span.
func (e *Evaluator) Attributes(ev event.Event) []attribute.KeyValue {
	if len(e.customAttrs) == 0 {
		return nil
	}

	attrs, issues := e.EvaluateCustomAttributes(Environment(ev))
	for i, issue := range issues {
		attrs = append(attrs, attribute.String(fmt.Sprintf("_tracing_warning_%d", i), issue))
	}
	return attrs
}

// EvaluateCustomAttributes evaluates custom attribute expressions against env.
// It returns the evaluated attributes and one message per expression that failed.
func (e *Evaluator) EvaluateCustomAttributes(env map[string]interface{}) ([]attribute.KeyValue, []string) {
	var (
		attrs  []attribute.KeyValue
		issues []string
	)
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			issues = append(issues, fmt.Sprintf("attribute %q: %v", customAttr.Name, err))
			continue
		}
		if output == nil {
			continue
		}

		// Maps expand into one attribute per key with dot notation
		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() != reflect.Map {
			attrs = append(attrs, toAttribute(customAttr.Name, output))
			continue
		}

		keys := outputValue.MapKeys()
		sort.Slice(keys, func(a, b int) bool {
			return fmt.Sprint(keys[a].Interface()) < fmt.Sprint(keys[b].Interface())
		})
		for _, key := range keys {
			attrName := customAttr.Name + "." + sanitizeAttributeName(fmt.Sprint(key.Interface()))
			attrs = append(attrs, toAttribute(attrName, outputValue.MapIndex(key).Interface()))
		}
	}

	return attrs, issues
}

// toAttribute keeps scalar types and formats everything else with %v.
func toAttribute(name string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case bool:
		return attribute.Bool(name, v)
	case int:
		return attribute.Int(name, v)
	case int64:
		return attribute.Int64(name, v)
	case float64:
		return attribute.Float64(name, v)
	case string:
		return attribute.String(name, v)
	case []string:
		return attribute.StringSlice(name, v)
	default:
		return attribute.String(name, fmt.Sprintf("%v", v))
	}
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
// This ensures attribute names are safe for OpenTelemetry.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
