// Package policy authorizes table requests with CEL expressions.
//
// A rule grants an ability on an entity type when its expression evaluates to
// true. Expressions see these variables:
//
//	actor     map: id, roles, attributes
//	entity    string: the entity type checked
//	ability   string: the ability checked, e.g. "viewAny" or "edit"
//	instance  bool: whether a single record is checked
//	record    map: the record, empty unless instance is true
//
// Rules are looked up from the most to the least specific key:
// (entity, ability), (entity, "*"), ("*", ability), ("*", "*"). The first key
// with rules decides and any of its rules may grant. Without a matching rule
// the ability is denied.
package policy

import (
	"context"
	"fmt"
	"reflect"

	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common"
	"go.uber.org/zap"
)

// Wildcard matches any entity type or ability.
const Wildcard = "*"

// Rule is one grant.
type Rule struct {
	Entity     string `json:"entity" mapstructure:"entity"`
	Ability    string `json:"ability" mapstructure:"ability"`
	Expression string `json:"expression" mapstructure:"expression"`
}

func (r Rule) name() string {
	return r.Entity + "/" + r.Ability
}

type key struct {
	entity  string
	ability string
}

// Engine is a table.Authorizer backed by compiled rules.
type Engine struct {
	env    *cel.Env
	rules  map[key][]cel.Program
	logger *zap.Logger
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New compiles rules. Entity and ability default to the wildcard.
func New(rules []Rule, opts ...Option) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("entity", cel.StringType),
		cel.Variable("ability", cel.StringType),
		cel.Variable("instance", cel.BoolType),
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, &CompilationError{Cause: err}
	}

	e := &Engine{env: env, rules: make(map[key][]cel.Program), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	for _, r := range rules {
		if r.Entity == "" {
			r.Entity = Wildcard
		}
		if r.Ability == "" {
			r.Ability = Wildcard
		}
		prg, err := e.compile(r)
		if err != nil {
			return nil, err
		}
		k := key{entity: r.Entity, ability: r.Ability}
		e.rules[k] = append(e.rules[k], prg)
	}
	return e, nil
}

func (e *Engine) compile(r Rule) (cel.Program, error) {
	ast, issues := e.env.CompileSource(common.NewStringSource(r.Expression, r.name()))
	if issues != nil {
		if err := issues.Err(); err != nil {
			return nil, &CompilationError{Rule: r.name(), Cause: err}
		}
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, &CompilationError{
			Rule:  r.name(),
			Cause: fmt.Errorf("expected a bool expression output, but got '%s'", ast.OutputType()),
		}
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, &CompilationError{Rule: r.name(), Cause: fmt.Errorf("program construction: %w", err)}
	}
	return prg, nil
}

func (e *Engine) lookup(entity, ability string) []cel.Program {
	for _, k := range []key{
		{entity, ability},
		{entity, Wildcard},
		{Wildcard, ability},
		{Wildcard, Wildcard},
	} {
		if prgs, ok := e.rules[k]; ok {
			return prgs
		}
	}
	return nil
}

// Can implements table.Authorizer.
func (e *Engine) Can(ctx context.Context, actor table.Actor, ability string, subject table.Subject) (bool, error) {
	prgs := e.lookup(string(subject.Type), ability)
	if len(prgs) == 0 {
		e.logger.Debug("no rule", zap.String("entity", string(subject.Type)), zap.String("ability", ability))
		return false, nil
	}

	record := map[string]any(subject.Record)
	if record == nil {
		record = map[string]any{}
	}
	roles := actor.Roles
	if roles == nil {
		roles = []string{}
	}
	attributes := actor.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}
	vars := map[string]any{
		"actor": map[string]any{
			"id":         actor.ID,
			"roles":      roles,
			"attributes": attributes,
		},
		"entity":   string(subject.Type),
		"ability":  ability,
		"instance": subject.IsInstance(),
		"record":   record,
	}

	for _, prg := range prgs {
		out, _, err := prg.ContextEval(ctx, vars)
		if err != nil {
			return false, &EvaluationError{Ability: ability, Entity: string(subject.Type), Cause: err}
		}
		granted, err := out.ConvertToNative(reflect.TypeOf(false))
		if err != nil {
			return false, &EvaluationError{Ability: ability, Entity: string(subject.Type), Cause: err}
		}
		if granted.(bool) {
			return true, nil
		}
	}
	return false, nil
}

// CompilationError is returned by New for an invalid rule.
type CompilationError struct {
	Rule  string
	Cause error
}

func (e *CompilationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("policy: %v", e.Cause)
	}
	return fmt.Sprintf("policy: rule %s: %v", e.Rule, e.Cause)
}

func (e *CompilationError) Unwrap() error { return e.Cause }

// EvaluationError is returned by Can when a rule fails at runtime, e.g. on a
// missing record field.
type EvaluationError struct {
	Ability string
	Entity  string
	Cause   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("policy: evaluating %s on %s: %v", e.Ability, e.Entity, e.Cause)
}

func (e *EvaluationError) Unwrap() error { return e.Cause }
