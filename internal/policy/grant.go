// Package policy evaluates the CEL expression that decides who may open a
// grant proposal.
package policy

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
)

// GrantInput is the evaluation context exposed to grant policies.
type GrantInput struct {
	Credentials int64
	Reputation  int64
	Proposer    string
	Recipient   string
}

// GrantEvaluator compiles policies once and caches the programs.
type GrantEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewGrantEvaluator() (*GrantEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("credentials", cel.IntType),
		cel.Variable("reputation", cel.IntType),
		cel.Variable("proposer", cel.StringType),
		cel.Variable("recipient", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &GrantEvaluator{env: env, cache: map[string]cel.Program{}}, nil
}

// Check compiles expr and reports whether it is a valid boolean policy.
func (g *GrantEvaluator) Check(expr string) error {
	_, err := g.program(expr)
	return err
}

func (g *GrantEvaluator) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.cache[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, ok = g.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile grant policy: %w", issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("grant policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := g.env.Program(ast, cel.CostLimit(1000))
	if err != nil {
		return nil, fmt.Errorf("grant policy program: %w", err)
	}
	g.cache[expr] = prg
	return prg, nil
}

// Allow evaluates expr against in.
func (g *GrantEvaluator) Allow(expr string, in GrantInput) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"credentials": in.Credentials,
		"reputation":  in.Reputation,
		"proposer":    in.Proposer,
		"recipient":   in.Recipient,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate grant policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("grant policy returned %T", out.Value())
	}
	return allowed, nil
}
