// Package policyopa evaluates the witness admission policy with OPA.
package policyopa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"witness/internal/domain"
)

const admissionQuery = "data.witness.admission.result"

type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
	bundleID   string
}

func NewEngine(ctx context.Context, path, bundleID string) (*Engine, error) {
	hash, err := BundleHash(path)
	if err != nil {
		return nil, fmt.Errorf("hash admission policy: %w", err)
	}

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	prepared, err := rego.New(
		rego.Query(admissionQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Load([]string{path}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile admission policy: %w", err)
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Engine{query: prepared, bundleHash: hash, bundleID: bundleID}, nil
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

func (e *Engine) Evaluate(ctx context.Context, input domain.AdmissionInput) (domain.AdmissionEvaluation, error) {
	if e == nil {
		return domain.AdmissionEvaluation{}, errors.New("admission engine is nil")
	}
	if input.Keys == nil {
		input.Keys = []string{}
	}
	if input.Backers == nil {
		input.Backers = []string{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.AdmissionEvaluation{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.AdmissionEvaluation{}, errors.New("empty admission result")
	}
	result, err := decodeResult(results[0].Expressions[0].Value)
	if err != nil {
		return domain.AdmissionEvaluation{}, err
	}
	return domain.AdmissionEvaluation{
		BundleID:   e.bundleID,
		BundleHash: e.bundleHash,
		Result:     result,
	}, nil
}

// Admit returns nil when the policy allows the event, otherwise an error wrapping
// domain.ErrAdmissionDenied that lists the deny codes.
func (e *Engine) Admit(ctx context.Context, input domain.AdmissionInput) error {
	eval, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}
	if eval.Result.Allow && len(eval.Result.Deny) == 0 {
		return nil
	}
	codes := make([]string, 0, len(eval.Result.Deny))
	for _, d := range eval.Result.Deny {
		codes = append(codes, d.Code)
	}
	if len(codes) == 0 {
		return domain.ErrAdmissionDenied
	}
	return fmt.Errorf("%w: %s", domain.ErrAdmissionDenied, strings.Join(codes, ", "))
}

func decodeResult(value any) (domain.AdmissionResult, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.AdmissionResult{}, err
	}
	var result domain.AdmissionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return domain.AdmissionResult{}, fmt.Errorf("decode admission result: %w", err)
	}
	sort.Slice(result.Deny, func(i, j int) bool {
		if result.Deny[i].Code == result.Deny[j].Code {
			return result.Deny[i].Message < result.Deny[j].Message
		}
		return result.Deny[i].Code < result.Deny[j].Code
	})
	return result, nil
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; ok {
				return false
			}
			forbidden[name] = struct{}{}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins in admission policy: %s", strings.Join(names, ", "))
}
