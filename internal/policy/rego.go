package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/wardgate/wardgate/api"
)

// AnomalyRules evaluates operator-supplied Rego modules against a request
// summary and collects anomaly flags. Flags are attached to the decision as
// evidence only; the rule engine never changes an action because of them.
//
// Each module lives in package wardgate and contributes to an `anomalies`
// set of objects:
//
//	anomalies contains {"code": "off_hours", "message": "...", "severity": "low"} if { ... }
//
// Input available to the rules:
//
//	input.agent_id, input.agent_name: string
//	input.domain, input.method, input.path: string
//	input.body_bytes: number
//	input.first_contact: bool
//	input.secret_count: number
type AnomalyRules struct {
	mu    sync.RWMutex
	dir   string
	query rego.PreparedEvalQuery
	ready bool
}

// NewAnomalyRules compiles every .rego file under dir. A missing or empty
// directory yields an evaluator that always returns no flags.
func NewAnomalyRules(dir string) (*AnomalyRules, error) {
	r := &AnomalyRules{dir: dir}
	if err := r.Reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// NewAnomalyRulesFromSource compiles a single in-memory Rego module.
func NewAnomalyRulesFromSource(source string) (*AnomalyRules, error) {
	r := &AnomalyRules{}
	if err := r.loadModules(map[string]string{"anomalies.rego": source}); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the rules directory and recompiles.
func (r *AnomalyRules) Reload(_ context.Context) error {
	if r.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading anomaly rules directory: %w", err)
	}

	modules := map[string]string{}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			return fmt.Errorf("reading anomaly rule %s: %w", name, err)
		}
		modules[name] = string(data)
	}
	if len(modules) == 0 {
		r.mu.Lock()
		r.ready = false
		r.mu.Unlock()
		return nil
	}
	return r.loadModules(modules)
}

func (r *AnomalyRules) loadModules(modules map[string]string) error {
	opts := []func(*rego.Rego){
		rego.Query("data.wardgate.anomalies"),
		rego.Store(inmem.New()),
	}
	for name, source := range modules {
		if _, err := ast.ParseModuleWithOpts(name, source, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
			return fmt.Errorf("parsing anomaly rule %s: %w", name, err)
		}
		opts = append(opts, rego.Module(name, source))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing anomaly rules query: %w", err)
	}

	r.mu.Lock()
	r.query = query
	r.ready = true
	r.mu.Unlock()
	return nil
}

// Evaluate runs the rules against the request summary. Evaluation errors are
// returned to the caller, which treats them as a degraded signal rather than
// a decision.
func (r *AnomalyRules) Evaluate(ctx context.Context, input map[string]any) ([]api.AnomalyFlag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return nil, nil
	}

	rs, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("anomaly rules evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	items, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, nil
	}

	var flags []api.AnomalyFlag
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		flag := api.AnomalyFlag{Severity: api.SeverityLow}
		if v, ok := m["code"].(string); ok {
			flag.Code = v
		}
		if v, ok := m["message"].(string); ok {
			flag.Message = v
		}
		if v, ok := m["severity"].(string); ok {
			switch api.Severity(v) {
			case api.SeverityLow, api.SeverityMedium, api.SeverityHigh, api.SeverityCritical:
				flag.Severity = api.Severity(v)
			}
		}
		if flag.Code == "" {
			continue
		}
		flags = append(flags, flag)
	}
	return flags, nil
}
