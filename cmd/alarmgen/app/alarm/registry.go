// Copyright (c) 2017 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alarm implements the pluggable per-table alarm evaluators. The
// source loads these dynamically by name via stevedore's hook manager; Go
// has no equivalent runtime plugin-discovery mechanism worth reaching for
// here, so evaluators are registered into a static table at process start,
// keyed by UVE table, preserving the "one bad evaluator never blocks the
// others" contract from the source's fail_cb.
package alarm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jaegertracing/jaeger-alarmgen/model"
)

// Evaluator inspects one UVE's current sub-records and decides whether an
// alarm condition holds. ok=false means "no alarm from this evaluator".
type Evaluator func(key model.Key, current map[string]any) (alarmType string, severity model.Severity, description []model.Description, ok bool)

// Named pairs an Evaluator with the name used in load-failure logging, the
// Go analogue of the entry-point name stevedore reports.
type Named struct {
	Name string
	Eval Evaluator
}

// Registry maps table -> the evaluators configured for it.
type Registry struct {
	logger  *zap.Logger
	byTable map[string][]Named
}

// NewRegistry builds an empty registry for the given closed table set; call
// Register to populate it before evaluation starts.
func NewRegistry(logger *zap.Logger, tables []string) *Registry {
	r := &Registry{logger: logger, byTable: make(map[string][]Named, len(tables))}
	for _, t := range tables {
		r.byTable[t] = nil
	}
	return r
}

// Register adds an evaluator for a table. Tables outside the configured
// closed set are accepted as well: their evaluators are stored, run by
// Evaluate for that table, and the table is then listed by Tables().
func (r *Registry) Register(table string, n Named) {
	r.byTable[table] = append(r.byTable[table], n)
	r.logger.Info("loaded alarm evaluator",
		zap.String("table", table), zap.String("evaluator", n.Name))
}

// RegisterFailed logs a load failure for one evaluator without affecting
// any other registration, mirroring Controller.fail_cb.
func (r *Registry) RegisterFailed(table, name string, err error) {
	r.logger.Info("load failed for alarm evaluator",
		zap.String("table", table), zap.String("evaluator", name), zap.Error(err))
}

// Result is one non-empty evaluation outcome.
type Result struct {
	Type        string
	Severity    model.Severity
	Description []model.Description
}

// Evaluate runs every evaluator registered for table against the UVE's
// current contents and collects the non-empty results. A panicking
// evaluator is recovered, logged, and treated as "no alarm" for that
// evaluator only, so one bad rule cannot take down the table's other rules
// or the compression loop itself.
func (r *Registry) Evaluate(table string, key model.Key, current map[string]any) []Result {
	evaluators := r.byTable[table]
	if len(evaluators) == 0 {
		return nil
	}
	results := make([]Result, 0, len(evaluators))
	for _, n := range evaluators {
		res, ok := r.safeInvoke(n, key, current)
		if ok {
			results = append(results, res)
		}
	}
	return results
}

func (r *Registry) safeInvoke(n Named, key model.Key, current map[string]any) (res Result, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("alarm evaluator panicked",
				zap.String("evaluator", n.Name), zap.String("uve", key.String()),
				zap.Any("panic", p))
			ok = false
		}
	}()
	typ, sev, desc, matched := n.Eval(key, current)
	if !matched {
		return Result{}, false
	}
	return Result{Type: typ, Severity: sev, Description: desc}, true
}

// Tables returns every table this registry knows about (the configured set
// plus any table an evaluator was registered for), in no particular order.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.byTable))
	for t := range r.byTable {
		out = append(out, t)
	}
	return out
}

// ErrUnknownTable is returned by callers that look up a table outside the
// closed configured set.
func ErrUnknownTable(table string) error {
	return fmt.Errorf("alarmgen: unknown UVE table %q", table)
}
