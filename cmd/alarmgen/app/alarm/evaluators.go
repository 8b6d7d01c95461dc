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

package alarm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jaegertracing/jaeger-alarmgen/model"
)

// HighCPULoad raises a MAJOR alarm when the CpuInfo sub-record's "load"
// field exceeds threshold. This is the built-in evaluator for
// ObjectVRouter/ObjectBgpRouter-style tables, matching the HighLoad example
// traced through this system's test scenarios.
func HighCPULoad(threshold float64) Evaluator {
	return func(_ model.Key, current map[string]any) (string, model.Severity, []model.Description, bool) {
		cpu, ok := current["CpuInfo"].(map[string]any)
		if !ok {
			return "", "", nil, false
		}
		load, ok := cpu["load"].(float64)
		if !ok || load <= threshold {
			return "", "", nil, false
		}
		return "HighLoad", model.SeverityMajor, []model.Description{
			{Rule: "load>threshold", Value: fmt.Sprintf("%v", load)},
		}, true
	}
}

// ProcessStatusDown raises a CRITICAL alarm when a ProcessStatus sub-record
// reports a non-functional process, the ObjectCollectorInfo/ObjectDatabaseInfo
// table's canonical health signal.
func ProcessStatusDown() Evaluator {
	return func(_ model.Key, current map[string]any) (string, model.Severity, []model.Description, bool) {
		ps, ok := current["ProcessStatus"].(map[string]any)
		if !ok {
			return "", "", nil, false
		}
		state, _ := ps["state"].(string)
		if state == "" || state == "Functional" {
			return "", "", nil, false
		}
		return "ProcessStatusDown", model.SeverityCritical, []model.Description{
			{Rule: "state!=Functional", Value: state},
		}, true
	}
}

// NewDefaultRegistry builds the registry used in production, wiring the
// built-in evaluators above onto the tables they apply to.
func NewDefaultRegistry(logger *zap.Logger, tables []string) *Registry {
	r := NewRegistry(logger, tables)
	r.Register("ObjectVRouter", Named{Name: "high-cpu-load", Eval: HighCPULoad(1)})
	r.Register("ObjectBgpRouter", Named{Name: "high-cpu-load", Eval: HighCPULoad(80)})
	r.Register("ObjectCollectorInfo", Named{Name: "process-status", Eval: ProcessStatusDown()})
	r.Register("ObjectDatabaseInfo", Named{Name: "process-status", Eval: ProcessStatusDown()})
	return r
}
