// Package compiler turns a JSON workflow definition into a validated,
// indegree-annotated model.WorkflowDefinition: cross-reference checks,
// cycle detection via DFS, dependency-count computation, and terminal-ref
// marking.
package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/lyzr/flowengine/model"
)

// WorkflowSchema is the wire shape of a workflow definition, matching the
// JSON format in the external-interfaces section of the engine contract.
type WorkflowSchema struct {
	Version          int                         `json:"version"`
	Title            string                      `json:"title"`
	Entrypoint       EntrypointRef               `json:"entrypoint"`
	Nodes            map[string]NodeSchema       `json:"nodes"`
	Edges            []EdgeSchema                `json:"edges"`
	DependencyCounts map[string]int              `json:"dependencyCounts"`
	Actions          []ActionSchema              `json:"actions"`
	Config           ConfigSchema                `json:"config"`
}

// EntrypointRef names the action that receives runtime inputs.
type EntrypointRef struct {
	Ref string `json:"ref"`
}

// NodeSchema is the wire shape of model.NodeMetadata.
type NodeSchema struct {
	Ref            string `json:"ref"`
	Label          string `json:"label,omitempty"`
	JoinStrategy   string `json:"joinStrategy,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	StreamID       string `json:"streamId,omitempty"`
}

// EdgeSchema is the wire shape of model.Edge.
type EdgeSchema struct {
	ID           string `json:"id"`
	SourceRef    string `json:"sourceRef"`
	TargetRef    string `json:"targetRef"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Kind         string `json:"kind"`
}

// InputMappingSchema is the wire shape of one entry of an action's
// inputMappings map.
type InputMappingSchema struct {
	SourceRef    string `json:"sourceRef"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// RetryPolicySchema is the wire shape of model.RetryPolicy.
type RetryPolicySchema struct {
	MaxAttempts int  `json:"maxAttempts"`
	Retryable   bool `json:"retryable"`
}

// ActionSchema is the wire shape of model.Action.
type ActionSchema struct {
	Ref            string                        `json:"ref"`
	ComponentID    string                        `json:"componentId"`
	Params         map[string]any                `json:"params,omitempty"`
	InputOverrides map[string]any                `json:"inputOverrides,omitempty"`
	DependsOn      []string                      `json:"dependsOn,omitempty"`
	InputMappings  map[string]InputMappingSchema `json:"inputMappings,omitempty"`
	RetryPolicy    *RetryPolicySchema            `json:"retryPolicy,omitempty"`
}

// ConfigSchema is the wire shape of model.WorkflowConfig.
type ConfigSchema struct {
	Environment          string `json:"environment"`
	TimeoutSeconds       int    `json:"timeoutSeconds"`
	SoftFailurePredicate string `json:"softFailurePredicate,omitempty"`
}

// Parse decodes raw JSON into a WorkflowSchema without validating it.
func Parse(raw []byte) (*WorkflowSchema, error) {
	var schema WorkflowSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, &model.ValidationError{Field: "definition", Message: err.Error()}
	}
	return &schema, nil
}

// Compile validates schema and produces the immutable WorkflowDefinition
// the scheduler consumes: cross-reference checks, cycle detection via DFS,
// dependency-count computation, and terminal-ref marking.
func Compile(schema *WorkflowSchema) (*model.WorkflowDefinition, error) {
	def := &model.WorkflowDefinition{
		Version:          fmt.Sprintf("%d", schema.Version),
		Title:            schema.Title,
		EntrypointRef:    schema.Entrypoint.Ref,
		Nodes:            make(map[string]*model.NodeMetadata, len(schema.Nodes)),
		Edges:            make([]model.Edge, 0, len(schema.Edges)),
		DependencyCounts: make(map[string]int, len(schema.Actions)),
		Actions:          make(map[string]*model.Action, len(schema.Actions)),
		ActionOrder:      make([]string, 0, len(schema.Actions)),
		Config: model.WorkflowConfig{
			Environment:          schema.Config.Environment,
			TimeoutSeconds:       schema.Config.TimeoutSeconds,
			SoftFailurePredicate: schema.Config.SoftFailurePredicate,
		},
	}

	for ref, n := range schema.Nodes {
		def.Nodes[ref] = &model.NodeMetadata{
			Ref:            ref,
			Label:          n.Label,
			JoinStrategy:   model.JoinStrategy(n.JoinStrategy),
			MaxConcurrency: n.MaxConcurrency,
			GroupID:        n.GroupID,
			StreamID:       n.StreamID,
		}
	}

	for _, a := range schema.Actions {
		if _, exists := def.Actions[a.Ref]; exists {
			return nil, &model.ValidationError{Ref: a.Ref, Field: "ref", Message: "duplicate action ref"}
		}
		action := &model.Action{
			Ref:            a.Ref,
			ComponentID:    a.ComponentID,
			Params:         a.Params,
			InputOverrides: a.InputOverrides,
			DependsOn:      a.DependsOn,
			RetryPolicy:    nil,
		}
		if a.RetryPolicy != nil {
			action.RetryPolicy = &model.RetryPolicy{
				MaxAttempts: a.RetryPolicy.MaxAttempts,
				Retryable:   a.RetryPolicy.Retryable,
			}
		}
		if len(a.InputMappings) > 0 {
			action.InputMappings = make(map[string]model.InputMapping, len(a.InputMappings))
			for target, m := range a.InputMappings {
				action.InputMappings[target] = model.InputMapping{
					SourceRef:    m.SourceRef,
					SourceHandle: m.SourceHandle,
				}
			}
		}
		def.Actions[a.Ref] = action
		def.ActionOrder = append(def.ActionOrder, a.Ref)
		if _, ok := def.Nodes[a.Ref]; !ok {
			def.Nodes[a.Ref] = &model.NodeMetadata{Ref: a.Ref}
		}
	}

	for _, e := range schema.Edges {
		edge := model.Edge{
			ID:           e.ID,
			SourceRef:    e.SourceRef,
			TargetRef:    e.TargetRef,
			SourceHandle: e.SourceHandle,
			TargetHandle: e.TargetHandle,
			Kind:         model.EdgeKind(e.Kind),
		}
		if edge.Kind != model.EdgeSuccess && edge.Kind != model.EdgeError {
			return nil, &model.ValidationError{Ref: e.ID, Field: "kind", Message: fmt.Sprintf("unknown edge kind %q", e.Kind)}
		}
		def.Edges = append(def.Edges, edge)
	}

	if err := validateReferences(def); err != nil {
		return nil, err
	}

	if len(schema.DependencyCounts) > 0 {
		for ref, n := range schema.DependencyCounts {
			def.DependencyCounts[ref] = n
		}
	} else {
		computeDependencyCounts(def)
	}

	if err := detectCycles(def); err != nil {
		return nil, err
	}

	def.SetOutgoingIndex()

	if def.EntrypointRef == "" {
		return nil, &model.ValidationError{Field: "entrypoint", Message: "entrypoint ref is required"}
	}
	if _, ok := def.Actions[def.EntrypointRef]; !ok {
		return nil, &model.ValidationError{Ref: def.EntrypointRef, Field: "entrypoint", Message: "entrypoint ref does not name an action"}
	}

	return def, nil
}

// validateReferences checks that every edge and dependsOn entry names a
// declared action.
func validateReferences(def *model.WorkflowDefinition) error {
	for _, e := range def.Edges {
		if _, ok := def.Actions[e.SourceRef]; !ok {
			return &model.ValidationError{Ref: e.ID, Field: "sourceRef", Message: fmt.Sprintf("edge references non-existent action %q", e.SourceRef)}
		}
		if _, ok := def.Actions[e.TargetRef]; !ok {
			return &model.ValidationError{Ref: e.ID, Field: "targetRef", Message: fmt.Sprintf("edge references non-existent action %q", e.TargetRef)}
		}
	}
	for ref, action := range def.Actions {
		for _, dep := range action.DependsOn {
			if _, ok := def.Actions[dep]; !ok {
				return &model.ValidationError{Ref: ref, Field: "dependsOn", Message: fmt.Sprintf("depends on non-existent action %q", dep)}
			}
		}
		for target, mapping := range action.InputMappings {
			if _, ok := def.Actions[mapping.SourceRef]; !ok {
				return &model.ValidationError{Ref: ref, Field: target, Message: fmt.Sprintf("input mapping sources non-existent action %q", mapping.SourceRef)}
			}
			if !containsString(action.DependsOn, mapping.SourceRef) {
				return &model.ValidationError{Ref: ref, Field: target, Message: fmt.Sprintf("input mapping source %q is not listed in dependsOn", mapping.SourceRef)}
			}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// computeDependencyCounts derives ref -> indegree from dependsOn when the
// wire definition omits an explicit dependencyCounts map.
func computeDependencyCounts(def *model.WorkflowDefinition) {
	for ref, action := range def.Actions {
		def.DependencyCounts[ref] = len(action.DependsOn)
	}
}

// detectCycles runs a DFS cycle check over the dependsOn graph.
func detectCycles(def *model.WorkflowDefinition) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Actions))

	var visit func(ref string) error
	visit = func(ref string) error {
		color[ref] = gray
		for _, dep := range def.Actions[ref].DependsOn {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				return &model.ValidationError{Ref: ref, Field: "dependsOn", Message: fmt.Sprintf("cycle detected through %q", dep)}
			}
		}
		color[ref] = black
		return nil
	}

	for ref := range def.Actions {
		if color[ref] == white {
			if err := visit(ref); err != nil {
				return err
			}
		}
	}
	return nil
}
