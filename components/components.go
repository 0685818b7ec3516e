// Package components registers the reference component set: the
// entrypoint, plumbing components (echo, sleep, console.log, fail), an
// HTTP client with a secret-bearing auth port, a CEL-driven conditional
// exercising activeOutputPorts, and an approval gate exercising the
// awaiting-input sentinel. Together they cover the full component
// contract; real integrations register alongside them the same way.
package components

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/condition"
	"github.com/lyzr/flowengine/model"
)

// Deps carries the process-level collaborators the reference components
// close over at registration time.
type Deps struct {
	Conditions *condition.Evaluator
	Log        *logger.Logger
	HTTPClient *http.Client
}

// Register adds the reference component set to reg.
func Register(reg *model.Registry, deps Deps) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	reg.Register(entrypoint())
	reg.Register(echo())
	reg.Register(sleep())
	reg.Register(consoleLog())
	reg.Register(fail())
	reg.Register(httpRequest(deps))
	reg.Register(conditional(deps))
	reg.Register(approval())
}

func port(id string, kind model.ConnectionKind) model.Port {
	return model.Port{ID: id, ConnectionType: model.ConnectionType{Kind: kind}}
}

// entrypoint receives the run's runtime inputs under the reserved
// __runtimeData key and republishes them as its output, so downstream
// mappings can address runtime fields by handle.
func entrypoint() model.Component {
	return model.Component{
		ID:         model.EntrypointComponentID,
		Inputs:     model.Schema{Ports: []model.Port{port(model.RuntimeDataKey, model.KindJSON)}},
		Outputs:    model.Schema{},
		RunnerKind: model.RunnerInline,
		Execute: func(_ context.Context, _ *model.ExecutionContext, inputs, _ map[string]any) (map[string]any, error) {
			out := make(map[string]any)
			if data, ok := inputs[model.RuntimeDataKey].(map[string]any); ok {
				for k, v := range data {
					out[k] = v
				}
			}
			return out, nil
		},
	}
}

// echo returns its inputs unchanged.
func echo() model.Component {
	return model.Component{
		ID:         "core.echo",
		Inputs:     model.Schema{},
		Outputs:    model.Schema{},
		RunnerKind: model.RunnerInline,
		Execute: func(_ context.Context, _ *model.ExecutionContext, inputs, _ map[string]any) (map[string]any, error) {
			out := make(map[string]any, len(inputs))
			for k, v := range inputs {
				out[k] = v
			}
			return out, nil
		},
	}
}

// sleep blocks for params.durationMs, observing cancellation.
func sleep() model.Component {
	return model.Component{
		ID:         "core.sleep",
		Inputs:     model.Schema{},
		Outputs:    model.Schema{Ports: []model.Port{port("sleptMs", model.KindNumber)}},
		Parameters: model.Schema{Ports: []model.Port{port("durationMs", model.KindNumber)}},
		RunnerKind: model.RunnerInline,
		Execute: func(ctx context.Context, _ *model.ExecutionContext, _, params map[string]any) (map[string]any, error) {
			ms, _ := params["durationMs"].(float64)
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return map[string]any{"sleptMs": ms}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// consoleLog writes its data input to the action's log collector.
func consoleLog() model.Component {
	return model.Component{
		ID: "core.console.log",
		Inputs: model.Schema{Ports: []model.Port{
			port("data", model.KindAny),
			port("label", model.KindText),
		}},
		Outputs:    model.Schema{Ports: []model.Port{port("logged", model.KindBoolean)}},
		RunnerKind: model.RunnerInline,
		Execute: func(ctx context.Context, ectx *model.ExecutionContext, inputs, _ map[string]any) (map[string]any, error) {
			message := fmt.Sprintf("%v", inputs["data"])
			if label, ok := inputs["label"].(string); ok && label != "" {
				message = label + ": " + message
			}
			if ectx.LogCollector != nil {
				ectx.LogCollector.Log(ctx, model.StreamConsole, model.LevelInfo, message, nil)
			}
			return map[string]any{"logged": true}, nil
		},
	}
}

// fail always errors, with params.message as the error text. Used to drive
// error-edge routing in workflows and tests.
func fail() model.Component {
	return model.Component{
		ID:         "core.fail",
		Inputs:     model.Schema{},
		Outputs:    model.Schema{},
		Parameters: model.Schema{Ports: []model.Port{port("message", model.KindText)}},
		RunnerKind: model.RunnerInline,
		Execute: func(_ context.Context, _ *model.ExecutionContext, _, params map[string]any) (map[string]any, error) {
			msg, _ := params["message"].(string)
			if msg == "" {
				msg = "deliberate failure"
			}
			return nil, fmt.Errorf("%s", msg)
		},
	}
}

// httpRequest performs a single HTTP call. Its authToken input is a secret
// port: the cleartext reaches the outgoing request header but is masked in
// every recorded payload. When params.secretKey is set the token is read
// from the run's secret store instead of the input port.
func httpRequest(deps Deps) model.Component {
	return model.Component{
		ID: "core.http.request",
		Inputs: model.Schema{Ports: []model.Port{
			port("url", model.KindText),
			port("body", model.KindText),
			port("authToken", model.KindSecret),
		}},
		Outputs: model.Schema{Ports: []model.Port{
			port("status", model.KindNumber),
			port("body", model.KindText),
		}},
		Parameters: model.Schema{Ports: []model.Port{
			port("method", model.KindText),
			port("secretKey", model.KindText),
		}},
		RunnerKind:      model.RunnerHTTP,
		RequiresSecrets: true,
		Execute: func(ctx context.Context, ectx *model.ExecutionContext, inputs, params map[string]any) (map[string]any, error) {
			url, _ := inputs["url"].(string)
			if url == "" {
				return nil, &model.ValidationError{Ref: ectx.ComponentRef, Field: "url", Message: "url is required"}
			}
			method, _ := params["method"].(string)
			if method == "" {
				method = http.MethodGet
			}

			var bodyReader io.Reader
			if body, ok := inputs["body"].(string); ok && body != "" {
				bodyReader = strings.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
			if err != nil {
				return nil, &model.ValidationError{Ref: ectx.ComponentRef, Field: "url", Message: err.Error()}
			}

			token, _ := inputs["authToken"].(string)
			if key, ok := params["secretKey"].(string); ok && key != "" && ectx.Secrets != nil {
				value, _, found, err := ectx.Secrets.Get(ctx, key)
				if err != nil {
					return nil, &model.ServiceError{Ref: ectx.ComponentRef, Cause: err, Message: "secret lookup failed"}
				}
				if found {
					token = value
				}
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			resp, err := deps.HTTPClient.Do(req)
			if err != nil {
				return nil, &model.ServiceError{Ref: ectx.ComponentRef, Cause: err, Message: "request failed"}
			}
			defer resp.Body.Close()
			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, &model.ServiceError{Ref: ectx.ComponentRef, Cause: err, Message: "read response failed"}
			}
			return map[string]any{
				"status": float64(resp.StatusCode),
				"body":   string(respBody),
			}, nil
		},
	}
}

// conditional evaluates params.rules ([{port, expression}]) against its
// data input and returns the matching ports as activeOutputPorts, so only
// those success edges fire. With no match, params.defaultPort fires if set;
// otherwise every handled edge cancels and unreached children skip.
func conditional(deps Deps) model.Component {
	return model.Component{
		ID:         "core.conditional",
		Inputs:     model.Schema{Ports: []model.Port{port("data", model.KindAny)}},
		Outputs:    model.Schema{},
		Parameters: model.Schema{Ports: []model.Port{port("rules", model.KindJSON), port("defaultPort", model.KindText)}},
		RunnerKind: model.RunnerInline,
		Execute: func(_ context.Context, ectx *model.ExecutionContext, inputs, params map[string]any) (map[string]any, error) {
			rules, _ := params["rules"].([]any)
			data := inputs["data"]

			var active []string
			for _, raw := range rules {
				rule, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				portName, _ := rule["port"].(string)
				expr, _ := rule["expression"].(string)
				if portName == "" || expr == "" {
					continue
				}
				matched, err := deps.Conditions.Evaluate(expr, data, nil)
				if err != nil {
					return nil, &model.ValidationError{Ref: ectx.ComponentRef, Field: "rules", Message: err.Error()}
				}
				if matched {
					active = append(active, portName)
				}
			}
			if len(active) == 0 {
				if def, ok := params["defaultPort"].(string); ok && def != "" {
					active = []string{def}
				}
			}
			if active == nil {
				active = []string{}
			}
			return map[string]any{"activeOutputPorts": active, "matchedPorts": len(active)}, nil
		},
	}
}

// approval returns the awaiting-input sentinel; the run suspends here
// until an external resolution arrives (or params.timeoutSeconds elapses).
func approval() model.Component {
	return model.Component{
		ID:      "core.approval",
		Inputs:  model.Schema{Ports: []model.Port{port("contextData", model.KindJSON)}},
		Outputs: model.Schema{Ports: []model.Port{port("approved", model.KindBoolean), port("rejected", model.KindBoolean)}},
		Parameters: model.Schema{Ports: []model.Port{
			port("title", model.KindText),
			port("description", model.KindText),
			port("timeoutSeconds", model.KindNumber),
		}},
		RunnerKind: model.RunnerInline,
		Execute: func(_ context.Context, _ *model.ExecutionContext, inputs, params map[string]any) (map[string]any, error) {
			sentinel := map[string]any{
				"pending":   true,
				"inputType": "approval",
				"title":     params["title"],
			}
			if desc, ok := params["description"]; ok {
				sentinel["description"] = desc
			}
			if data, ok := inputs["contextData"]; ok {
				sentinel["contextData"] = data
			}
			if secs, ok := params["timeoutSeconds"].(float64); ok && secs > 0 {
				sentinel["timeoutAt"] = time.Now().Add(time.Duration(secs) * time.Second).Format(time.RFC3339)
			}
			return sentinel, nil
		},
	}
}
