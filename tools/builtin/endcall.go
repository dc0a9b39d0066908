package builtin

import (
	"context"
	"encoding/json"

	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
)

// EndCallTool lets the agent end the call once its goodbye has been spoken.
func EndCallTool() tools.Definition {
	return tools.Definition{
		Name:        EndCall,
		Description: "End the call. Use after the caller says goodbye or the conversation is complete; say goodbye in the same response.",
		Schema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "reason": {"type": "string", "maxLength": 200}
  },
  "additionalProperties": false
}`),
		EndsSession: true,
		SideEffects: true,
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(args, &in)
			out := map[string]string{"status": "ending"}
			if in.Reason != "" {
				out["reason"] = in.Reason
			}
			return json.Marshal(out)
		},
	}
}
