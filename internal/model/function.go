package model

import (
	"encoding/json"
)

// FunctionCall is a structured tool invocation requested by the dialogue
// engine. Ephemeral, scoped to one orchestration turn.
type FunctionCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// FunctionResult is the outcome of dispatching one function call.
type FunctionResult struct {
	Success      bool   `json:"success"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
	NeedMoreData bool   `json:"need_more_data,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// NeedMoreData builds the structured "need more data" result with a
// client-facing prompt.
func NeedMoreData(prompt string) *FunctionResult {
	return &FunctionResult{Success: false, NeedMoreData: true, Prompt: prompt}
}
