// Package agentadapter defines the uniform interface over an agent runtime.
// Two interchangeable variants implement it: an in-process SDK client
// (package sdk) and a line-delimited-JSON subprocess (package cli), both
// producing the same normalized message tagged union so the Session Manager
// never has to know which one it's talking to.
package agentadapter

// MessageKind is the closed set of normalized message variants a running
// query can produce.
type MessageKind string

const (
	MessageAssistantToolUse MessageKind = "assistant_tool_use"
	MessageToolProgress     MessageKind = "tool_progress"
	MessageResultSuccess    MessageKind = "result_success"
	MessageResultError      MessageKind = "result_error"
	MessageSystem           MessageKind = "system"
)

// NormalizedMessage is a discriminated union over MessageKind: exactly the
// fields documented for Kind are populated. One struct with a Kind tag and
// per-variant optional fields stands in for a sum type, since Go has none.
type NormalizedMessage struct {
	Kind MessageKind

	// --- assistant_tool_use ---
	ToolID    string
	ToolName  string
	ToolInput map[string]any

	// --- tool_progress ---
	// ToolID/ToolName reused from above.
	ElapsedSeconds float64

	// --- result_success ---
	FinalText  string
	DurationMs int64
	Usage      Usage

	// --- result_error ---
	// Usage reused from above.
	Errors []string

	// --- system ---
	SystemData map[string]any
}

// Usage is the normalized usage/cost record.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
}

// NormalizeUsage computes the total token count and, when model is a known
// price-table entry, the cost. When model is unknown it falls back to
// adapterReportedCost (the adapter's own cost figure, if any), else zero.
// Zero input and output tokens always cost zero regardless of model.
func NormalizeUsage(model string, input, output, cacheRead, cacheCreation int64, adapterReportedCost float64) Usage {
	u := Usage{
		InputTokens:         input,
		OutputTokens:        output,
		TotalTokens:         input + output,
		CacheReadTokens:     cacheRead,
		CacheCreationTokens: cacheCreation,
	}
	if input == 0 && output == 0 {
		u.CostUSD = 0
		return u
	}
	if cost, known := ComputeCost(model, input, output); known {
		u.CostUSD = cost
		return u
	}
	u.CostUSD = adapterReportedCost
	return u
}
