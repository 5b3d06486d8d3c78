package agentadapter

// priceRow is one row of the per-million-token price table, declared as
// static data rather than branched in code, the same way the available
// model list itself is declared as a static table.
type priceRow struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var priceTable = map[string]priceRow{
	"opus":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// ComputeCost returns the USD cost for input/output token counts under the
// given model's price row, and whether the model was recognized.
func ComputeCost(model string, inputTokens, outputTokens int64) (cost float64, known bool) {
	row, ok := priceTable[model]
	if !ok {
		return 0, false
	}
	cost = (float64(inputTokens)/1e6)*row.InputPerMillion + (float64(outputTokens)/1e6)*row.OutputPerMillion
	return cost, true
}

// KnownModels returns the model identifiers with a price-table entry.
func KnownModels() []string {
	return []string{"opus", "sonnet", "haiku"}
}
