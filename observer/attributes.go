package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM and pipeline observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrEmbedTextCount  = attribute.Key("llm.embed.text_count")
	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrChatID       = attribute.Key("chat.id")
	AttrWindowReason = attribute.Key("window.close_reason")
	AttrChangeType   = attribute.Key("fact.change_type")
	AttrTrigger      = attribute.Key("proactive.trigger")
	AttrDecision     = attribute.Key("proactive.decision")
	AttrBreakerName  = attribute.Key("breaker.name")
	AttrBreakerState = attribute.Key("breaker.state")
)
