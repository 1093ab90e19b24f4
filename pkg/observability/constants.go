package observability

const (
	AttrNamespace       = "memory.namespace"
	AttrMemoryTier      = "memory.tier"
	AttrMemoryCategory  = "memory.category"
	AttrRetrievalMode   = "memory.retrieval_mode"
	AttrResultCount     = "memory.result_count"
	AttrProviderName    = "provider.name"
	AttrPatternName     = "provider.pattern"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrErrorType       = "error.type"

	SpanRecording       = "memori.record"
	SpanClassification  = "memori.classify"
	SpanSearch          = "memori.search"
	SpanContextInject   = "memori.inject_context"
	SpanPromotion       = "memori.promote"
	SpanConsciousIngest = "memori.conscious_ingest"
	SpanLLMRequest      = "memori.llm_request"

	DefaultServiceName  = "memori"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
	DefaultSamplingRate = 1.0
)
