package models

import "time"

const (
	DefaultCollection      = "sql"
	DefaultDimension       = 384
	DefaultMetric          = MetricCosine
	DefaultTopK            = 4
	DefaultChunkSize       = 2000
	DefaultChunkOverlap    = 200
	DefaultEmbeddingModel  = "embed-english-light-v3.0"
	DefaultGenerationModel = "command-r"
	DefaultStoreTimeout    = 300 * time.Second

	// PayloadContentKey is the payload field holding chunk text in remote stores.
	PayloadContentKey = "page_content"

	// CohereChatBaseURL serves Cohere's chat models behind the OpenAI wire format.
	CohereChatBaseURL = "https://api.cohere.ai/compatibility/v1"
)

// Prompt labels. See rag.BuildPrompt.
const (
	ContextLabel = "Context: "
	QueryLabel   = "\n\nQuery: "
	AnswerLabel  = "\n\nAnswer"
)
