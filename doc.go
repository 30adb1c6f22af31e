// Package banter is a stateful conversational agent for group chats.
//
// It receives platform messages, decides whether to respond, assembles a
// layered token-budgeted context, invokes an LLM provider with tool calling,
// and in parallel learns structured facts about participants and
// opportunistically joins conversations it was not addressed in.
//
// # Architecture
//
// The root package holds the core pipeline, one component per file:
//
//   - [Classifier]: per-message value labels (classify.go)
//   - [Windower]: groups messages into bounded conversation windows (window.go)
//   - [Queue] and [WorkerPool]: priority queue, workers, circuit breakers (queue.go, breaker.go)
//   - [Extractor]: rule+model hybrid fact extraction (extract.go)
//   - [QualityManager]: dedup, conflict resolution, decay, versioning (quality.go)
//   - [EpisodeMonitor]: summarizes long conversation threads (episode.go)
//   - [Assembler]: three-tier context assembly within a token budget (assemble.go)
//   - [IntentClassifier] and [Trigger]: unsolicited-reply decisions (intent.go, proactive.go)
//   - [Orchestrator]: the per-message hot path (orchestrator.go)
//
// Contracts live alongside: [Provider], [EmbeddingProvider], [Store],
// [Frontend], [Tool]. Storage backends are in store/sqlite and
// store/postgres; OTEL instrumentation in observer; the Telegram frontend in
// frontend/telegram; configuration in internal/config; app wiring in
// internal/bot and cmd/banter.
package banter
