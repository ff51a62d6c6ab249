// Package matdisc is the reasoning/acting core of the materials discovery
// assistant. It coordinates a natural-language model with concurrent calls to
// independent materials data sources (Materials Project, PubChem, SureChEMBL,
// web search), maintains per-conversation and per-user memory, and reclaims
// state for idle conversations.
//
// The central type is Orchestrator: an explicit finite-state loop that on each
// iteration asks the model what to do next, fans out the chosen tool calls in
// parallel, joins them at a barrier, and folds the observations back into the
// conversation before the next step. The loop always terminates: the model
// responds, the iteration ceiling forces a best-effort synthesis, or total
// tool exhaustion produces a degraded-capability answer. Per-tool failures are
// structured observations, never turn-fatal.
//
// Transport, rendering, and the concrete data-source clients live outside this
// package (cmd/matdiscd and tools/...); the core treats every capability
// identically through the Tool interface.
package matdisc
