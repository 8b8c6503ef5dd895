// Package datascience implements the multi-role analysis pipeline: a
// hypothesis is proposed, reviewed by the user, decomposed into tasks, and
// worked by specialist roles under a quality loop until a report is refined.
package datascience

import "github.com/quarry-lab/conductor/internal/graph"

// SubgraphName is the catalogue name planners route to.
const SubgraphName = "data_science"

// Description advertises the pipeline to the planner model.
const Description = "End-to-end data analysis over the user's CSV files: " +
	"hypothesis, code execution, visualization, research, and a final report."

// State fields beyond the engine's base schema.
const (
	FieldHypothesis        = "hypothesis"
	FieldProcessDecision   = "process_decision"
	FieldTask              = "task"
	FieldModificationAreas = "modification_areas"
	FieldQualityReview     = "quality_review"

	FieldVisualizationState = "visualization_state"
	FieldSearcherState      = "searcher_state"
	FieldCodeState          = "code_state"
	FieldReportState        = "report_state"

	FieldCompletedTasks   = "completed_tasks"
	FieldDirectoryContent = "directory_content"

	// FieldQARetries counts consecutive quality-review rejections of the
	// current specialist; the review node resets it on a pass.
	FieldQARetries = "agent_quality_review_retries"
	// FieldSelfLoops counts consecutive Process self-loops; the process node
	// resets it when it routes to a specialist.
	FieldSelfLoops = "process_self_loops"
	// FieldRepeats counts consecutive identical task/decision pairs.
	FieldRepeats = "process_repeats"
	// FieldSandboxFailures counts specialist turns lost to sandbox outages.
	FieldSandboxFailures = "sandbox_failures"
)

// Node names.
const (
	NodeHypothesis    = "hypothesis"
	NodeHumanChoice   = "human_choice"
	NodeProcess       = "process"
	NodeCoder         = "coder"
	NodeVisualization = "visualization"
	NodeSearch        = "search"
	NodeReport        = "report"
	NodeQualityReview = "quality_review"
	NodeNoteTaker     = "note_taker"
	NodeRefiner       = "refiner"
	NodeCleanup       = "cleanup"
)

// StateSchema declares the pipeline's reduced state. Specialist findings
// accumulate; control fields are overwritten so routers always see the
// current decision.
func StateSchema() graph.Schema {
	return graph.BaseSchema().Merge(graph.Schema{
		FieldHypothesis:        {Kind: graph.KindString, Reduce: graph.Replace},
		FieldProcessDecision:   {Kind: graph.KindString, Reduce: graph.Replace},
		FieldTask:              {Kind: graph.KindString, Reduce: graph.Replace},
		FieldModificationAreas: {Kind: graph.KindString, Reduce: graph.Replace},
		FieldQualityReview:     {Kind: graph.KindString, Reduce: graph.Replace},

		FieldVisualizationState: {Kind: graph.KindString, Reduce: graph.ConcatSpace},
		FieldSearcherState:      {Kind: graph.KindString, Reduce: graph.ConcatSpace},
		FieldCodeState:          {Kind: graph.KindString, Reduce: graph.ConcatSpace},
		FieldReportState:        {Kind: graph.KindString, Reduce: graph.ConcatSpace},

		FieldCompletedTasks:   {Kind: graph.KindString, Reduce: graph.ConcatLines},
		FieldDirectoryContent: {Kind: graph.KindString, Reduce: graph.Replace},

		FieldQARetries:       {Kind: graph.KindInt, Reduce: graph.Replace},
		FieldSelfLoops:       {Kind: graph.KindInt, Reduce: graph.Replace},
		FieldRepeats:         {Kind: graph.KindInt, Reduce: graph.Replace},
		FieldSandboxFailures: {Kind: graph.KindInt, Reduce: graph.Sum},
	})
}
