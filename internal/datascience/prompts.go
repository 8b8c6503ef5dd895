package datascience

import (
	"fmt"
	"strings"

	"github.com/quarry-lab/conductor/internal/graph"
)

const hypothesisPrompt = `You are a senior data scientist. The user has shared
one or more datasets and a request. Study the data (use describe_data and
read_file on the files listed below) and, where useful, search for domain
background. Then state a clear, testable analysis plan: what question you will
answer, which variables matter, and what methods you will apply.

Files in the working directory:
%s

Answer with the plan only, in plain prose. Do not write code yet.`

const processPrompt = `You are the coordinator of a data-analysis team. Given
the approved plan and the work done so far, pick the next step.

Plan:
%s

Completed tasks:
%s

Team findings so far:
- code: %s
- visualization: %s
- research: %s
- report: %s

Respond with a JSON object {"next": "...", "task": "..."}. "next" is one of
"coder", "visualization", "search", "report", or "FINISH" when the report is
complete. "task" is a single concrete instruction for that role. Never repeat
a completed task.`

const coderPrompt = `You are a Python data engineer working in a persistent
sandbox. Complete exactly this task:

%s

The plan for context:
%s

Use execute_code to run Python; install missing packages with pip_install.
When the task is done, summarize what you computed and where any outputs were
written.`

const visualizationPrompt = `You are a data-visualization specialist working
in a persistent Python sandbox. Complete exactly this task:

%s

Save every figure to a file (matplotlib savefig) and state the saved paths in
your summary. Do not call plt.show().`

const searchPrompt = `You are a research assistant. Complete exactly this
task using the search tools available to you:

%s

Cite the sources you relied on. Summarize findings relevant to the task only.`

const reportPrompt = `You are a technical writer. Produce the analysis report
for this task:

%s

Material to draw on:
- plan: %s
- code findings: %s
- visualizations: %s
- research: %s

Write the report as markdown with write_file, then summarize what you wrote
and the file path.`

const qualityReviewPrompt = `You are a quality reviewer. Judge whether the
following specialist output completes its task adequately.

Task:
%s

Output:
%s

Respond with a JSON object {"passed": true|false, "reason": "..."} and
nothing else.`

const notePrompt = `Summarize the following specialist turn in two sentences
for the team log; include what was produced and anything the next step must
know.

%s`

const refinerPrompt = `You are the lead data scientist closing out an
analysis. Compose the final answer for the user from the material below:
polished, complete, markdown formatted. Lead with the findings, then the
supporting evidence. If material is missing, say what could not be completed
and why.

Plan:
%s

Report drafts:
%s

Code findings:
%s

Visualizations:
%s

Research:
%s`

const humanChoicePrompt = `The analysis plan above is awaiting your review.
Reply with any changes you would like, or send an empty message to approve
and continue.`

func renderHypothesis(s *graph.State) string {
	dir := s.String(FieldDirectoryContent)
	if dir == "" {
		dir = "(none listed)"
	}
	return fmt.Sprintf(hypothesisPrompt, dir)
}

func renderProcess(s *graph.State) string {
	return fmt.Sprintf(processPrompt,
		s.String(FieldHypothesis),
		orNone(s.String(FieldCompletedTasks)),
		orNone(s.String(FieldCodeState)),
		orNone(s.String(FieldVisualizationState)),
		orNone(s.String(FieldSearcherState)),
		orNone(s.String(FieldReportState)),
	)
}

func renderCoder(s *graph.State) string {
	return fmt.Sprintf(coderPrompt, s.String(FieldTask), s.String(FieldHypothesis))
}

func renderVisualization(s *graph.State) string {
	return fmt.Sprintf(visualizationPrompt, s.String(FieldTask))
}

func renderSearch(s *graph.State) string {
	return fmt.Sprintf(searchPrompt, s.String(FieldTask))
}

func renderReport(s *graph.State) string {
	return fmt.Sprintf(reportPrompt,
		s.String(FieldTask),
		s.String(FieldHypothesis),
		orNone(s.String(FieldCodeState)),
		orNone(s.String(FieldVisualizationState)),
		orNone(s.String(FieldSearcherState)),
	)
}

func renderQualityReview(s *graph.State, output string) string {
	return fmt.Sprintf(qualityReviewPrompt, s.String(FieldTask), output)
}

func renderRefiner(s *graph.State) string {
	return fmt.Sprintf(refinerPrompt,
		s.String(FieldHypothesis),
		orNone(s.String(FieldReportState)),
		orNone(s.String(FieldCodeState)),
		orNone(s.String(FieldVisualizationState)),
		orNone(s.String(FieldSearcherState)),
	)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(nothing yet)"
	}
	return s
}
