package agent

import (
	"bytes"
	"strings"
	"text/template"
)

// 提示词模板；变量缺失时渲染为空，空列表不输出对应段落
var (
	titleTmpl = template.Must(template.New("title").Parse(
		`Write a short title (at most 20 words, no quotes, no trailing punctuation) for the following request.
Reply with the title only.

Request:
{{.Question}}`))

	sopTmpl = template.Must(template.New("sop").Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).Parse(
		`You are an expert planner. Write a Standard Operating Procedure (SOP) in markdown that an AI agent with tools will follow step by step to accomplish the user's goal.
Number the steps. For each step state what to do, which tool to use if any, and what the step should produce.

## Goal
{{.Question}}
{{if .Files}}
## Attached files
{{range $i, $f := .Files}}{{$i | inc}}. {{$f.Name}} (file_id: {{$f.FileID}}, markdown: {{$f.Path}}{{if $f.Collection}}, collection: {{$f.Collection}}{{end}})
{{end}}{{end}}{{if .KnowledgeBases}}
## Knowledge bases
{{range $i, $k := .KnowledgeBases}}{{$i | inc}}. {{$k.Name}} (id: {{$k.ID}}){{if $k.Description}}: {{$k.Description}}{{end}}
{{end}}{{end}}{{if .Tools}}
## Available tools
{{range .Tools}}- {{.}}
{{end}}{{end}}{{if .ExampleSOP}}
## Reference SOPs
Use the following procedures as examples of structure and level of detail. Adapt them to the goal; do not copy steps that do not apply.

{{.ExampleSOP}}
{{end}}
Write the SOP now.`))

	feedbackTmpl = template.Must(template.New("feedback").Parse(
		`You are revising a Standard Operating Procedure (SOP) for an AI agent.

## Goal
{{.Question}}

## Current SOP
{{.PriorSOP}}
{{if .History}}
## Results of steps already executed
{{.History}}
{{end}}
## Feedback
{{.Feedback}}

Rewrite the SOP in markdown so that it addresses the feedback. Keep steps that already succeeded only if they must be repeated.`))

	planTmpl = template.Must(template.New("plan").Parse(
		`Convert the SOP below into an execution plan for the goal.

## Goal
{{.Question}}

## SOP
{{.SOP}}
{{if .Tools}}
## Tools (use these ids in "tools")
{{range .Tools}}- {{.}}
{{end}}{{end}}{{if .Done}}
## Already completed
{{.Done}}
Plan only the remaining work.
{{end}}
Reply with JSON only, in this shape:
{"steps":[{"description":"...","tools":["tool_id"],"output":false,"substeps":[{"description":"...","tools":[],"output":false}]}]}
Set "output" to true on the step whose answer is a deliverable for the user.`))

	stepTmpl = template.Must(template.New("step").Parse(
		`You are an AI agent executing one step of a Standard Operating Procedure.

## Goal
{{.Question}}

## SOP
{{.SOP}}
{{if .Parents}}
## Parent steps
{{range .Parents}}- {{.}}
{{end}}{{end}}{{if .Done}}
## Results of previous steps
{{range .Done}}### {{.Description}}
{{.Answer}}

{{end}}{{end}}{{if .Files}}
## Attached files
{{range .Files}}- {{.OriginalName}} (file_id: {{.FileID}})
{{end}}{{end}}
## Current step
{{.Description}}

Use the tools when needed. When the step is done, reply with the result of this step only.`))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// ============================================================================
// 模板数据
// ============================================================================

type fileLine struct {
	FileID     string
	Name       string
	Path       string
	Collection string
}

type sopData struct {
	Question       string
	Files          []fileLine
	KnowledgeBases []kbLine
	Tools          []string
	ExampleSOP     string
}

type kbLine struct {
	ID          string
	Name        string
	Description string
}

type feedbackData struct {
	Question string
	PriorSOP string
	History  string
	Feedback string
}

type planData struct {
	Question string
	SOP      string
	Tools    []string
	Done     string
}

type doneStep struct {
	Description string
	Answer      string
}

type stepData struct {
	Question    string
	SOP         string
	Parents     []string
	Done        []doneStep
	Files       any
	Description string
}
