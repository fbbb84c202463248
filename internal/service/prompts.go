package service

import "text/template"

// systemPrompt frames the assistant. The numbered "Document N"
// sections in the context are the citation anchors the answer
// rewriter later resolves to file names.
const systemPrompt = `You are a senior engineer answering questions about a code repository.
Ground every claim in the provided context sections. Cite the section a
claim comes from as "Document N". If the context does not contain the
answer, say so instead of guessing. Answer concisely in markdown.`

// answerPrompt renders the final user message: repository id, the
// prior-conversation digest when one exists, the grouped file context
// (or the no-context warning) and the question.
var answerPrompt = template.Must(template.New("answer").Parse(
	"You are assisting with the repository: `{{.RepoID}}`." + `
{{if .HistoryMD}}
Earlier conversation (most recent last). Use only if relevant:
{{.HistoryMD}}
{{end}}
{{.Context}}

---

Question: {{.Question}}`))

type answerPromptData struct {
	RepoID    string
	HistoryMD string
	Context   string
	Question  string
}
