// Package render prints conversations as markdown: the displayed chain with its
// branch positions, or an outline of the whole tree.
package render

import (
	"bytes"
	"io"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
)

type Renderer struct {
	// Concise prints one line per message instead of a details block.
	Concise     bool
	RenameRoles map[string]string
}

type MessageData struct {
	ID         string
	Role       string
	Text       string
	Images     []string
	CreatedAt  time.Time
	TokenCount int
	// Version is the 1-based position of the message among its versions.
	Version  int
	Versions int
}

type TemplateData struct {
	Title          string
	ConversationID string
	Model          string
	Concise        bool
	Messages       []MessageData
}

type TreeLine struct {
	Depth int
	// Indent is Depth in spaces.
	Indent   int
	Selected bool
	ID       string
	Role     string
	Text     string
}

const chainTemplate = `# {{.Title | default "Untitled conversation"}}
{{if .ConversationID}}Conversation: {{.ConversationID}}
{{end}}{{if .Model}}Model: {{.Model}}
{{end}}
{{range .Messages -}}
{{template "message" (list $ .)}}
{{end -}}
`

const messageTemplate = `
{{- $ := index . 0 -}}
{{- with (index . 1) -}}
{{if $.Concise -}}
**{{.Role}}**{{if gt .Versions 1}} ({{.Version}}/{{.Versions}}){{end}}: {{.Text}}
{{else -}}
### {{.Role | title}}{{if gt .Versions 1}} ({{.Version}}/{{.Versions}}){{end}}

- **ID**: {{.ID}}
- **Created**: {{.CreatedAt.Format "2006-01-02 15:04:05"}}
{{if .TokenCount}}- **Tokens**: {{.TokenCount}}
{{end}}{{range .Images}}- **Image**: {{.}}
{{end}}
{{.Text}}
{{end -}}
---
{{- end -}}
`

const treeTemplate = `{{range . -}}
{{- $marker := "-"}}{{if .Selected}}{{$marker = "*"}}{{end -}}
{{printf "%s %s %s: %s" $marker .Role .ID (.Text | replace "\n" " " | trunc 60) | indent .Indent}}
{{end}}`

func newTemplate(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(sprig.TxtFuncMap()).Parse(text)
}

func (r *Renderer) role(role conversation.Role) string {
	if newRole, ok := r.RenameRoles[string(role)]; ok {
		return newRole
	}
	return string(role)
}

// Chain writes the displayed chain of st. st is not modified.
func (r *Renderer) Chain(w io.Writer, st *conversation.State) error {
	t, err := newTemplate("message", messageTemplate)
	if err != nil {
		return err
	}
	if t, err = t.New("chain").Parse(chainTemplate); err != nil {
		return err
	}

	data := TemplateData{
		Title:          st.Title,
		ConversationID: st.ConversationID,
		Model:          st.Model,
		Concise:        r.Concise,
	}
	st = st.Clone()
	for _, m := range st.Chain() {
		siblings, idx := conversation.SiblingsOf(st.Tree, m.ID)
		md := MessageData{
			ID:         m.ID.String(),
			Role:       r.role(m.Role),
			Text:       m.Content.Text,
			CreatedAt:  m.CreatedAt,
			TokenCount: m.TokenCount,
			Version:    idx + 1,
			Versions:   len(siblings),
		}
		for _, img := range m.Content.Images {
			md.Images = append(md.Images, img.URL)
		}
		data.Messages = append(data.Messages, md)
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "chain", data); err != nil {
		return errors.Wrap(err, "could not render conversation")
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// Tree writes an outline of every message of st, marking the displayed chain.
func (r *Renderer) Tree(w io.Writer, st *conversation.State) error {
	t, err := newTemplate("tree", treeTemplate)
	if err != nil {
		return err
	}
	st = st.Clone()
	selected := map[conversation.NodeID]bool{}
	for _, id := range st.Chain().IDs() {
		selected[id] = true
	}

	var lines []TreeLine
	seen := map[conversation.NodeID]bool{}
	var walk func(msgs []*conversation.Message, depth int)
	walk = func(msgs []*conversation.Message, depth int) {
		for _, m := range msgs {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			lines = append(lines, TreeLine{
				Depth:    depth,
				Indent:   2 * depth,
				Selected: selected[m.ID],
				ID:       m.ID.String(),
				Role:     r.role(m.Role),
				Text:     m.Content.Text,
			})
			walk(conversation.SortByCreated(st.Tree.ChildrenOf(m.ID)), depth+1)
		}
	}
	walk(conversation.SortByCreated(st.Tree.Roots()), 0)

	var buf bytes.Buffer
	if err := t.Execute(&buf, lines); err != nil {
		return errors.Wrap(err, "could not render tree")
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// Markdown styles md for the terminal.
func Markdown(md string, style string) (string, error) {
	if style == "" {
		style = "dark"
	}
	return glamour.Render(md, style)
}
