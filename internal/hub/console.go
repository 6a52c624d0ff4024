// ABOUTME: Read-only HTML status page for operators
// ABOUTME: Builds a markdown summary of the pool and renders it with goldmark

package hub

import (
	"bytes"
	"cmp"
	"fmt"
	"html/template"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/gridhub/internal/agent"
	"github.com/2389/gridhub/internal/pool"
)

var consoleMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var consolePage = template.Must(template.New("console").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="10">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
</style>
</head>
<body>
{{.Content}}
</body>
</html>
`))

// codeSpan wraps s for a markdown table cell.
func codeSpan(s string) string {
	s = strings.ReplaceAll(s, "`", "'")
	s = strings.ReplaceAll(s, "|", "\\|")
	return "`" + s + "`"
}

// consoleSummary renders the pool state as markdown.
func consoleSummary(title string, st pool.Stats, agents []*agent.Handle, sessions []pool.Session, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "%d agents on %d endpoints: %d available, %d reserved. %d waiting, %d live sessions.\n\n",
		st.Agents, st.Shards, st.Available, st.Reserved, st.Waiting, st.Sessions)

	bound := make(map[*agent.Handle]string, len(sessions))
	for _, s := range sessions {
		bound[s.Agent] = s.ID
	}

	slices.SortFunc(agents, func(a, b *agent.Handle) int {
		return cmp.Or(
			cmp.Compare(a.ShardKey(), b.ShardKey()),
			cmp.Compare(a.Environment, b.Environment),
		)
	})

	b.WriteString("## Agents\n\n")
	if len(agents) == 0 {
		b.WriteString("No agents registered.\n\n")
	} else {
		b.WriteString("| Endpoint | Environment | State | Session |\n|---|---|---|---|\n")
		for _, a := range agents {
			state := "free"
			if a.Reserved() {
				state = "**reserved**"
			}
			session := ""
			if id, ok := bound[a]; ok {
				session = codeSpan(id)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", codeSpan(a.ShardKey()), codeSpan(a.Environment), state, session)
		}
		b.WriteString("\n")
	}

	slices.SortFunc(sessions, func(a, b pool.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	b.WriteString("## Sessions\n\n")
	if len(sessions) == 0 {
		b.WriteString("No live sessions.\n")
		return b.String()
	}
	b.WriteString("| Session | Agent | Age | Idle |\n|---|---|---|---|\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			codeSpan(s.ID),
			codeSpan(s.Agent.Key().String()),
			now.Sub(s.CreatedAt).Round(time.Second),
			s.IdleFor(now).Round(time.Second),
		)
	}
	return b.String()
}

func (h *Hub) handleConsole(w http.ResponseWriter, r *http.Request) {
	md := consoleSummary(
		h.config.Console.Title,
		h.registry.Stats(),
		h.registry.AllAgents(),
		h.registry.Sessions(),
		time.Now(),
	)

	var htmlBuf bytes.Buffer
	if err := consoleMarkdown.Convert([]byte(md), &htmlBuf); err != nil {
		h.logger.Error("failed to convert console markdown", "error", err)
		htmlBuf.Reset()
		htmlBuf.WriteString("<p>Failed to render pool summary.</p>")
	}

	data := struct {
		Title   string
		Content template.HTML
	}{
		Title:   h.config.Console.Title,
		Content: template.HTML(htmlBuf.String()),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consolePage.Execute(w, data); err != nil {
		h.logger.Error("failed to render console", "error", err)
	}
}
