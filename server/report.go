package server

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flowcoord/flowcoord/flow"
)

// reportTimestamp is a filesystem-safe ISO timestamp (no colons).
const reportTimestamp = "2006-01-02T15-04-05"

// HTMLReporter writes one self-contained HTML file per terminal run under
// <dir>/<clientName>/<flowName>[_key-value...]_<timestamp>.html and
// implements flow.Reporter.
type HTMLReporter struct {
	dir string
	now func() time.Time
}

// NewHTMLReporter creates a reporter rooted at dir.
func NewHTMLReporter(dir string) *HTMLReporter {
	return &HTMLReporter{dir: dir, now: time.Now}
}

// Generate renders the run report and returns the written file path.
func (r *HTMLReporter) Generate(run *flow.Run) (string, error) {
	client := run.ClientName
	if client == "" {
		client = "default"
	}
	dir := filepath.Join(r.dir, sanitize(client))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	ts := run.EndTime
	if ts == nil {
		now := r.now()
		ts = &now
	}
	name := reportFileName(run, *ts)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	if err := reportTemplate.Execute(f, newReportData(run)); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return path, nil
}

// reportFileName builds <flowName>[_key-value...]_<timestamp>.html with the
// run's tags in sorted key order.
func reportFileName(run *flow.Run, ts time.Time) string {
	parts := []string{sanitize(run.FlowName)}

	keys := make([]string, 0, len(run.Tags))
	for k := range run.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, sanitize(k)+"-"+sanitize(run.Tags[k]))
	}

	parts = append(parts, ts.Format(reportTimestamp))
	return strings.Join(parts, "_") + ".html"
}

// sanitize keeps file name components portable: path separators and other
// awkward characters become dashes.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" {
		return "unnamed"
	}
	return out
}

type reportTask struct {
	Name     string
	State    string
	Duration string
	Warning  string
	Passed   string
	Note     string
}

type reportData struct {
	FlowName  string
	RunID     string
	State     string
	Client    string
	StartTime string
	EndTime   string
	Duration  string
	Progress  string
	Tags      map[string]string
	Tasks     []reportTask
	Logs      []flow.LogEntry
}

func newReportData(run *flow.Run) reportData {
	data := reportData{
		FlowName:  run.FlowName,
		RunID:     run.ID,
		State:     string(run.State),
		Client:    run.ClientName,
		StartTime: run.StartTime.Format(time.RFC3339),
		Progress:  fmt.Sprintf("%.0f%%", run.Progress),
		Tags:      run.Tags,
		Logs:      run.Logs,
	}
	if run.EndTime != nil {
		data.EndTime = run.EndTime.Format(time.RFC3339)
		data.Duration = run.EndTime.Sub(run.StartTime).Round(time.Millisecond).String()
	}
	for _, task := range run.Tasks {
		rt := reportTask{
			Name:  task.Name,
			State: string(task.State),
		}
		if task.DurationMs > 0 {
			rt.Duration = (time.Duration(task.DurationMs) * time.Millisecond).String()
		}
		if task.Warning != nil {
			rt.Warning = task.Warning.Message
		}
		if task.Result != nil {
			if task.Result.Passed {
				rt.Passed = "passed"
			} else {
				rt.Passed = "failed"
			}
			rt.Note = task.Result.Note
		}
		data.Tasks = append(data.Tasks, rt)
	}
	return data
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.FlowName}} - {{.State}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; margin: 1em 0; }
th, td { border: 1px solid #ccc; padding: 0.4em 0.8em; text-align: left; }
.state-completed { color: #2a7a2a; }
.state-failed { color: #b03030; }
.warning { color: #b07020; }
pre { background: #f5f5f5; padding: 1em; overflow-x: auto; }
</style>
</head>
<body>
<h1>{{.FlowName}}</h1>
<p class="state-{{.State}}">Run {{.RunID}} - {{.State}} ({{.Progress}})</p>
<table>
<tr><th>Client</th><td>{{.Client}}</td></tr>
<tr><th>Started</th><td>{{.StartTime}}</td></tr>
{{if .EndTime}}<tr><th>Ended</th><td>{{.EndTime}}</td></tr>
<tr><th>Duration</th><td>{{.Duration}}</td></tr>{{end}}
{{range $k, $v := .Tags}}<tr><th>{{$k}}</th><td>{{$v}}</td></tr>
{{end}}</table>
<h2>Tasks</h2>
<table>
<tr><th>Task</th><th>State</th><th>Duration</th><th>Result</th><th>Warning</th></tr>
{{range .Tasks}}<tr>
<td>{{.Name}}</td>
<td class="state-{{.State}}">{{.State}}</td>
<td>{{.Duration}}</td>
<td>{{.Passed}}{{if .Note}}: {{.Note}}{{end}}</td>
<td class="warning">{{.Warning}}</td>
</tr>
{{end}}</table>
{{if .Logs}}<h2>Log</h2>
<pre>{{range .Logs}}{{.Ts.Format "15:04:05"}} {{.Line}}
{{end}}</pre>{{end}}
</body>
</html>
`))
