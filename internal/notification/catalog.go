package notification

import (
	"strings"
	"text/template"

	"github.com/nao1215/taskflow/pkg/event"
)

// unknownTitle はタスク名が得られない場合の代替表示。
const unknownTitle = "Unknown"

// Template はイベントタイプごとの通知テンプレート。
type Template struct {
	// Title は通知タイトル。
	Title string
	// Severity は通知の重要度。
	Severity Severity

	message *template.Template
}

// Render はペイロードで本文テンプレートを展開する。
// テンプレートが参照するフィールドが欠けている場合は
// "<タスク名またはUnknown> - <タイトル>" 形式の代替本文を返し、失敗しない。
func (t Template) Render(payload map[string]any) string {
	data := renderData(payload)

	var sb strings.Builder
	if err := t.message.Execute(&sb, data); err != nil {
		return fallbackMessage(data, t.Title)
	}
	return sb.String()
}

// renderData はテンプレートに渡すデータを作る。
// nil値は欠損として扱い、title と task_title は互いの別名として補完する。
func renderData(payload map[string]any) map[string]any {
	data := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		if v != nil {
			data[k] = v
		}
	}
	if _, ok := data["task_title"]; !ok {
		if v, ok := data[event.FieldTitle]; ok {
			data["task_title"] = v
		}
	}
	if _, ok := data[event.FieldTitle]; !ok {
		if v, ok := data["task_title"]; ok {
			data[event.FieldTitle] = v
		}
	}
	return data
}

func fallbackMessage(data map[string]any, title string) string {
	ev := event.Event{Payload: data}
	taskTitle, ok := ev.Field(event.FieldTitle)
	if !ok || strings.TrimSpace(taskTitle) == "" {
		taskTitle = unknownTitle
	}
	return taskTitle + " - " + title
}

// Catalog はイベントタイプからテンプレートを引く読み取り専用の表。
type Catalog struct {
	templates map[event.Type]Template
}

// templateSpec はカタログ定義の1行。
type templateSpec struct {
	eventType event.Type
	title     string
	message   string
	severity  Severity
}

var builtinTemplates = []templateSpec{
	{event.TypeTaskCreated, "New Task Created", `A new task "{{.title}}" has been created.`, SeverityInfo},
	{event.TypeTaskUpdated, "Task Updated", `Task "{{.title}}" has been updated.`, SeverityInfo},
	{event.TypeTaskCompleted, "Task Completed", `Task "{{.title}}" has been completed!`, SeveritySuccess},
	{event.TypeTaskDueSoon, "Task Due Soon", `Task "{{.title}}" is due soon.`, SeverityWarning},
	{event.TypeTaskOverdue, "Task Overdue", `Task "{{.title}}" is overdue.`, SeverityError},
	{event.TypeCommentAdded, "New Comment", `A new comment was added to task "{{.title}}".`, SeverityInfo},
}

// defaultCatalog はプロセス起動時に1度だけ構築される。
var defaultCatalog = mustCatalog(builtinTemplates)

// DefaultCatalog は組み込みの6種類のテンプレートを持つカタログを返す。
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

func mustCatalog(specs []templateSpec) *Catalog {
	c := &Catalog{templates: make(map[event.Type]Template, len(specs))}
	for _, s := range specs {
		c.templates[s.eventType] = Template{
			Title:    s.title,
			Severity: s.severity,
			message:  template.Must(template.New(string(s.eventType)).Option("missingkey=error").Parse(s.message)),
		}
	}
	return c
}

// Lookup はイベントタイプに対応するテンプレートを返す。
// 登録されていない場合はfalseを返す。
func (c *Catalog) Lookup(eventType event.Type) (Template, bool) {
	t, ok := c.templates[eventType]
	return t, ok
}

// Len は登録済みテンプレート数を返す。
func (c *Catalog) Len() int {
	return len(c.templates)
}
