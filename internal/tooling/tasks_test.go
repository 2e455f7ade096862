package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"steward/internal/domain"
	"steward/internal/tasks"
)

// =============================================================================
// fakeTaskStore: slice-backed TaskStore
// =============================================================================

type fakeTaskStore struct {
	tasks     []tasks.Task
	createErr error
	listArgs  []string
}

func (f *fakeTaskStore) Create(_ context.Context, t tasks.Task) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	t.ID = int64(len(f.tasks) + 1)
	t.Status = tasks.StatusOpen
	f.tasks = append(f.tasks, t)
	return t.ID, nil
}

func (f *fakeTaskStore) List(_ context.Context, zone, status string, limit int) ([]tasks.Task, error) {
	f.listArgs = append(f.listArgs, zone+"|"+status)
	var out []tasks.Task
	for i := len(f.tasks) - 1; i >= 0; i-- {
		t := f.tasks[i]
		if t.Zone == zone && (status == "" || t.Status == status) {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTaskStore) Close(_ context.Context, zone string, id int64, resolution string) (bool, error) {
	for i := range f.tasks {
		t := &f.tasks[i]
		if t.Zone != zone || t.ID != id {
			continue
		}
		if t.Status == tasks.StatusClosed {
			return false, nil
		}
		t.Status, t.Resolution = tasks.StatusClosed, resolution
		return true, nil
	}
	return false, tasks.ErrNotFound
}

func tasksSetup(t *testing.T) (*Registry, *fakeTaskStore, *fakeReplier, *domain.ExecutionContext) {
	t.Helper()
	store := &fakeTaskStore{}
	rep := &fakeReplier{}
	return mustRegistry(t, Bind[TasksRequest](NewTasks(store))), store, rep, replyContext(rep)
}

func decodeTaskReply(t *testing.T, resp domain.ToolResponse) taskReply {
	t.Helper()
	s, ok := resp.(domain.Success)
	if !ok {
		t.Fatalf("expected Success, got %#v", resp)
	}
	var r taskReply
	if err := json.Unmarshal(s.Data, &r); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return r
}

const bugArgs = `{
	"bugDescription": "Weather lookups fail\nEvery call returns HTTP 500.",
	"stepsToReproduce": ["Ask for the weather", "Watch it fail"],
	"affectedFunctionality": "GetCurrentWeather",
	"severity": "High",
	"impact": "Users get no forecast.",
	"environment": {"tool": "Weather", "error": "HTTP 500"}
}`

// =============================================================================
// Filing
// =============================================================================

func TestTasks_RequestBug_ShouldFileAndPostReport(t *testing.T) {
	reg, store, rep, ec := tasksSetup(t)

	resp, err := reg.Dispatch(context.Background(), ec, call("RequestBug", bugArgs))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeTaskReply(t, resp)
	if r.TaskID != 1 || r.Error != "" || !strings.Contains(r.Message, "#1") {
		t.Errorf("unexpected reply %+v", r)
	}

	if len(store.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(store.tasks))
	}
	got := store.tasks[0]
	if got.Kind != tasks.KindBug || got.Title != "Weather lookups fail" || got.Priority != "High" {
		t.Errorf("unexpected task %+v", got)
	}
	if got.Zone != "telegram-user-bob" || got.Author != ec.UserID() {
		t.Errorf("expected the caller's zone and id, got %q / %q", got.Zone, got.Author)
	}
	var details RequestBug
	if err := json.Unmarshal(got.Details, &details); err != nil {
		t.Fatal(err)
	}
	if details.Environment["tool"] != "Weather" || len(details.StepsToReproduce) != 2 {
		t.Errorf("expected the full report in details, got %+v", details)
	}

	if len(rep.sent) != 1 {
		t.Fatalf("expected the report to be posted, got %d messages", len(rep.sent))
	}
	text := rep.sent[0].Text
	for _, want := range []string{
		"> **Bug Report #1:**",
		"> Steps to Reproduce: Ask for the weather; Watch it fail",
		"> Environment: error=HTTP 500, tool=Weather",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in\n%s", want, text)
		}
	}
	if strings.Contains(text, "Proposed Solution") || strings.Contains(text, "Related Tools") {
		t.Errorf("expected omitted fields to be left out:\n%s", text)
	}
}

func TestTasks_RequestFeature_ShouldDecodeEnums(t *testing.T) {
	reg, store, _, ec := tasksSetup(t)
	args := `{
		"feature": "Reminders",
		"useCaseScenarios": ["Remind me at 5"],
		"expectedImpact": "Fewer missed chores.",
		"userFeedback": "Asked twice this week.",
		"integrationPoints": ["scheduler"],
		"estimatedImpactScore": "Significant",
		"priority": "Medium",
		"urgency": "Immediate",
		"successMetrics": ["reminders sent"]
	}`

	resp, err := reg.Dispatch(context.Background(), ec, call("RequestFeature", args))
	if err != nil {
		t.Fatal(err)
	}
	if r := decodeTaskReply(t, resp); r.TaskID != 1 {
		t.Errorf("unexpected reply %+v", r)
	}
	var details RequestFeature
	if err := json.Unmarshal(store.tasks[0].Details, &details); err != nil {
		t.Fatal(err)
	}
	if details.Urgency != "Immediate" || details.EstimatedImpactScore != "Significant" || details.IntegrationPoints[0] != "scheduler" {
		t.Errorf("unexpected decoded feature %+v", details)
	}
}

func TestTasks_WhenArgumentsBreakSchema_ShouldReturnInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"unknown severity", strings.Replace(bugArgs, `"High"`, `"Catastrophic"`, 1)},
		{"missing steps", `{"bugDescription":"x","affectedFunctionality":"y","severity":"Low","impact":"z"}`},
		{"environment values not strings", strings.Replace(bugArgs, `"HTTP 500"}`, `500}`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, store, _, ec := tasksSetup(t)
			resp, err := reg.Dispatch(context.Background(), ec, call("RequestBug", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := resp.(domain.InvalidInput); !ok {
				t.Errorf("expected InvalidInput, got %#v", resp)
			}
			if len(store.tasks) != 0 {
				t.Error("expected nothing filed")
			}
		})
	}
}

func TestTasks_WhenPostFails_ShouldStillFile(t *testing.T) {
	reg, store, rep, ec := tasksSetup(t)
	rep.err = errors.New("chat is gone")

	resp, err := reg.Dispatch(context.Background(), ec, call("RequestBug", bugArgs))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeTaskReply(t, resp)
	if r.TaskID != 1 || !strings.Contains(r.Error, "chat is gone") {
		t.Errorf("expected a filed task with a posting error, got %+v", r)
	}
	if len(store.tasks) != 1 {
		t.Error("expected the task to stay filed")
	}
}

func TestTasks_WhenStoreFails_ShouldReturnInternalError(t *testing.T) {
	reg, store, rep, ec := tasksSetup(t)
	store.createErr = errors.New("disk full")

	resp, err := reg.Dispatch(context.Background(), ec, call("RequestBug", bugArgs))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := resp.(domain.InternalError); !ok {
		t.Errorf("expected InternalError, got %#v", resp)
	}
	if len(rep.sent) != 0 {
		t.Error("expected nothing posted for an unfiled report")
	}
}

// =============================================================================
// Listing and closing
// =============================================================================

func TestTasks_ListTasks_ShouldPassStatusFilter(t *testing.T) {
	tests := []struct {
		args       string
		wantFilter string
		wantCount  int
	}{
		{`{}`, "telegram-user-bob|", 2},
		{`{"status":"open"}`, "telegram-user-bob|open", 1},
		{`{"status":"closed"}`, "telegram-user-bob|closed", 1},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			reg, store, _, ec := tasksSetup(t)
			store.tasks = []tasks.Task{
				{ID: 1, Zone: ec.Zone(), Kind: tasks.KindBug, Title: "old", Status: tasks.StatusClosed},
				{ID: 2, Zone: ec.Zone(), Kind: tasks.KindFeature, Title: "new", Status: tasks.StatusOpen},
				{ID: 3, Zone: "elsewhere", Kind: tasks.KindFeature, Title: "hidden", Status: tasks.StatusOpen},
			}

			resp, err := reg.Dispatch(context.Background(), ec, call("ListTasks", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			r := decodeTaskReply(t, resp)
			if len(r.Tasks) != tt.wantCount {
				t.Errorf("expected %d tasks, got %+v", tt.wantCount, r.Tasks)
			}
			if store.listArgs[0] != tt.wantFilter {
				t.Errorf("expected filter %q, got %q", tt.wantFilter, store.listArgs[0])
			}
		})
	}
}

func TestTasks_ListTasks_WhenEmpty_ShouldSaySo(t *testing.T) {
	reg, _, _, ec := tasksSetup(t)
	resp, err := reg.Dispatch(context.Background(), ec, call("ListTasks", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if r := decodeTaskReply(t, resp); r.Message != "No tasks filed yet." {
		t.Errorf("unexpected reply %+v", r)
	}
}

func TestTasks_CloseTask(t *testing.T) {
	tests := []struct {
		name      string
		args      string
		wantMsg   string
		wantError string
	}{
		{"open task", `{"taskId":1,"resolution":"done"}`, "Task #1 was closed.", ""},
		{"already closed", `{"taskId":2,"resolution":"done"}`, "", "Task is already closed."},
		{"missing", `{"taskId":9,"resolution":"done"}`, "", "Task not found."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, store, _, ec := tasksSetup(t)
			store.tasks = []tasks.Task{
				{ID: 1, Zone: ec.Zone(), Kind: tasks.KindBug, Title: "a", Status: tasks.StatusOpen},
				{ID: 2, Zone: ec.Zone(), Kind: tasks.KindBug, Title: "b", Status: tasks.StatusClosed},
			}
			resp, err := reg.Dispatch(context.Background(), ec, call("CloseTask", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			r := decodeTaskReply(t, resp)
			if r.Message != tt.wantMsg || r.Error != tt.wantError {
				t.Errorf("got message %q error %q", r.Message, r.Error)
			}
		})
	}
}

func TestTasks_CloseTask_ShouldRequireSuperuser(t *testing.T) {
	reg, _, _, ec := tasksSetup(t)
	visible := func(supers map[string]struct{}) bool {
		for _, fn := range reg.Functions(ec, supers) {
			if fn.Name == "CloseTask" {
				return true
			}
		}
		return false
	}
	if visible(nil) {
		t.Error("expected CloseTask hidden from regular users")
	}
	if !visible(map[string]struct{}{ec.UserID(): {}}) {
		t.Error("expected CloseTask offered to superusers")
	}
}

func TestTasks_WhenNoZone_ShouldReturnInvalidInput(t *testing.T) {
	resp, err := NewTasks(&fakeTaskStore{}).Execute(context.Background(), &domain.ExecutionContext{}, ListTasks{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := resp.(domain.InvalidInput); !ok {
		t.Errorf("expected InvalidInput, got %#v", resp)
	}
}

// =============================================================================
// Schema
// =============================================================================

func TestTasks_Requests_ShouldRenderEnumsMapsAndAliases(t *testing.T) {
	reg, _, _, _ := tasksSetup(t)
	params := func(name string) map[string]any {
		t.Helper()
		fn, ok := reg.Lookup(name)
		if !ok {
			t.Fatalf("%s not registered", name)
		}
		var m map[string]any
		if err := json.Unmarshal(fn.Definition().InputSchema, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}
	prop := func(m map[string]any, name string) map[string]any {
		t.Helper()
		p, ok := m["properties"].(map[string]any)[name].(map[string]any)
		if !ok {
			t.Fatalf("missing property %s", name)
		}
		return p
	}

	feature := params("RequestFeature")
	priority := prop(feature, "priority")
	if priority["type"] != "string" || len(priority["enum"].([]any)) != 4 || priority["enum"].([]any)[3] != "Critical" {
		t.Errorf("unexpected priority schema %v", priority)
	}
	for _, r := range feature["required"].([]any) {
		if r == "integrationPoints" {
			t.Error("expected optional integrationPoints to be left out of required")
		}
	}

	env := prop(params("RequestBug"), "environment")
	if env["type"] != "object" || env["additionalProperties"].(map[string]any)["type"] != "string" {
		t.Errorf("unexpected environment schema %v", env)
	}

	id := prop(params("CloseTask"), "taskId")
	if id["type"] != "number" || id["description"] != "The task to close." {
		t.Errorf("unexpected taskId schema %v", id)
	}
}
