package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"steward/internal/domain"
	"steward/internal/schema"
	"steward/internal/tasks"
)

// taskListLimit caps ListTasks results.
const taskListLimit = 25

// TaskStore is the persistence used by Tasks; *tasks.Store implements it.
type TaskStore interface {
	Create(ctx context.Context, t tasks.Task) (int64, error)
	List(ctx context.Context, zone, status string, limit int) ([]tasks.Task, error)
	Close(ctx context.Context, zone string, id int64, resolution string) (bool, error)
}

type (
	FeaturePriority string
	FeatureUrgency  string
	ImpactScore     string
	BugSeverity     string
	TaskStatus      string
)

type TasksRequest interface{ isTasksRequest() }

type RequestFeature struct {
	Feature              string          `json:"feature"`
	UseCaseScenarios     []string        `json:"useCaseScenarios"`
	ExpectedImpact       string          `json:"expectedImpact"`
	UserFeedback         string          `json:"userFeedback"`
	IntegrationPoints    []string        `json:"integrationPoints,omitempty"`
	EstimatedImpactScore ImpactScore     `json:"estimatedImpactScore"`
	Priority             FeaturePriority `json:"priority"`
	Urgency              FeatureUrgency  `json:"urgency"`
	SuccessMetrics       []string        `json:"successMetrics"`
}

type RequestBug struct {
	BugDescription        string            `json:"bugDescription"`
	StepsToReproduce      []string          `json:"stepsToReproduce"`
	AffectedFunctionality string            `json:"affectedFunctionality"`
	Severity              BugSeverity       `json:"severity"`
	Impact                string            `json:"impact"`
	RelatedTools          []string          `json:"relatedTools,omitempty"`
	ProposedSolution      *string           `json:"proposedSolution,omitempty"`
	Environment           map[string]string `json:"environment,omitempty"`
}

type ListTasks struct {
	Status *TaskStatus `json:"status,omitempty"`
}

type CloseTask struct {
	TaskID     int64  `json:"taskId"`
	Resolution string `json:"resolution"`
}

func (RequestFeature) isTasksRequest() {}
func (RequestBug) isTasksRequest()     {}
func (ListTasks) isTasksRequest()      {}
func (CloseTask) isTasksRequest()      {}

// Tasks files feature requests and bug reports about the agent itself. Each
// report is stored in the zone and quoted into the channel.
type Tasks struct {
	Base
	store TaskStore
}

func NewTasks(store TaskStore) *Tasks {
	return &Tasks{
		Base: Base{
			ToolName: "Tasks",
			Summary: "You can file feature requests and bug reports about yourself. " +
				"If a tool errors out, file a bug report immediately.",
		},
		store: store,
	}
}

func (t *Tasks) Requests() *schema.Descriptor {
	level := func(name string, values ...string) *schema.Descriptor {
		vs := make([]schema.EnumValue, len(values))
		for i, v := range values {
			vs[i] = schema.Value(v, "")
		}
		return schema.EnumOf(name, vs...)
	}
	text := func(name, doc string) *schema.FieldDescriptor {
		return schema.Field(name, schema.String()).Doc(doc)
	}
	list := func(name, doc string) *schema.FieldDescriptor {
		return schema.Field(name, schema.ListOf(schema.String())).Doc(doc)
	}
	optionalList := func(name, doc string) *schema.FieldDescriptor {
		return schema.Field(name, schema.Optional(schema.ListOf(schema.String()))).Doc(doc)
	}
	taskID := schema.AliasOf("TaskId", schema.Long()).Doc("Identifier of a filed task.")

	return schema.Union("TasksRequest",
		schema.Variant[RequestFeature]("RequestFeature",
			text("feature", "Describe the feature you would like to request in the greatest detail you can."),
			list("useCaseScenarios", "Potential use case scenarios for this feature."),
			text("expectedImpact", "Anticipated improvements in performance, efficiency or user experience."),
			text("userFeedback", "Specific feedback from users that led to this request."),
			optionalList("integrationPoints", "How this feature would interact with existing functionality."),
			schema.Field("estimatedImpactScore", level("ImpactScore", "Minimal", "Moderate", "Significant", "Transformative")).
				Doc("Estimated impact of the feature on overall capabilities."),
			schema.Field("priority", level("FeaturePriority", "Low", "Medium", "High", "Critical")).
				Doc("The priority level of this feature request."),
			schema.Field("urgency", level("FeatureUrgency", "Low", "Medium", "High", "Immediate")).
				Doc("The urgency level of this feature request."),
			list("successMetrics", "Metrics that will measure the success of this feature."),
		).Doc("Request a new feature for the assistant: a new tool, a new capability, or any other improvement."),

		schema.Variant[RequestBug]("RequestBug",
			text("bugDescription", "Describe the bug in detail, including what happened and what was expected."),
			list("stepsToReproduce", "Steps to reproduce the bug."),
			text("affectedFunctionality", "The functionality or feature affected by the bug."),
			schema.Field("severity", level("BugSeverity", "Low", "Medium", "High", "Critical")).
				Doc("Severity of the bug."),
			text("impact", "The bug's impact on user experience or system functionality."),
			optionalList("relatedTools", "Tools or features that may be related to the bug."),
			schema.Field("proposedSolution", schema.Optional(schema.String())).Doc("Proposed solution to the bug."),
			schema.Field("environment", schema.Optional(schema.MapOf(schema.String(), schema.String()))).
				Doc("Facts about where the bug happened, such as the tool name or the error text."),
		).Doc("Report a bug or issue in the assistant's functionality. E.g. if a tool errors out, file a report immediately."),

		schema.Variant[ListTasks]("ListTasks",
			schema.Field("status", schema.Optional(level("TaskStatus", tasks.StatusOpen, tasks.StatusClosed))).
				Doc("Only list tasks with this status. Omit to list all."),
		).Doc("List the tasks filed in this conversation, newest first."),

		schema.Variant[CloseTask]("CloseTask",
			schema.Field("taskId", taskID).Doc("The task to close."),
			text("resolution", "How the task was resolved."),
		).Doc("Close a task once it has been handled.").Requires("superUser"),
	)
}

func (t *Tasks) EstimateCost(context.Context, *domain.ExecutionContext, TasksRequest) domain.Cost {
	return domain.MinToolCost
}

type taskReply struct {
	TaskID  int64        `json:"taskId,omitempty"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
	Tasks   []tasks.Task `json:"tasks,omitempty"`
}

func (t *Tasks) Execute(ctx context.Context, ec *domain.ExecutionContext, req TasksRequest) (domain.ToolResponse, error) {
	zone := ec.Zone()
	if zone == "" {
		return domain.InvalidInput{Message: "No task zone for this conversation."}, nil
	}
	reply := func(r taskReply) (domain.ToolResponse, error) {
		return domain.SuccessWith(r, domain.MinToolCost), nil
	}

	switch r := req.(type) {
	case RequestFeature:
		id, err := t.file(ctx, ec, tasks.KindFeature, r.Feature, string(r.Priority), r)
		if err != nil {
			return nil, err
		}
		out := taskReply{TaskID: id, Message: fmt.Sprintf("Feature request #%d was filed.", id)}
		if err := t.post(ctx, ec, formatReport(id, r)); err != nil {
			out.Error = "The request was filed but could not be posted: " + err.Error()
		}
		return reply(out)

	case RequestBug:
		id, err := t.file(ctx, ec, tasks.KindBug, r.BugDescription, string(r.Severity), r)
		if err != nil {
			return nil, err
		}
		out := taskReply{TaskID: id, Message: fmt.Sprintf("Bug report #%d was filed.", id)}
		if err := t.post(ctx, ec, formatReport(id, r)); err != nil {
			out.Error = "The report was filed but could not be posted: " + err.Error()
		}
		return reply(out)

	case ListTasks:
		status := ""
		if r.Status != nil {
			status = string(*r.Status)
		}
		list, err := t.store.List(ctx, zone, status, taskListLimit)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return reply(taskReply{Message: "No tasks filed yet."})
		}
		return reply(taskReply{Tasks: list})

	case CloseTask:
		closed, err := t.store.Close(ctx, zone, r.TaskID, r.Resolution)
		if errors.Is(err, tasks.ErrNotFound) {
			return reply(taskReply{TaskID: r.TaskID, Error: "Task not found."})
		}
		if err != nil {
			return nil, err
		}
		if !closed {
			return reply(taskReply{TaskID: r.TaskID, Error: "Task is already closed."})
		}
		return reply(taskReply{TaskID: r.TaskID, Message: fmt.Sprintf("Task #%d was closed.", r.TaskID)})
	}
	return nil, errors.New("tasks: unsupported request")
}

func (t *Tasks) file(ctx context.Context, ec *domain.ExecutionContext, kind, title, priority string, report any) (int64, error) {
	details, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("tasks: encode report: %w", err)
	}
	return t.store.Create(ctx, tasks.Task{
		Zone:     ec.Zone(),
		Kind:     kind,
		Title:    firstLine(title),
		Priority: priority,
		Author:   ec.UserID(),
		Details:  details,
	})
}

// post quotes a filed report into the channel.
func (t *Tasks) post(ctx context.Context, ec *domain.ExecutionContext, text string) error {
	if ec.Reply == nil {
		return nil
	}
	return ec.Reply.Send(ctx, domain.OutboundMessage{ChannelID: ec.ChannelID(), Text: text})
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if r := []rune(s); len(r) > 120 {
		s = string(r[:120]) + "…"
	}
	return s
}

func formatReport(id int64, report any) string {
	var b strings.Builder
	line := func(label string, v any) {
		switch x := v.(type) {
		case []string:
			if len(x) == 0 {
				return
			}
			v = strings.Join(x, "; ")
		case *string:
			if x == nil {
				return
			}
			v = *x
		case map[string]string:
			if len(x) == 0 {
				return
			}
			parts := make([]string, 0, len(x))
			for k, val := range x {
				parts = append(parts, k+"="+val)
			}
			slices.Sort(parts)
			v = strings.Join(parts, ", ")
		}
		fmt.Fprintf(&b, "> %s: %v\n", label, v)
	}
	switch r := report.(type) {
	case RequestFeature:
		fmt.Fprintf(&b, "> **Feature Request #%d:**\n", id)
		line("Feature", r.Feature)
		line("Use Case Scenarios", r.UseCaseScenarios)
		line("Expected Impact", r.ExpectedImpact)
		line("User Feedback", r.UserFeedback)
		line("Integration Points", r.IntegrationPoints)
		line("Estimated Impact Score", r.EstimatedImpactScore)
		line("Priority", r.Priority)
		line("Urgency", r.Urgency)
		line("Metrics for Success", r.SuccessMetrics)
	case RequestBug:
		fmt.Fprintf(&b, "> **Bug Report #%d:**\n", id)
		line("Bug Description", r.BugDescription)
		line("Steps to Reproduce", r.StepsToReproduce)
		line("Affected Functionality", r.AffectedFunctionality)
		line("Severity", r.Severity)
		line("Impact", r.Impact)
		line("Related Tools", r.RelatedTools)
		line("Proposed Solution", r.ProposedSolution)
		line("Environment", r.Environment)
	}
	return strings.TrimRight(b.String(), "\n")
}
