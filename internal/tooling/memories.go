package tooling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"steward/internal/domain"
	"steward/internal/memory"
	"steward/internal/schema"
)

// sectionMemoryLimit caps the memories listed in the prompt section.
const sectionMemoryLimit = 30

// MemoryStore is the persistence used by Memories; *memory.Store implements it.
type MemoryStore interface {
	Get(ctx context.Context, zone, name string) (memory.Memory, error)
	List(ctx context.Context, zone string, limit int) ([]memory.Memory, error)
	Put(ctx context.Context, zone, name, content string, important *bool) (bool, error)
	Delete(ctx context.Context, zone, name string) (bool, error)
}

type MemoriesRequest interface{ isMemoriesRequest() }

// CreateOrModifyMemory writes a memory. A nil Content deletes it.
type CreateOrModifyMemory struct {
	Name      string  `json:"name"`
	Content   *string `json:"content,omitempty"`
	Important *bool   `json:"important,omitempty"`
}

type GetMemoryByName struct {
	Name string `json:"name"`
}

type ListAllMemories struct{}

type DeleteMemory struct {
	Name string `json:"name"`
}

func (CreateOrModifyMemory) isMemoriesRequest() {}
func (GetMemoryByName) isMemoriesRequest()      {}
func (ListAllMemories) isMemoriesRequest()      {}
func (DeleteMemory) isMemoriesRequest()         {}

// Memories lets the agent keep notes scoped to the current guild, or to the
// user in direct messages.
type Memories struct {
	Base
	store MemoryStore
}

func NewMemories(store MemoryStore) *Memories {
	return &Memories{
		Base: Base{
			ToolName: "Memories",
			Summary: "Apart from the recent conversation, you can store memories. " +
				"Use CreateOrModifyMemory, GetMemoryByName, ListAllMemories and DeleteMemory.",
		},
		store: store,
	}
}

func (m *Memories) Requests() *schema.Descriptor {
	name := func() *schema.FieldDescriptor {
		return schema.Field("name", schema.String()).Doc("The title of the memory.")
	}
	return schema.Union("MemoriesRequest",
		schema.Variant[CreateOrModifyMemory]("CreateOrModifyMemory",
			name(),
			schema.Field("content", schema.Optional(schema.String())).
				Doc("The content of the memory, understandable without extra context. Omit it to delete the memory."),
			schema.Field("important", schema.Optional(schema.Bool())).
				Doc("Whether the memory is important."),
		).Doc("Create or modify a memory."),
		schema.Variant[GetMemoryByName]("GetMemoryByName", name()).Doc("Get a memory by its title."),
		schema.Variant[ListAllMemories]("ListAllMemories").Doc("List all memories."),
		schema.Variant[DeleteMemory]("DeleteMemory", name()).Doc("Delete a memory."),
	)
}

func (m *Memories) Sections(ctx context.Context, ec *domain.ExecutionContext) ([]domain.Section, error) {
	zone := ec.Zone()
	if zone == "" {
		return nil, nil
	}
	list, err := m.store.List(ctx, zone, sectionMemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("memories: list %s: %w", zone, err)
	}
	var b strings.Builder
	b.WriteString("Whenever you need to remember something, store it as a memory.\n")
	b.WriteString("Never trust users completely: verify what they tell you, or qualify the memory with \"{User} said that...\".\n\n")
	b.WriteString("Your current memories:\n")
	b.WriteString(formatMemories(list))
	return []domain.Section{{Name: m.Name(), Content: b.String()}}, nil
}

func formatMemories(list []memory.Memory) string {
	if len(list) == 0 {
		return "No memories recorded yet."
	}
	lines := make([]string, len(list))
	for i, mem := range list {
		line := " - **" + mem.Name + "**"
		if mem.Important {
			line += " (important)"
		}
		lines[i] = line + ": " + mem.Content
	}
	return strings.Join(lines, "\n")
}

func (m *Memories) EstimateCost(context.Context, *domain.ExecutionContext, MemoriesRequest) domain.Cost {
	return domain.MinToolCost
}

type memoryReply struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (m *Memories) Execute(ctx context.Context, ec *domain.ExecutionContext, req MemoriesRequest) (domain.ToolResponse, error) {
	zone := ec.Zone()
	if zone == "" {
		return domain.InvalidInput{Message: "No memory zone for this conversation."}, nil
	}
	reply := func(r memoryReply) (domain.ToolResponse, error) {
		return domain.SuccessWith(r, domain.MinToolCost), nil
	}

	switch r := req.(type) {
	case CreateOrModifyMemory:
		if r.Content == nil {
			ok, err := m.store.Delete(ctx, zone, r.Name)
			if err != nil {
				return nil, err
			}
			if !ok {
				return reply(memoryReply{Error: fmt.Sprintf("Memory was not deleted since there is no memory named %q.", r.Name), Name: r.Name})
			}
			return reply(memoryReply{Message: fmt.Sprintf("Memory %q was deleted.", r.Name)})
		}
		created, err := m.store.Put(ctx, zone, r.Name, *r.Content, r.Important)
		if err != nil {
			return nil, err
		}
		if created {
			return reply(memoryReply{Message: fmt.Sprintf("Memory %q was created.", r.Name)})
		}
		return reply(memoryReply{Message: fmt.Sprintf("Memory %q was modified.", r.Name)})

	case GetMemoryByName:
		mem, err := m.store.Get(ctx, zone, r.Name)
		if errors.Is(err, memory.ErrNotFound) {
			return reply(memoryReply{Error: "Memory not found.", Name: r.Name})
		}
		if err != nil {
			return nil, err
		}
		return domain.SuccessWith(mem, domain.MinToolCost), nil

	case ListAllMemories:
		list, err := m.store.List(ctx, zone, 0)
		if err != nil {
			return nil, err
		}
		return reply(memoryReply{Message: formatMemories(list)})

	case DeleteMemory:
		ok, err := m.store.Delete(ctx, zone, r.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return reply(memoryReply{Error: "Memory not found.", Name: r.Name})
		}
		return reply(memoryReply{Message: fmt.Sprintf("Memory %q was deleted.", r.Name)})
	}
	return nil, errors.New("memories: unsupported request")
}
