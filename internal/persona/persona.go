package persona

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"steward/internal/domain"
)

// DefaultName is the persona used when a channel has not selected one.
const DefaultName = "Jeeves"

// Roster is the on-disk shape of the personas file.
type Roster struct {
	Personas []domain.Persona `yaml:"personas"`
}

// Parse decodes a YAML roster. Every persona needs a name and a prompt;
// RespondsTo defaults to the persona's first name.
func Parse(data []byte) ([]domain.Persona, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid personas YAML: %w", err)
	}
	seen := make(map[string]bool, len(r.Personas))
	for i := range r.Personas {
		p := &r.Personas[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("persona %d: missing required field: name", i+1)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("persona %q is defined twice", p.Name)
		}
		seen[p.Name] = true
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, fmt.Errorf("persona %q: missing required field: prompt", p.Name)
		}
		for j, pat := range p.RespondsTo {
			p.RespondsTo[j] = strings.TrimSpace(pat)
		}
		if len(p.RespondsTo) == 0 {
			p.RespondsTo = []string{p.FirstName()}
		}
	}
	return r.Personas, nil
}

// Load reads and parses the roster at path.
func Load(path string) ([]domain.Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	return Parse(data)
}

// Directory holds the known personas and which one each channel speaks as.
// It is safe for concurrent use.
type Directory struct {
	defaultName string

	mu       sync.RWMutex
	byName   map[string]domain.Persona
	patterns map[string]*regexp.Regexp
	selected map[string]string // channel ID -> persona name
}

// NewDirectory indexes personas. defaultName may name a persona that is
// missing; Resolve then reports a configuration error for unselected channels.
func NewDirectory(personas []domain.Persona, defaultName string) *Directory {
	if defaultName == "" {
		defaultName = DefaultName
	}
	d := &Directory{
		defaultName: defaultName,
		byName:      make(map[string]domain.Persona, len(personas)),
		patterns:    make(map[string]*regexp.Regexp, len(personas)),
		selected:    make(map[string]string),
	}
	for _, p := range personas {
		d.byName[p.Name] = p
		d.patterns[p.Name] = mentionPattern(p.RespondsTo)
	}
	return d
}

// mentionPattern matches any of names as a whole word, case-insensitively.
func mentionPattern(names []string) *regexp.Regexp {
	var quoted []string
	for _, n := range names {
		if n != "" {
			quoted = append(quoted, regexp.QuoteMeta(n))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// All returns the personas sorted by name.
func (d *Directory) All() []domain.Persona {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Persona, 0, len(d.byName))
	for _, p := range d.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Directory) Get(name string) (domain.Persona, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byName[name]
	return p, ok
}

// Select makes channelID speak as name from now on.
func (d *Directory) Select(channelID, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byName[name]; !ok {
		return fmt.Errorf("persona not found: %s", name)
	}
	d.selected[channelID] = name
	return nil
}

// Current names the persona channelID speaks as.
func (d *Directory) Current(channelID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := d.selected[channelID]; ok {
		return name
	}
	return d.defaultName
}

// Resolve returns the persona channelID speaks as. A name that no longer
// resolves is a *domain.ConfigurationError.
func (d *Directory) Resolve(channelID string) (domain.Persona, error) {
	name := d.Current(channelID)
	p, ok := d.Get(name)
	if !ok {
		return domain.Persona{}, &domain.ConfigurationError{
			Setting: "agents.defaultPersona",
			Reason:  "persona not found: " + name,
		}
	}
	return p, nil
}

// Mentions reports whether text addresses the persona channelID speaks as.
func (d *Directory) Mentions(channelID, text string) bool {
	name := d.Current(channelID)
	d.mu.RLock()
	re := d.patterns[name]
	d.mu.RUnlock()
	return re != nil && re.MatchString(text)
}
