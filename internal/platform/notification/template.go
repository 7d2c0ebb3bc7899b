package notification

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Template is a reusable title/message pair with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    Type   `json:"type"`
}

// Template ids used by the queue engine.
const (
	TemplateQueueCalled  = "queue-called"
	TemplateRoomAssigned = "room-assigned"
	TemplateStaffMessage = "staff-message"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateQueueCalled,
			Title:   "It's your turn",
			Message: "{{patient_name}}, ticket {{queue_number}} is being called for {{specialty}} at {{hospital}}.",
			Type:    TypeQueueCalled,
		},
		{
			ID:      TemplateRoomAssigned,
			Title:   "Waiting room assigned",
			Message: "Please proceed to {{room_name}}. Your ticket is {{queue_number}}.",
			Type:    TypeRoomAssigned,
		},
		{
			ID:      TemplateStaffMessage,
			Title:   "Message from {{hospital}}",
			Message: "{{message}}",
			Type:    TypeStaffMessage,
		},
	}
	for _, t := range builtIn {
		e.register(t)
	}
}

func (e *TemplateEngine) register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render builds a Notification for userID from a template. Keys present in the
// template but absent from data are left as-is. Substituted values are not
// scanned again, so a value containing "{{key}}" is kept verbatim.
func (e *TemplateEngine) Render(templateID, userID string, data map[string]string) (Notification, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Notification{}, fmt.Errorf("template %q not found", templateID)
	}

	r := placeholders(data)
	return Notification{
		UserID:  userID,
		Title:   r.Replace(t.Title),
		Message: r.Replace(t.Message),
		Type:    t.Type,
	}, nil
}

func placeholders(data map[string]string) *strings.Replacer {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", data[k])
	}
	return strings.NewReplacer(pairs...)
}
