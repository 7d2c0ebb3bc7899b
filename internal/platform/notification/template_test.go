package notification

import (
	"strings"
	"testing"
)

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	e := NewTemplateEngine()
	for _, id := range []string{TemplateQueueCalled, TemplateRoomAssigned, TemplateStaffMessage} {
		if _, err := e.Render(id, "u-1", nil); err != nil {
			t.Errorf("built-in template %q missing: %v", id, err)
		}
	}
}

func TestTemplateEngine_RenderWithData(t *testing.T) {
	e := NewTemplateEngine()
	n, err := e.Render(TemplateQueueCalled, "patient-1", map[string]string{
		"patient_name": "Ada",
		"queue_number": "C-001",
		"specialty":    "Cardiology",
		"hospital":     "Bera Clinic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.UserID != "patient-1" || n.Type != TypeQueueCalled {
		t.Errorf("unexpected notification: %+v", n)
	}
	if !strings.Contains(n.Message, "C-001") || !strings.Contains(n.Message, "Bera Clinic") {
		t.Errorf("placeholders not replaced: %q", n.Message)
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	e := NewTemplateEngine()
	n, _ := e.Render(TemplateRoomAssigned, "u-1", map[string]string{"room_name": "Room A"})
	if !strings.Contains(n.Message, "{{queue_number}}") {
		t.Errorf("expected unreplaced placeholder to remain, got %q", n.Message)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	e := NewTemplateEngine()
	if _, err := e.Render("nope", "u-1", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestTemplateEngine_RenderKeepsPlaceholdersInValues(t *testing.T) {
	e := NewTemplateEngine()
	data := map[string]string{
		"hospital": "Bera Clinic",
		"message":  "reply with {{hospital}} code",
	}
	for i := 0; i < 200; i++ {
		n, err := e.Render(TemplateStaffMessage, "patient-1", data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n.Message != "reply with {{hospital}} code" {
			t.Fatalf("render %d expanded staff text: %q", i, n.Message)
		}
		if n.Title != "Message from Bera Clinic" {
			t.Fatalf("render %d title = %q", i, n.Title)
		}
	}
}

func TestTemplateEngine_Register(t *testing.T) {
	e := NewTemplateEngine()
	e.register(Template{ID: "custom", Title: "Hi {{name}}", Message: "x", Type: TypeStaffMessage})
	n, err := e.Render("custom", "u-1", map[string]string{"name": "Bo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Title != "Hi Bo" {
		t.Errorf("expected 'Hi Bo', got %q", n.Title)
	}
}
