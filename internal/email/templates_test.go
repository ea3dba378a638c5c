package email

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/notify"
)

func TestRender_Builtin(t *testing.T) {
	store := NewTemplateStore("", "Forgeboard", zap.NewNop())

	subject, body, err := store.Render("notification_new_comment", "en", map[string]string{
		"title":   "Server upgrades",
		"author":  "bob",
		"excerpt": "Looks good to me.",
		"url":     "https://example.com/topic/1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if subject != "New reply to Server upgrades" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "bob replied to Server upgrades") {
		t.Errorf("body should carry the shared params, got %q", body)
	}
	if !strings.Contains(body, "*|member_name|*") {
		t.Error("per-recipient merge tags must survive rendering")
	}
}

func TestRender_GenericFallback(t *testing.T) {
	store := NewTemplateStore("", "Forgeboard", zap.NewNop())

	subject, body, err := store.Render("notification_profile_comment", "en", map[string]string{
		"url": "https://example.com/profile",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "New notification from Forgeboard" {
		t.Errorf("unknown keys should use the generic template, got %q", subject)
	}
	if !strings.Contains(body, "https://example.com/profile") {
		t.Error("generic template should still render params")
	}
}

func TestRender_MissingParamsRenderEmpty(t *testing.T) {
	store := NewTemplateStore("", "Forgeboard", zap.NewNop())

	// No params at all: missingkey=zero keeps rendering from failing.
	if _, _, err := store.Render("notification_new_content", "en", nil); err != nil {
		t.Errorf("missing params must not fail the render: %v", err)
	}
}

func TestRender_DiskOverride(t *testing.T) {
	dir := t.TempDir()

	override := "Sujet: {{.title}}\nBonjour *|member_name|*, {{.title}}."
	if err := os.WriteFile(filepath.Join(dir, "notification_new_comment.fr.tmpl"), []byte(override), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	store := NewTemplateStore(dir, "Forgeboard", zap.NewNop())

	subject, body, err := store.Render("notification_new_comment", "fr", map[string]string{"title": "Mises"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Sujet: Mises" {
		t.Errorf("language override should win, got %q", subject)
	}
	if !strings.Contains(body, "Bonjour *|member_name|*") {
		t.Errorf("override body expected, got %q", body)
	}

	// Other languages still use the builtin.
	subject, _, err = store.Render("notification_new_comment", "en", map[string]string{"title": "Upgrades"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "New reply to Upgrades" {
		t.Errorf("builtin expected for en, got %q", subject)
	}
}

func TestRender_LanguageAgnosticOverride(t *testing.T) {
	dir := t.TempDir()

	override := "Hello {{.title}}\nBody {{.title}}."
	if err := os.WriteFile(filepath.Join(dir, "digest_weekly.tmpl"), []byte(override), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	store := NewTemplateStore(dir, "Forgeboard", zap.NewNop())
	for _, lang := range []string{"en", "de"} {
		subject, _, err := store.Render("digest_weekly", lang, map[string]string{"title": "x"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if subject != "Hello x" {
			t.Errorf("<key>.tmpl should serve every language, got %q for %s", subject, lang)
		}
	}
}

func TestApplyMergeTags(t *testing.T) {
	out := applyMergeTags("Hi *|member_name|*, about *|thing|*.", map[string]string{
		"member_name": "alice",
		"thing":       "your topic",
	})
	if out != "Hi alice, about your topic." {
		t.Errorf("unexpected substitution: %q", out)
	}

	untouched := "No tags here"
	if applyMergeTags(untouched, nil) != untouched {
		t.Error("empty substitutions should return the text unchanged")
	}

	// Tags without a substitution stay literal rather than vanishing.
	out = applyMergeTags("Hi *|member_name|*", map[string]string{"other": "x"})
	if out != "Hi *|member_name|*" {
		t.Errorf("unknown tags should be left alone, got %q", out)
	}
}

func TestComposer_TitleFallback(t *testing.T) {
	c := NewComposer("Forgeboard")

	ev := &notify.Event{
		Key:  notify.KeyNewComment,
		Push: &notify.PushContent{Body: "bob replied", URL: "https://example.com"},
	}
	content, err := c.Compose(ev, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.Title != "Forgeboard" {
		t.Errorf("untitled payloads should fall back to the board name, got %q", content.Title)
	}
	if ev.Push.Title != "" {
		t.Error("the event's own payload must not be mutated")
	}

	ev.Push.Title = "Custom"
	content, err = c.Compose(ev, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.Title != "Custom" {
		t.Errorf("explicit title should win, got %q", content.Title)
	}
}

func TestComposer_NoPushContent(t *testing.T) {
	c := NewComposer("Forgeboard")
	if _, err := c.Compose(&notify.Event{Key: notify.KeyQuote}, "en"); err == nil {
		t.Error("an event without push content cannot be composed")
	}
}
