// Package email renders notification emails and delivers them through
// SES, one merged send per language with per-recipient personalization.
package email

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/notify"
)

// builtinTemplates are the stock notification emails, used when the
// template directory has no override for a key. First line is the
// subject, the rest is the body. Per-recipient merge tags (*|name|*) are
// substituted at send time; {{.field}} values are shared by the whole
// language group.
var builtinTemplates = map[string]string{
	"notification_new_content": `New content in {{.title}}
*|member_name|*,

{{.author}} posted new content in {{.title}}.

{{.url}}`,
	"notification_new_comment": `New reply to {{.title}}
*|member_name|*,

{{.author}} replied to {{.title}}:

{{.excerpt}}

{{.url}}`,
	"notification_new_review": `New review of {{.title}}
*|member_name|*,

{{.author}} reviewed {{.title}}:

{{.excerpt}}

{{.url}}`,
	"notification_quote": `{{.author}} quoted you
*|member_name|*,

{{.author}} quoted you in {{.title}}:

{{.excerpt}}

{{.url}}`,
	"notification_new_likes": `{{.author}} reacted to your post
*|member_name|*,

{{.author}} reacted to your post in {{.title}}.

{{.url}}`,
	"notification_generic": `New notification from {{.board}}
*|member_name|*,

You have a new notification on {{.board}}.

{{.url}}`,
}

// TemplateStore loads and caches email templates. Overrides live on disk
// as <key>.<language>.tmpl (or <key>.tmpl for all languages); anything
// not found there falls back to the builtin set.
type TemplateStore struct {
	dir    string
	board  string
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*template.Template
}

func NewTemplateStore(dir, boardName string, logger *zap.Logger) *TemplateStore {
	return &TemplateStore{
		dir:    dir,
		board:  boardName,
		logger: logger,
		cache:  make(map[string]*template.Template),
	}
}

// Render produces the subject and body for one (key, language) pair,
// shared merge tags still in place.
func (s *TemplateStore) Render(key, language string, params map[string]string) (subject, body string, err error) {
	tmpl, err := s.lookup(key, language)
	if err != nil {
		return "", "", err
	}

	data := make(map[string]string, len(params)+1)
	for k, v := range params {
		data[k] = v
	}
	data["board"] = s.board

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render template %s: %w", key, err)
	}

	rendered := buf.String()
	subject, body, found := strings.Cut(rendered, "\n")
	if !found {
		return "", "", fmt.Errorf("template %s has no body", key)
	}
	return strings.TrimSpace(subject), strings.TrimSpace(body), nil
}

func (s *TemplateStore) lookup(key, language string) (*template.Template, error) {
	cacheKey := key + "." + language
	s.mu.Lock()
	defer s.mu.Unlock()
	if tmpl, ok := s.cache[cacheKey]; ok {
		return tmpl, nil
	}

	text, ok := s.loadSource(key, language)
	if !ok {
		if text, ok = builtinTemplates[key]; !ok {
			text = builtinTemplates["notification_generic"]
		}
	}

	tmpl, err := template.New(cacheKey).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", key, err)
	}
	s.cache[cacheKey] = tmpl
	return tmpl, nil
}

func (s *TemplateStore) loadSource(key, language string) (string, bool) {
	if s.dir == "" {
		return "", false
	}
	for _, name := range []string{key + "." + language + ".tmpl", key + ".tmpl"} {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err == nil {
			return string(data), true
		}
		if !os.IsNotExist(err) {
			s.logger.Warn("template read failed", zap.String("file", name), zap.Error(err))
		}
	}
	return "", false
}

// applyMergeTags substitutes per-recipient *|tag|* placeholders.
func applyMergeTags(text string, subs map[string]string) string {
	if len(subs) == 0 {
		return text
	}
	pairs := make([]string, 0, len(subs)*2)
	for k, v := range subs {
		pairs = append(pairs, "*|"+k+"|*", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Composer renders push payloads. It implements notify.PushComposer,
// filling in the board name when an event ships an untitled payload.
type Composer struct {
	board string
}

func NewComposer(boardName string) *Composer {
	return &Composer{board: boardName}
}

// Compose returns the payload for one language. The content an event
// carries is already rendered; composition only applies the board-name
// title fallback. Returned values are shared across members of the same
// language, so the result is a copy.
func (c *Composer) Compose(ev *notify.Event, language string) (*notify.PushContent, error) {
	if ev.Push == nil {
		return nil, fmt.Errorf("event %s carries no push content", ev.Key)
	}
	content := *ev.Push
	if content.Title == "" {
		content.Title = c.board
	}
	return &content, nil
}
