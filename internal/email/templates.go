package email

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// Template is a stored email template. Subject and bodies are Liquid
// sources rendered against the message's template data.
type Template struct {
	ID          string
	Name        string
	Subject     string
	HTMLContent string
	TextContent string
}

// TemplateRenderer resolves a template reference into concrete content.
// It is the engine's only dependency on the template subsystem.
type TemplateRenderer interface {
	Render(ctx context.Context, templateID string, data map[string]interface{}) (*RenderedContent, error)
}

// RenderedContent is the output of template resolution.
type RenderedContent struct {
	Subject     string
	HTMLContent string
	TextContent string
}

// LiquidRenderer renders stored templates with the Liquid engine.
// Parsed templates are cached; template rows are immutable once created.
type LiquidRenderer struct {
	db     *sql.DB
	engine *liquid.Engine
	cache  sync.Map // template id → *Template
}

// NewLiquidRenderer creates a renderer over the template table.
func NewLiquidRenderer(db *sql.DB) *LiquidRenderer {
	return &LiquidRenderer{db: db, engine: liquid.NewEngine()}
}

// Render loads the template and renders subject and bodies with data.
func (r *LiquidRenderer) Render(ctx context.Context, templateID string, data map[string]interface{}) (*RenderedContent, error) {
	tpl, err := r.load(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	subject, err := r.renderString(tpl.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("render subject of template %s: %w", templateID, err)
	}
	html, err := r.renderString(tpl.HTMLContent, data)
	if err != nil {
		return nil, fmt.Errorf("render html of template %s: %w", templateID, err)
	}
	text, err := r.renderString(tpl.TextContent, data)
	if err != nil {
		return nil, fmt.Errorf("render text of template %s: %w", templateID, err)
	}

	return &RenderedContent{Subject: subject, HTMLContent: html, TextContent: text}, nil
}

func (r *LiquidRenderer) renderString(source string, data map[string]interface{}) (string, error) {
	if source == "" {
		return "", nil
	}
	out, err := r.engine.ParseAndRenderString(source, data)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *LiquidRenderer) load(ctx context.Context, templateID string) (*Template, error) {
	if cached, ok := r.cache.Load(templateID); ok {
		return cached.(*Template), nil
	}

	tpl := &Template{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, subject, html_content, text_content
		FROM email_templates WHERE id = $1
	`, templateID).Scan(&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.HTMLContent, &tpl.TextContent)
	if err == sql.ErrNoRows {
		return nil, &ValidationError{Field: "template_id", Reason: fmt.Sprintf("unknown template %q", templateID)}
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", templateID, err)
	}

	r.cache.Store(templateID, tpl)
	return tpl, nil
}

// StaticRenderer serves templates from memory. Used in tests and as a
// fallback when no template table is configured.
type StaticRenderer struct {
	engine    *liquid.Engine
	templates map[string]*Template
}

// NewStaticRenderer creates a renderer over a fixed template set.
func NewStaticRenderer(templates ...*Template) *StaticRenderer {
	byID := make(map[string]*Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	return &StaticRenderer{engine: liquid.NewEngine(), templates: byID}
}

// Render renders an in-memory template.
func (r *StaticRenderer) Render(_ context.Context, templateID string, data map[string]interface{}) (*RenderedContent, error) {
	tpl, ok := r.templates[templateID]
	if !ok {
		return nil, &ValidationError{Field: "template_id", Reason: fmt.Sprintf("unknown template %q", templateID)}
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	out := &RenderedContent{}
	var err error
	if out.Subject, err = r.engine.ParseAndRenderString(tpl.Subject, data); err != nil {
		return nil, fmt.Errorf("render subject of template %s: %w", templateID, err)
	}
	if out.HTMLContent, err = r.engine.ParseAndRenderString(tpl.HTMLContent, data); err != nil {
		return nil, fmt.Errorf("render html of template %s: %w", templateID, err)
	}
	if out.TextContent, err = r.engine.ParseAndRenderString(tpl.TextContent, data); err != nil {
		return nil, fmt.Errorf("render text of template %s: %w", templateID, err)
	}
	return out, nil
}
