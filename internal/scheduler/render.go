package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

// Content is the rendered copy of a campaign for one recipient
type Content struct {
	Subject  string
	HTML     string
	FromName string // empty keeps the campaign's sender name
}

// RenderFunc renders a campaign for a recipient. variant is nil when the
// campaign is not under test.
type RenderFunc func(ctx context.Context, recipient models.Recipient, variant *models.Variant) (Content, error)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// TemplateRenderer renders a campaign's subject and HTML templates with
// {{variable}} substitution. Variables come from, in increasing priority,
// the renderer's globals, the campaign's variables and the recipient.
type TemplateRenderer struct {
	campaign *models.Campaign
	testType string
	vars     map[string]string
}

// NewTemplateRenderer creates a renderer for campaign. test may be nil.
func NewTemplateRenderer(campaign *models.Campaign, test *models.Test, globals map[string]string) (*TemplateRenderer, error) {
	var campaignVars map[string]string
	if campaign.Variables != "" {
		if err := json.Unmarshal([]byte(campaign.Variables), &campaignVars); err != nil {
			return nil, fmt.Errorf("campaign %q: invalid variables: %w", campaign.ID, err)
		}
	}

	r := &TemplateRenderer{
		campaign: campaign,
		vars:     mergeVariables(globals, campaignVars),
	}
	if test != nil {
		r.testType = test.Type
	}
	return r, nil
}

// Render implements RenderFunc. The variant value replaces the subject
// template, the HTML template or the sender name according to the test
// type, and is also exposed as {{variant}}.
func (r *TemplateRenderer) Render(_ context.Context, recipient models.Recipient, variant *models.Variant) (Content, error) {
	subject := r.campaign.Subject
	html := r.campaign.HTML
	fromName := ""

	vars := mergeVariables(r.vars, map[string]string{
		"email":             recipient.Email,
		"name":              recipient.Name,
		"recipient_id":      recipient.ID,
		"unsubscribe_token": recipient.UnsubscribeToken,
	})

	if variant != nil {
		vars["variant"] = variant.Value
		vars["variant_id"] = variant.ID
		switch r.testType {
		case models.TestTypeSubject:
			subject = variant.Value
		case models.TestTypeContent:
			html = variant.Value
		case models.TestTypeFromName:
			fromName = variant.Value
		}
	}

	return Content{
		Subject:  renderTemplate(subject, vars),
		HTML:     renderTemplate(html, vars),
		FromName: fromName,
	}, nil
}

func mergeVariables(layers ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			result[k] = v
		}
	}
	return result
}

// renderTemplate substitutes {{variable}} patterns in template string
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		// Keep original if variable not found
		return match
	})
}
