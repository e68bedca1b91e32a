// Package templates renders billing notification emails.
//
// Every template is a templ.Component wrapped in a shared layout. Renderer
// maps notification template keys onto those components and implements
// notifications.TemplateRenderer.
package templates

import (
	"context"
	"strings"

	"github.com/a-h/templ"
)

// Render takes a templ.Component and renders it to a string.
func Render(ctx context.Context, tpl templ.Component) (string, error) {
	var sb strings.Builder
	if err := tpl.Render(ctx, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}
