package templates

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

// Layout wraps body into the common email frame.
func Layout(appName, title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, `<!DOCTYPE html><html><head><meta charset="utf-8"><title>%s</title></head>`+
			`<body style="font-family:Arial,sans-serif;color:#1f2933;">`+
			`<h1 style="font-size:20px;">%s</h1>`,
			templ.EscapeString(title), templ.EscapeString(title)); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, `<p style="color:#7b8794;font-size:12px;">%s</p></body></html>`,
			templ.EscapeString(appName))
		return err
	})
}

// Paragraphs renders each line as an escaped paragraph.
func Paragraphs(lines ...string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		for _, l := range lines {
			if _, err := io.WriteString(w, "<p>"+templ.EscapeString(l)+"</p>"); err != nil {
				return err
			}
		}
		return nil
	})
}
