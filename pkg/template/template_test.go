package template

import (
	"strings"
	"testing"
)

func TestRenderPlainText(t *testing.T) {
	out, err := Render("no variables here", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "no variables here" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderEmpty(t *testing.T) {
	out, err := Render("", map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderSubstitution(t *testing.T) {
	out, err := Render("Hello {{.name}}, you work on {{.project}}.", map[string]string{
		"name":    "reviewer",
		"project": "billing",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Hello reviewer, you work on billing."
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestRenderMissingVariable(t *testing.T) {
	_, err := Render("Hello {{.nmae}}", map[string]string{"name": "x"})
	if err == nil {
		t.Fatal("expected error for unknown variable")
	}
}

func TestRenderParseError(t *testing.T) {
	_, err := Render("{{.name", nil)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parse template") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRenderFunctions(t *testing.T) {
	cases := []struct {
		name string
		in   string
		vars map[string]string
		want string
	}{
		{"upper", `{{upper .name}}`, map[string]string{"name": "ops"}, "OPS"},
		{"lower", `{{lower .name}}`, map[string]string{"name": "OPS"}, "ops"},
		{"title", `{{title .name}}`, map[string]string{"name": "code reviewer"}, "Code Reviewer"},
		{"trim", `{{trim .name}}`, map[string]string{"name": "  padded  "}, "padded"},
		{"replace", `{{replace .name "-" "_"}}`, map[string]string{"name": "a-b-c"}, "a_b_c"},
		{"default used", `{{default "fallback" .name}}`, map[string]string{"name": ""}, "fallback"},
		{"default unused", `{{default "fallback" .name}}`, map[string]string{"name": "set"}, "set"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Render(tc.in, tc.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != tc.want {
				t.Fatalf("got %q want %q", out, tc.want)
			}
		})
	}
}
