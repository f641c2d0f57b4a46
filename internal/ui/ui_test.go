package ui

import "testing"

// TestRenderPlainWhenColorDisabled verifies that NO_COLOR forces every
// renderer to pass its input through unchanged.
func TestRenderPlainWhenColorDisabled(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	renderers := map[string]func(string) string{
		"RenderPass":   RenderPass,
		"RenderWarn":   RenderWarn,
		"RenderFail":   RenderFail,
		"RenderAccent": RenderAccent,
		"RenderFaint":  RenderFaint,
	}
	for name, render := range renderers {
		if got := render("marker"); got != "marker" {
			t.Errorf("%s(%q) = %q with NO_COLOR set, want unchanged", name, "marker", got)
		}
	}
}
