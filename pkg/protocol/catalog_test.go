package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	for _, name := range []string{"Root", "Playwright", "BrowserType", "Browser", "BrowserContext", "Page", "Frame",
		"Request", "Response", "Route", "WebSocket", "JSHandle", "ElementHandle", "ConsoleMessage", "Dialog", "Artifact"} {
		_, ok := c.Interface(name)
		assert.True(t, ok, "missing %s", name)
	}

	assert.True(t, c.HasCommand("Root", "initialize"))
	assert.True(t, c.HasCommand("Frame", "goto"))
	assert.True(t, c.HasCommand("Browser", "killForTests"), "null-bodied commands count")
	assert.False(t, c.HasCommand("Frame", "launch"))
	assert.False(t, c.HasCommand("Nope", "close"))

	assert.True(t, c.HasEvent("BrowserContext", "page"))
	assert.True(t, c.HasEvent("Frame", "loadstate"))
	assert.False(t, c.HasEvent("Frame", "page"))
}

func TestExtendsIsWalked(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.True(t, c.HasCommand("ElementHandle", "jsonValue"), "inherited from JSHandle")
	assert.True(t, c.HasCommand("Page", "waitForEventInfo"), "inherited from EventTarget")
	assert.True(t, c.HasEvent("ElementHandle", "previewUpdated"))

	cmds := c.Commands("ElementHandle")
	assert.Contains(t, cmds, "click")
	assert.Contains(t, cmds, "dispose")
	assert.IsIncreasing(t, cmds)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing type":    "Foo:\n  commands:\n    bar:\n",
		"bad type":        "Foo:\n  type: widget\n",
		"unknown field":   "Foo:\n  type: interface\n  colour: red\n",
		"unknown extends": "Foo:\n  type: interface\n  extends: Bar\n",
		"extends cycle":   "A:\n  type: interface\n  extends: B\nB:\n  type: interface\n  extends: A\n",
		"not yaml":        "{: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestLoadFileAcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.json")
	doc := `{"Thing": {"type": "interface", "commands": {"poke": null}, "events": {"poked": {"parameters": {"n": "number"}}}}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Thing"}, c.Names())
	assert.True(t, c.HasCommand("Thing", "poke"))
	assert.Equal(t, []string{"poked"}, c.Events("Thing"))
}
