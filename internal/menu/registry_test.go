package menu

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validNodes() []Node {
	return []Node{
		{ID: "root", Prompt: "hi", Options: []Option{
			{Label: "Audio", Target: "audio"},
			{Label: "About", Target: "about"},
		}},
		{ID: "audio", Prompt: "pick", Options: []Option{
			{Label: "Convert", Target: "done", Action: "transcode"},
			{Label: "Back", Target: "back"},
		}},
		{ID: "about", Prompt: "info", Terminal: true},
		{ID: "done", Prompt: "done", Options: []Option{
			{Label: "Main menu", Target: "root"},
		}},
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(validNodes())
	require.NoError(t, err)
	assert.Equal(t, 4, reg.Len())
	assert.Empty(t, reg.Validate())

	n, err := reg.Resolve("audio")
	require.NoError(t, err)
	assert.Equal(t, "pick", n.Prompt)

	_, err = reg.Resolve("nope")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	nodes := validNodes()
	nodes = append(nodes, Node{ID: "audio", Prompt: "again"})
	_, err := NewRegistry(nodes)
	assert.ErrorContains(t, err, "duplicate")
}

func TestNewRegistryRejectsMissingRoot(t *testing.T) {
	_, err := NewRegistry([]Node{{ID: "lonely", Prompt: "x", Terminal: true}})
	assert.ErrorContains(t, err, "root")
}

func TestNewRegistryRejectsSentinelID(t *testing.T) {
	nodes := validNodes()
	nodes = append(nodes, Node{ID: "cancel", Prompt: "x"})
	_, err := NewRegistry(nodes)
	assert.ErrorContains(t, err, "sentinel")
}

func TestValidateDanglingTarget(t *testing.T) {
	nodes := validNodes()
	nodes[0].Options[0].Target = "ghost"
	reg, err := NewRegistry(nodes)
	require.NoError(t, err)

	errs := reg.Validate()
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "ghost") {
			found = true
		}
	}
	assert.True(t, found, "expected a dangling-target error mentioning ghost")
}

func TestValidateUnreachableNode(t *testing.T) {
	nodes := append(validNodes(), Node{ID: "island", Prompt: "x", Terminal: true})
	reg, err := NewRegistry(nodes)
	require.NoError(t, err)

	errs := reg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "unreachable")
}

func TestValidateNoTerminalReachable(t *testing.T) {
	reg, err := NewRegistry([]Node{
		{ID: "root", Prompt: "hi", Options: []Option{{Label: "Loop", Target: "loop"}}},
		{ID: "loop", Prompt: "still here", Options: []Option{{Label: "Again", Target: "root"}}},
	})
	require.NoError(t, err)

	errs := reg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "terminal")
}

func TestValidateTerminalWithOptions(t *testing.T) {
	nodes := validNodes()
	nodes[2].Options = []Option{{Label: "Oops", Target: "root"}}
	reg, err := NewRegistry(nodes)
	require.NoError(t, err)

	errs := reg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "terminal")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	data := `nodes:
  - id: root
    prompt: "hello"
    options:
      - label: "Finish"
        target: end
  - id: end
    prompt: "bye"
    terminal: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, "hello", reg.Root().Prompt)
}

func TestLoadRejectsBrokenGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	data := `nodes:
  - id: root
    prompt: "hello"
    options:
      - label: "Ghost"
        target: nowhere
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}
