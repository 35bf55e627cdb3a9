package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInit(t *testing.T) {
	root := newRootCommand(&bytes.Buffer{})
	assert.Equal(t, len(commands()), len(root.Commands()))
	for _, c := range commands() {
		cmd, _, err := root.Find([]string{c.Name()})
		assert.Nil(t, err)
		assert.Equal(t, c.Name(), cmd.Name())
	}
}

func TestRun(t *testing.T) {
	var tests = []struct {
		args     []string
		contains []string
		err      bool
	}{
		{
			args:     []string{"run", "source num-items=5 ! sink"},
			contains: []string{"frames", "5"},
		},
		{
			args:     []string{"run", "--max-frames", "3", "videotestsrc", "!", "video/x-raw,format=RGB,width=8,height=4", "!", "appsink"},
			contains: []string{"frames", "3", "[4 8 3]"},
		},
		{
			args: []string{"run", "videotestsrc num-buffers=1 ! fakesink"},
			err:  true,
		},
		{
			args: []string{"run"},
			err:  true,
		},
		{
			args: []string{"run", "source num-items=1 ! ! sink"},
			err:  true,
		},
	}
	for _, c := range tests {
		t.Run(strings.Join(c.args, " "), func(t *testing.T) {
			out, err := execute(t, c.args...)
			if c.err {
				assert.NotNil(t, err)
				return
			}
			require.Nil(t, err)
			for _, s := range c.contains {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestInspect(t *testing.T) {
	out, err := execute(t, "inspect", "videotestsrc ! tee name=t t. ! queue ! appsink t. ! queue ! filesink location=/dev/null")
	require.Nil(t, err)
	assert.Contains(t, out, "consumer (primary)")
	assert.Contains(t, out, "location=/dev/null")
	assert.Contains(t, out, "tee")
}

func TestElements(t *testing.T) {
	out, err := execute(t, "elements")
	require.Nil(t, err)
	for _, name := range []string{"appsrc", "appsink", "videotestsrc", "tee", "wavsink"} {
		assert.Contains(t, out, name)
	}

	out, err = execute(t, "elements", "appsrc")
	require.Nil(t, err)
	assert.Contains(t, out, "block-timeout")

	_, err = execute(t, "elements", "nosuchelement")
	assert.NotNil(t, err)
}

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	var tests = []struct {
		name    string
		content string
		err     bool
	}{
		{
			name: "valid",
			content: `log_level = "ERROR"
[pipeline]
pop_timeout = 200
queue_size = 5
leaky = true
`,
		},
		{
			name:    "negative timeout",
			content: "[pipeline]\nbus_timeout = -1\n",
			err:     true,
		},
		{
			name:    "unknown field",
			content: "colour = \"red\"\n",
			err:     true,
		},
		{
			name:    "bad level",
			content: "log_level = \"loud\"\n",
			err:     true,
		},
	}
	for _, c := range tests {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(c.name, " ", "_")+".toml")
			require.Nil(t, os.WriteFile(path, []byte(c.content), 0o600))
			cfg, err := loadConfig(path)
			if c.err {
				assert.NotNil(t, err)
				return
			}
			require.Nil(t, err)
			assert.Equal(t, "error", cfg.LogLevel)
			assert.Equal(t, 200, cfg.Pipeline.PopTimeout)
			assert.Equal(t, 5, cfg.Pipeline.QueueSize)
			assert.True(t, cfg.Pipeline.Leaky)
			assert.Equal(t, Default().Pipeline.BusTimeout, cfg.Pipeline.BusTimeout)
		})
	}

	_, err := loadConfig(filepath.Join(dir, "missing.toml"))
	assert.NotNil(t, err)
	cfg, err := loadConfig("")
	assert.Nil(t, err)
	assert.Equal(t, Default(), cfg)
}
