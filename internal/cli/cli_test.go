package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "beaver-fiber", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 2)

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["run"])
	assert.True(t, commandNames["bench"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildBenchCommand(t *testing.T) {
	cmd := buildBenchCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "bench", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	tasksFlag := cmd.Flags().Lookup("tasks")
	assert.NotNil(t, tasksFlag)
	assert.Equal(t, "n", tasksFlag.Shorthand)
}

func TestLoadConfigDefaultsWhenNoFileGiven(t *testing.T) {
	configFile = ""
	cfg, err := loadConfig()
	assert.NoError(t, err)
	assert.Equal(t, 256, cfg.Scheduler.FiberCount)
}

func TestRunBenchEndToEnd(t *testing.T) {
	configFile = ""
	err := runBench(500)
	assert.NoError(t, err)
}
