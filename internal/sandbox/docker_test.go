package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateArgs_MountsAndCallback(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Image:        "smile-base:latest",
		Name:         "smile-abc123",
		TutorialDir:  "/host/tutorial",
		WorkDir:      "/host/work",
		LogDir:       "/host/logs",
		CallbackHost: "smile-host",
	}

	args := createArgs(spec)
	joined := strings.Join(args, " ")

	assert.Equal(t, "create", args[0])
	assert.Contains(t, joined, "--name smile-abc123")
	assert.Contains(t, joined, "--label "+managedLabel)
	assert.Contains(t, joined, "/host/tutorial:"+TutorialMountPath+":ro")
	assert.Contains(t, joined, "/host/work:"+WorkMountPath)
	assert.Contains(t, joined, "/host/logs:"+LogMountPath)
	assert.Contains(t, joined, "--add-host smile-host:host-gateway")

	// The container runs an idle process so exec stays available.
	require.GreaterOrEqual(t, len(args), 3)
	assert.Equal(t, []string{"smile-base:latest", "sleep", "infinity"}, args[len(args)-3:])
}

func TestCreateArgs_NoCallbackHost(t *testing.T) {
	t.Parallel()

	args := createArgs(Spec{Image: "img", Name: "n", TutorialDir: "/t", WorkDir: "/w", LogDir: "/l"})
	assert.NotContains(t, strings.Join(args, " "), "--add-host")
}

func TestFirstLine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "boom", firstLine("boom\ndetails", nil))
	assert.Equal(t, "boom", firstLine("boom", nil))
	assert.Equal(t, assert.AnError.Error(), firstLine("", assert.AnError))
}

func TestShortID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abcdefabcdef", shortID("abcdefabcdefabcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}
