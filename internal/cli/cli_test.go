package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("EMBED_PROVIDER", "hash")
	t.Setenv("EMBED_DIM", "16")
	t.Setenv("LOG_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
		enqueueForce, enqueuePriority, resetAttempts, statusJSON = false, 0, 0, false
		themesFile, tokenSubject = "", ""
	}()

	err := rootCmd.ExecuteContext(t.Context())
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "somnia version dev")
}

func TestStatusCmd(t *testing.T) {
	localEnv(t)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "DOCUMENTS")
	assert.Contains(t, out, "skipped")

	out, err = execute(t, "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"documents"`)
}

func TestEnqueueCmd_Errors(t *testing.T) {
	localEnv(t)

	_, err := execute(t, "enqueue", "nope")
	assert.ErrorContains(t, err, "not a uuid")

	_, err = execute(t, "enqueue", uuid.NewString(), "--priority", "3")
	assert.ErrorContains(t, err, "not found")

	_, err = execute(t, "enqueue")
	assert.Error(t, err)
}

func TestResetCmd_UnknownDocument(t *testing.T) {
	localEnv(t)
	_, err := execute(t, "reset", uuid.NewString(), "--attempts", "1")
	assert.ErrorContains(t, err, "not found")
}

func TestThemesSyncCmd(t *testing.T) {
	localEnv(t)

	out, err := execute(t, "themes", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "from builtin")
}

func TestTokenCmd(t *testing.T) {
	localEnv(t)
	t.Setenv("JWT_SECRET", "a-long-enough-test-secret")

	out, err := execute(t, "token", "--subject", "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))
}

func TestConfigErrorsAreFatal(t *testing.T) {
	localEnv(t)
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "status")
	assert.ErrorContains(t, err, "DATABASE_URL")
}
