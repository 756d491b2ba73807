package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/autoflow-backend/internal/http/middleware"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := root.Execute()
	return out.String(), err
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "file:"+filepath.Join(t.TempDir(), "cli.db")+"?_busy_timeout=5000")
	t.Setenv("REDIS_ADDR", "")
}

func TestTokenCommandMintsOperatorToken(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "cli-secret")
	out, err := execute(t, "token", "--subject", "oncall")
	require.NoError(t, err)

	claims := &middleware.OperatorClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte("cli-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "oncall", claims.Subject)
	assert.Equal(t, middleware.RoleOperator, claims.Role)
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "")
	_, err := execute(t, "token")
	require.Error(t, err)
}

func TestKillSwitchCommand(t *testing.T) {
	sqliteEnv(t)

	out, err := execute(t, "kill-switch", "on")
	require.NoError(t, err)
	assert.Contains(t, out, "global_kill_switch=true")

	out, err = execute(t, "kill-switch", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "scope=global")
	assert.Contains(t, out, "global_kill_switch=true")

	owner := "4f0c6a8e-9d1b-4a53-8d44-1c8f0b6f2a11"
	out, err = execute(t, "kill-switch", "on", "--owner", owner)
	require.NoError(t, err)
	assert.Contains(t, out, "source=global kill_switch=true")

	_, err = execute(t, "kill-switch", "off")
	require.NoError(t, err)
	out, err = execute(t, "kill-switch", "status", "--owner", owner)
	require.NoError(t, err)
	assert.Contains(t, out, "global_kill_switch=false")
	assert.Contains(t, out, "kill_switch=true")
}

func TestKillSwitchRejectsBadArgs(t *testing.T) {
	_, err := execute(t, "kill-switch", "maybe")
	require.Error(t, err)
	_, err = execute(t, "kill-switch", "on", "--owner", "not-a-uuid")
	require.Error(t, err)
}

func TestMigrateAndSweep(t *testing.T) {
	sqliteEnv(t)
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated sqlite database")

	out, err = execute(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "idempotency_expired")
	assert.Contains(t, out, "ratelimit_hits")
}
