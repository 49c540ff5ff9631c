package scan

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngineArgs(t *testing.T) {
	inv := Invocation{
		ReportFormat: "csv",
		Redact:       true,
		EnableRules:  []string{"aws-access-key", "private-key"},
	}

	args := engineArgs(inv, "/repo", "output/reports/api.csv", "gitleaks-custom.toml")

	require.Equal(t, []string{
		"dir", "/repo",
		"--max-target-megabytes", "1",
		"--config", "gitleaks-custom.toml",
		"--exit-code", "1",
		"--report-path", "output/reports/api.csv",
		"--report-format", "csv",
		"--redact=60",
		"--enable-rule", "aws-access-key",
		"--enable-rule", "private-key",
	}, args)
}

func TestEngineArgsNoRedactingNoRules(t *testing.T) {
	inv := Invocation{ReportFormat: "json"}

	args := engineArgs(inv, "/repo", "report.json", "gitleaks.toml")

	require.NotContains(t, args, "--redact=60")
	require.NotContains(t, args, "--enable-rule")
}

func TestContainerAppPath(t *testing.T) {
	cwd := filepath.Join(string(filepath.Separator), "work")

	// Relative paths resolve under the /app workdir untouched
	mapped, err := containerAppPath(cwd, "gitleaks-custom.toml")
	require.NoError(t, err)
	require.Equal(t, "gitleaks-custom.toml", mapped)

	// Absolute paths below cwd are rewritten onto the mount
	mapped, err = containerAppPath(cwd, filepath.Join(cwd, "output", "reports", "api.csv"))
	require.NoError(t, err)
	require.Equal(t, "/app/output/reports/api.csv", mapped)

	// Absolute paths outside cwd are not mounted and get rejected
	_, err = containerAppPath(cwd, filepath.Join(string(filepath.Separator), "etc", "gitleaks.toml"))
	require.Error(t, err)
}
