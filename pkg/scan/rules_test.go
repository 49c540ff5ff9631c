package scan

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/manip"
	"github.com/stretchr/testify/require"
)

const testRulesToml = `
title = "test rules"

[[rules]]
id = "aws-access-key"
regex = '''AKIA[0-9A-Z]{16}'''

[[rules]]
id = "aws-secret-key"
regex = '''aws.{0,20}['"][0-9a-zA-Z/+]{40}['"]'''

[[rules]]
id = "generic-password"
regex = '''password\s*=\s*.+'''
`

const testCustomToml = `
[extend]
disabledRules = ["aws-secret-key"]

[[rules]]
id = "internal-token"
regex = '''internal-[0-9a-f]{32}'''
`

func writeRuleFiles(t *testing.T) (files []string, cleanup func()) {
	dir, err := ioutil.TempDir("", "rules-test")
	require.NoError(t, err)

	base := filepath.Join(dir, "gitleaks.toml")
	custom := filepath.Join(dir, "gitleaks-custom.toml")
	require.NoError(t, ioutil.WriteFile(base, []byte(testRulesToml), 0644))
	require.NoError(t, ioutil.WriteFile(custom, []byte(testCustomToml), 0644))

	return []string{base, custom}, func() { os.RemoveAll(dir) }
}

func TestAllowedRuleIDsMatchesFilter(t *testing.T) {
	files, cleanup := writeRuleFiles(t)
	defer cleanup()

	pattern, err := manip.CompileSearch("aws")
	require.NoError(t, err)

	ids, err := AllowedRuleIDs(files, pattern)
	require.NoError(t, err)

	// aws-secret-key matches but is disabled by the custom config
	require.Equal(t, []string{"aws-access-key"}, ids)
}

func TestAllowedRuleIDsAcrossFiles(t *testing.T) {
	files, cleanup := writeRuleFiles(t)
	defer cleanup()

	pattern, err := manip.CompileSearch("internal|password")
	require.NoError(t, err)

	ids, err := AllowedRuleIDs(files, pattern)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"generic-password", "internal-token"}, ids)
}

func TestAllowedRuleIDsNoMatchIsError(t *testing.T) {
	files, cleanup := writeRuleFiles(t)
	defer cleanup()

	pattern, err := manip.CompileSearch("nonexistent-rule")
	require.NoError(t, err)

	_, err = AllowedRuleIDs(files, pattern)
	require.Error(t, err)
	require.Contains(t, err.Error(), "matched no rule ids")
}

func TestAllowedRuleIDsNilPattern(t *testing.T) {
	files, cleanup := writeRuleFiles(t)
	defer cleanup()

	ids, err := AllowedRuleIDs(files, nil)
	require.NoError(t, err)
	require.Nil(t, ids)
}

func TestSeverityForRule(t *testing.T) {
	require.Equal(t, SeverityCritical, SeverityForRule("private-key"))
	require.Equal(t, SeverityCritical, SeverityForRule("PKCS8-key"))
	require.Equal(t, SeverityHigh, SeverityForRule("aws-access-key"))
	require.Equal(t, SeverityHigh, SeverityForRule("github-pat"))
	require.Equal(t, SeverityMedium, SeverityForRule("generic-password"))
	require.Equal(t, SeverityMedium, SeverityForRule("generic-api-key"))
	require.Equal(t, SeverityLow, SeverityForRule("curl-auth-header"))
}
