package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphlord/pkg/api"
	"github.com/rmax-ai/graphlord/pkg/client"
	"github.com/rmax-ai/graphlord/pkg/engine"
	"github.com/rmax-ai/graphlord/pkg/rules"
)

const fixture = "../../pkg/engine/testdata/osgi-bundle.jsonl"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, logs bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func newDaemon(t *testing.T) string {
	t.Helper()
	reg, err := rules.LoadDir("../../rules")
	require.NoError(t, err)
	a, err := engine.New(reg, engine.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	s := api.NewServer(a, nil, "")
	s.SetLogger(slog.New(slog.DiscardHandler))
	s.SetAuthToken("secret")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	_, err = execute(t, "--endpoint", ts.URL, "--token", "secret", "ingest", fixture)
	require.NoError(t, err)
	return ts.URL
}

func TestRun_LocalAnalysis(t *testing.T) {
	out, err := execute(t, "run", "--rules", "../../rules", fixture)
	assert.ErrorIs(t, err, errAnalysisFailed)
	assert.Contains(t, out, "osgi-bundle:UnusedInternalType violations:")
	assert.Contains(t, out, "com.buschmais.jqassistant.plugin.osgi.test.impl.b.UnusedPublicClass")
	assert.Contains(t, out, "Analysis FAILED (threshold major")

	// only concepts, which never fail the analysis
	out, err = execute(t, "run", "--rules", "../../rules", fixture, "osgi-bundle:Bundle")
	require.NoError(t, err)
	assert.Contains(t, out, "Analysis PASSED")

	// violations below the threshold pass
	_, err = execute(t, "run", "--rules", "../../rules", "--threshold", "blocker", fixture)
	assert.NoError(t, err)
}

func TestRun_JSON(t *testing.T) {
	out, err := execute(t, "--json", "run", "--rules", "../../rules", fixture, "osgi-bundle:InternalTypeMustNotBePublic")
	assert.ErrorIs(t, err, errAnalysisFailed)

	var rep client.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.False(t, rep.Passed)
	assert.Equal(t, []string{"osgi-bundle:InternalTypeMustNotBePublic"}, rep.Failures)
	for _, res := range rep.Results {
		if res.Rule == "osgi-bundle:InternalTypeMustNotBePublic" {
			assert.Len(t, res.Nodes("InternalType"), 2)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	_, err := execute(t, "run", "--rules", "../../rules", "missing.jsonl")
	assert.Error(t, err)

	_, err = execute(t, "run", "--rules", "../../rules", "--threshold", "severe", fixture)
	assert.ErrorContains(t, err, "unknown severity")

	_, err = execute(t, "run", "--rules", "../../rules", fixture, "osgi-bundle:Nope")
	assert.ErrorIs(t, err, rules.ErrUnknownRule)
}

func TestCommands_AgainstDaemon(t *testing.T) {
	url := newDaemon(t)
	args := func(a ...string) []string {
		return append([]string{"--endpoint", url, "--token", "secret"}, a...)
	}

	out, err := execute(t, args("query", "MATCH (p:Package) WHERE p.fqn STARTS WITH $prefix RETURN count(p) AS c", "-p", "prefix=com.buschmais")...)
	require.NoError(t, err)
	assert.Contains(t, out, "7")
	assert.Contains(t, out, "(1 rows)")

	out, err = execute(t, args("apply", "osgi-bundle:ExportPackage")...)
	require.NoError(t, err)
	assert.Contains(t, out, "osgi-bundle:ExportPackage [concept, minor]: SUCCESS")
	assert.Contains(t, out, "Created 0 nodes, 2 relationships")

	out, err = execute(t, args("validate", "osgi-bundle:UnusedInternalType")...)
	assert.ErrorIs(t, err, errAnalysisFailed)
	assert.Contains(t, out, "UnusedPublicClass")

	out, err = execute(t, args("rules", "--kind", "constraint")...)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"))

	_, err = execute(t, args("apply", "osgi-bundle:Nope")...)
	assert.True(t, client.IsNotFound(err))

	// writes need the token
	_, err = execute(t, "--endpoint", url, "analyze")
	assert.ErrorContains(t, err, "401 unauthorized")
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"fqn=a.b", "n=3", "flag=true", "list=[1,2]"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"fqn":  "a.b",
		"n":    float64(3),
		"flag": true,
		"list": []any{float64(1), float64(2)},
	}, p)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)

	p, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "graphlord "+Version))
}
