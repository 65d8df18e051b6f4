package api

import (
	"bufio"
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOpenAPIMatchesRoutes(t *testing.T) {
	runtime := parseRouteSource(t, "routes.go")
	documented := parseOpenAPI(t, "openapi.yaml")
	assert.Equal(t, runtime, documented)
}

// parseRouteSource collects "METHOD /path" for each mux.HandleFunc line.
func parseRouteSource(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	pattern := regexp.MustCompile(`^\s*mux\.HandleFunc\("([A-Z]+) ([^"]+)"`)
	var routes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := pattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		routes = append(routes, m[1]+" "+strings.TrimSuffix(m[2], "{$}"))
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, routes)
	sort.Strings(routes)
	return routes
}

func parseOpenAPI(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))

	var routes []string
	for p, ops := range doc.Paths {
		for method := range ops {
			routes = append(routes, strings.ToUpper(method)+" "+p)
		}
	}
	sort.Strings(routes)
	return routes
}
