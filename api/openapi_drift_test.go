package api

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIParam struct {
	Ref  string `yaml:"$ref"`
	Name string `yaml:"name"`
	In   string `yaml:"in"`
}

type openAPIOperation struct {
	Parameters []openAPIParam `yaml:"parameters"`
}

type openAPIDoc struct {
	Paths      map[string]map[string]openAPIOperation `yaml:"paths"`
	Components struct {
		Parameters map[string]openAPIParam `yaml:"parameters"`
	} `yaml:"components"`
}

var pathParamRE = regexp.MustCompile(`\{([^}]+)\}`)

func loadOpenAPIDoc(t *testing.T) openAPIDoc {
	t.Helper()
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc), "parse openapi.yaml")
	return doc
}

// routerRoutes lists "METHOD /path" for every API route, leaving out the
// document and viewer routes.
func routerRoutes(t *testing.T) map[string]bool {
	t.Helper()
	// Route registration never calls handlers, so an empty API is enough.
	a := &API{}
	routes := make(map[string]bool)
	err := chi.Walk(a.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "" {
			route = "/"
		}
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		routes[method+" "+route] = true
		return nil
	})
	require.NoError(t, err)
	return routes
}

func TestOpenAPIMatchesRouter(t *testing.T) {
	doc := loadOpenAPIDoc(t)
	documented := make(map[string]bool)
	for path, ops := range doc.Paths {
		for method := range ops {
			documented[strings.ToUpper(method)+" "+path] = true
		}
	}
	registered := routerRoutes(t)

	var undocumented, stale []string
	for r := range registered {
		if !documented[r] {
			undocumented = append(undocumented, r)
		}
	}
	for r := range documented {
		if !registered[r] {
			stale = append(stale, r)
		}
	}
	sort.Strings(undocumented)
	sort.Strings(stale)

	assert.Empty(t, undocumented, "routes missing from openapi.yaml")
	assert.Empty(t, stale, "openapi.yaml paths with no route")
}

func TestOpenAPIDeclaresPathParameters(t *testing.T) {
	doc := loadOpenAPIDoc(t)
	for path, ops := range doc.Paths {
		want := pathParamRE.FindAllStringSubmatch(path, -1)
		for method, op := range ops {
			declared := make(map[string]bool)
			for _, p := range op.Parameters {
				if p.Ref != "" {
					p = doc.Components.Parameters[strings.TrimPrefix(p.Ref, "#/components/parameters/")]
				}
				if p.In == "path" {
					declared[p.Name] = true
				}
			}
			for _, m := range want {
				assert.True(t, declared[m[1]], "%s %s does not declare path parameter %q", strings.ToUpper(method), path, m[1])
			}
		}
	}
}
