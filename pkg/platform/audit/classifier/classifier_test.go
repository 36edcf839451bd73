package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "auditrail/pkg/platform/audit"
)

func newDefault(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(DefaultRoutes())
	require.NoError(t, err)
	return c
}

func TestClassify_RiskRules(t *testing.T) {
	c := newDefault(t)

	tests := []struct {
		name      string
		method    string
		route     string
		hint      string
		risk      audit.RiskLevel
		operation string
		entity    string
	}{
		{"delete is critical", "DELETE", "/api/v1/cidadao/123", "", audit.RiskCritical, "delete", "cidadao"},
		{"delete on unknown entity is critical", "DELETE", "/api/v1/tipos-beneficio/:id", "", audit.RiskCritical, "delete", "tipos-beneficio"},
		{"admin read is critical", "GET", "/api/v1/admin/dead-letters", "", audit.RiskCritical, "read", "admin"},
		{"create is high", "POST", "/api/v1/cidadao", "", audit.RiskHigh, "create", "cidadao"},
		{"put is high", "PUT", "/api/v1/beneficios/:id", "", audit.RiskHigh, "update", "beneficio"},
		{"patch is high", "PATCH", "/api/v1/solicitacoes/:uuid", "", audit.RiskHigh, "update", "solicitacao"},
		{"auth route read is high", "GET", "/api/v1/auth/me", "", audit.RiskHigh, "read", "auth"},
		{"user management read is high", "GET", "/api/v1/usuarios", "", audit.RiskHigh, "read", "usuario"},
		{"citizen read is medium", "GET", "/api/v1/cidadao/:id", "", audit.RiskMedium, "read", "cidadao"},
		{"benefit read is medium", "GET", "/api/v1/benefits", "", audit.RiskMedium, "read", "beneficio"},
		{"payment head is medium", "HEAD", "/api/v1/pagamentos/:id", "", audit.RiskMedium, "read", "pagamento"},
		{"non-sensitive read is low", "GET", "/api/v1/solicitacoes", "", audit.RiskLow, "read", "solicitacao"},
		{"unknown read is low", "GET", "/api/v1/unidades", "", audit.RiskLow, "read", "unidades"},
		{"options is low", "OPTIONS", "/api/v1/unidades", "", audit.RiskLow, "options", "unidades"},
		{"lowercase method", "delete", "/api/v1/cidadao/1", "", audit.RiskCritical, "delete", "cidadao"},
		{"query string ignored", "GET", "/api/v1/cidadao?cpf=123", "", audit.RiskMedium, "read", "cidadao"},
		{"entity hint wins", "GET", "/api/v1/relatorios", "pagamento", audit.RiskMedium, "read", "pagamento"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.method, tt.route, tt.hint)
			assert.False(t, got.Skip)
			assert.Equal(t, tt.risk, got.Risk)
			assert.Equal(t, tt.operation, got.Operation)
			assert.Equal(t, tt.entity, got.Entity)
		})
	}
}

func TestClassify_SkipsSystemRoutes(t *testing.T) {
	c := newDefault(t)

	for _, route := range []string{"/health", "/health/live", "/metrics", "/docs", "/swagger/index.html", "/favicon.ico", "/api/v1/health", "/ready", "/"} {
		t.Run(route, func(t *testing.T) {
			for _, method := range []string{"GET", "POST", "DELETE"} {
				assert.True(t, c.Classify(method, route, "").Skip, "%s %s", method, route)
			}
		})
	}
}

func TestClassify_SensitiveFields(t *testing.T) {
	c := newDefault(t)

	t.Run("citizen write carries the citizen field set and is lgpd relevant", func(t *testing.T) {
		got := c.Classify("POST", "/api/v1/cidadao", "")
		assert.Subset(t, got.SensitiveFields, []string{"cpf", "rg", "telefone", "email", "endereco"})
		assert.True(t, got.LGPDRelevant)
		assert.True(t, got.CaptureBody)
	})

	t.Run("citizen read is not lgpd relevant below high", func(t *testing.T) {
		got := c.Classify("GET", "/api/v1/cidadao/:id", "")
		assert.NotEmpty(t, got.SensitiveFields)
		assert.False(t, got.LGPDRelevant)
		assert.False(t, got.CaptureBody)
	})

	t.Run("unknown entity has no sensitive fields", func(t *testing.T) {
		got := c.Classify("POST", "/api/v1/unidades", "")
		assert.Empty(t, got.SensitiveFields)
		assert.False(t, got.LGPDRelevant)
		assert.True(t, got.CaptureBody)
	})

	t.Run("route can opt out of body capture", func(t *testing.T) {
		got := c.Classify("POST", "/api/v1/documentos", "")
		assert.False(t, got.CaptureBody)
	})

	t.Run("returned fields are a copy", func(t *testing.T) {
		got := c.Classify("POST", "/api/v1/cidadao", "")
		got.SensitiveFields[0] = "mutated"
		again := c.Classify("POST", "/api/v1/cidadao", "")
		assert.NotEqual(t, "mutated", again.SensitiveFields[0])
	})
}

func TestClassify_Deterministic(t *testing.T) {
	c := newDefault(t)
	methods := []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	routes := []string{
		"/api/v1/cidadao", "/api/v1/cidadao/:id", "/api/v1/beneficios/:id", "/api/v1/pagamentos",
		"/api/v1/usuarios/:uuid", "/api/v1/auth/login", "/api/v1/admin/config", "/api/v1/unidades",
		"/api/v1/solicitacoes/:id/documentos", "/health", "/metrics",
	}

	for _, m := range methods {
		for _, r := range routes {
			first := c.Classify(m, r, "")
			second := c.Classify(m, r, "")
			assert.Equal(t, first, second, "%s %s", m, r)
			if first.Skip {
				continue
			}
			assert.True(t, first.Risk.Valid(), "%s %s", m, r)
			if first.LGPDRelevant {
				assert.True(t, first.Risk.AtLeast(audit.RiskHigh), "%s %s", m, r)
			}
			if m == "DELETE" {
				assert.Equal(t, audit.RiskCritical, first.Risk, "%s %s", m, r)
			}
		}
	}
}

func TestClassify_RiskFloor(t *testing.T) {
	c, err := New([]RouteConfig{{Pattern: "relatorios", Risk: audit.RiskHigh}})
	require.NoError(t, err)

	got := c.Classify("GET", "/api/v1/relatorios", "")
	assert.Equal(t, audit.RiskHigh, got.Risk)
	assert.Equal(t, "relatorios", got.Entity)
}

func TestNew_RejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name   string
		routes []RouteConfig
	}{
		{"empty pattern", []RouteConfig{{Pattern: "  "}}},
		{"multi segment pattern", []RouteConfig{{Pattern: "api/cidadao"}}},
		{"duplicate pattern", []RouteConfig{{Pattern: "cidadao"}, {Pattern: "/Cidadao/"}}},
		{"unknown risk", []RouteConfig{{Pattern: "cidadao", Risk: "SEVERE"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.routes)
			assert.ErrorIs(t, err, ErrInvalidRoute)
		})
	}
}

func TestNew_NormalizesFields(t *testing.T) {
	c, err := New([]RouteConfig{{Pattern: "Cidadao", SensitiveFields: []string{" CPF ", "cpf", "", "Email"}}})
	require.NoError(t, err)

	routes := c.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "cidadao", routes[0].Pattern)
	assert.Equal(t, "cidadao", routes[0].Entity)
	assert.Equal(t, []string{"cpf", "email"}, routes[0].SensitiveFields)
}

func TestWithSkipRoutes(t *testing.T) {
	c, err := New(DefaultRoutes(), WithSkipRoutes("/internal/"))
	require.NoError(t, err)

	assert.True(t, c.Classify("GET", "/internal/debug", "").Skip)
	assert.False(t, c.Classify("GET", "/health", "").Skip)
}
