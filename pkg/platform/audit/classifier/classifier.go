// Package classifier maps an inbound operation to its audit risk level and the
// fields that must be masked before the operation is recorded.
//
// Classification is a pure function of (method, route, entity hint) and the
// route table the Classifier was built with. The table is validated once at
// construction; Classify never fails.
package classifier

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	audit "auditrail/pkg/platform/audit"
	platformstrings "auditrail/pkg/platform/strings"
)

// ErrInvalidRoute is returned by New when the route table is malformed.
var ErrInvalidRoute = errors.New("invalid route configuration")

// RouteConfig describes one audited entity route. Pattern is matched against
// the path segments of the request, so "cidadao" matches both
// /api/v1/cidadao and /api/v1/cidadao/123/beneficios.
type RouteConfig struct {
	Pattern         string
	Entity          string
	SensitiveFields []string
	// Sensitive marks entities whose reads are themselves worth auditing at
	// MEDIUM risk (personal or financial data).
	Sensitive bool
	// Risk, when set, is a floor applied after the method rules.
	Risk        audit.RiskLevel
	CaptureBody bool
}

// Classification is the result of classifying one operation.
type Classification struct {
	Skip            bool
	Risk            audit.RiskLevel
	Operation       string
	Entity          string
	SensitiveFields []string
	LGPDRelevant    bool
	CaptureBody     bool
}

// Classifier holds a validated route table.
type Classifier struct {
	routes []RouteConfig
	skip   map[string]struct{}
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSkipRoutes replaces the set of first path segments that are never
// audited. Entries are matched case-insensitively without leading slashes.
func WithSkipRoutes(routes ...string) Option {
	return func(c *Classifier) {
		c.skip = make(map[string]struct{}, len(routes))
		for _, r := range platformstrings.DedupeAndTrimLower(routes) {
			c.skip[strings.Trim(r, "/")] = struct{}{}
		}
	}
}

// DefaultSkipRoutes are system, health and documentation endpoints.
var DefaultSkipRoutes = []string{"health", "metrics", "docs", "swagger", "favicon.ico", "ready", "live"}

var (
	adminSegments = map[string]struct{}{"admin": {}, "administracao": {}}
	authSegments  = map[string]struct{}{
		"auth": {}, "login": {}, "logout": {}, "register": {}, "signin": {}, "token": {},
		"users": {}, "user": {}, "usuarios": {}, "usuario": {}, "password": {}, "senha": {},
	}
	versionSegment = regexp.MustCompile(`^v[0-9]+$`)
)

var methodOperations = map[string]string{
	http.MethodGet:    "read",
	http.MethodHead:   "read",
	http.MethodPost:   "create",
	http.MethodPut:    "update",
	http.MethodPatch:  "update",
	http.MethodDelete: "delete",
}

// DefaultRoutes is the route table for the benefits backend.
func DefaultRoutes() []RouteConfig {
	citizen := []string{"cpf", "rg", "nis", "telefone", "phone", "email", "endereco", "address", "dataNascimento"}
	payment := []string{"contaBancaria", "agencia", "chavePix", "cpf"}
	return []RouteConfig{
		{Pattern: "cidadao", Entity: "cidadao", SensitiveFields: citizen, Sensitive: true, CaptureBody: true},
		{Pattern: "cidadaos", Entity: "cidadao", SensitiveFields: citizen, Sensitive: true, CaptureBody: true},
		{Pattern: "citizens", Entity: "cidadao", SensitiveFields: citizen, Sensitive: true, CaptureBody: true},
		{Pattern: "beneficio", Entity: "beneficio", SensitiveFields: []string{"nis", "cpf", "valor"}, Sensitive: true, CaptureBody: true},
		{Pattern: "beneficios", Entity: "beneficio", SensitiveFields: []string{"nis", "cpf", "valor"}, Sensitive: true, CaptureBody: true},
		{Pattern: "benefits", Entity: "beneficio", SensitiveFields: []string{"nis", "cpf", "valor"}, Sensitive: true, CaptureBody: true},
		{Pattern: "pagamento", Entity: "pagamento", SensitiveFields: payment, Sensitive: true, CaptureBody: true},
		{Pattern: "pagamentos", Entity: "pagamento", SensitiveFields: payment, Sensitive: true, CaptureBody: true},
		{Pattern: "payments", Entity: "pagamento", SensitiveFields: payment, Sensitive: true, CaptureBody: true},
		{Pattern: "usuarios", Entity: "usuario", SensitiveFields: []string{"senha", "password", "email", "cpf", "telefone"}, CaptureBody: true},
		{Pattern: "users", Entity: "usuario", SensitiveFields: []string{"senha", "password", "email", "cpf", "telefone"}, CaptureBody: true},
		{Pattern: "auth", Entity: "auth", SensitiveFields: []string{"senha", "password", "token", "refreshToken"}, CaptureBody: true},
		{Pattern: "solicitacoes", Entity: "solicitacao", SensitiveFields: []string{"cpf", "nis"}, CaptureBody: true},
		{Pattern: "documentos", Entity: "documento", SensitiveFields: []string{"conteudo"}, CaptureBody: false},
	}
}

// New validates routes and builds a Classifier. Sensitive field names are
// trimmed, deduplicated and lowercased.
func New(routes []RouteConfig, opts ...Option) (*Classifier, error) {
	c := &Classifier{}
	WithSkipRoutes(DefaultSkipRoutes...)(c)
	for _, opt := range opts {
		opt(c)
	}

	seen := make(map[string]struct{}, len(routes))
	c.routes = make([]RouteConfig, 0, len(routes))
	for i, r := range routes {
		pattern := strings.ToLower(strings.Trim(strings.TrimSpace(r.Pattern), "/"))
		if pattern == "" {
			return nil, fmt.Errorf("%w: route %d has an empty pattern", ErrInvalidRoute, i)
		}
		if strings.Contains(pattern, "/") {
			return nil, fmt.Errorf("%w: pattern %q must be a single path segment", ErrInvalidRoute, r.Pattern)
		}
		if _, dup := seen[pattern]; dup {
			return nil, fmt.Errorf("%w: duplicate pattern %q", ErrInvalidRoute, pattern)
		}
		if r.Risk != "" && !r.Risk.Valid() {
			return nil, fmt.Errorf("%w: pattern %q has unknown risk %q", ErrInvalidRoute, pattern, r.Risk)
		}
		seen[pattern] = struct{}{}

		r.Pattern = pattern
		if r.Entity == "" {
			r.Entity = pattern
		}
		r.SensitiveFields = platformstrings.DedupeAndTrimLower(r.SensitiveFields)
		c.routes = append(c.routes, r)
	}
	return c, nil
}

// MustNew is New for static tables; it panics on an invalid table.
func MustNew(routes []RouteConfig, opts ...Option) *Classifier {
	c, err := New(routes, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the risk level, operation and sensitive fields for an
// inbound operation. route may be a raw path or a normalized pattern; query
// strings are ignored.
func (c *Classifier) Classify(method, route, entityHint string) Classification {
	method = strings.ToUpper(strings.TrimSpace(method))
	segments := pathSegments(route)
	if len(segments) > 0 {
		if _, skip := c.skip[segments[0]]; skip {
			return Classification{Skip: true}
		}
	}
	if len(segments) == 0 {
		return Classification{Skip: true}
	}

	cfg, matched := c.match(segments, strings.ToLower(strings.TrimSpace(entityHint)))

	out := Classification{
		Operation: operationFor(method),
		Entity:    entityHint,
	}
	if out.Entity == "" {
		if matched {
			out.Entity = cfg.Entity
		} else {
			out.Entity = firstResource(segments)
		}
	}

	isWrite := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
	switch {
	case method == http.MethodDelete || containsAny(segments, adminSegments):
		out.Risk = audit.RiskCritical
	case isWrite || containsAny(segments, authSegments):
		out.Risk = audit.RiskHigh
	case matched && cfg.Sensitive && (method == http.MethodGet || method == http.MethodHead):
		out.Risk = audit.RiskMedium
	default:
		out.Risk = audit.RiskLow
	}

	if matched {
		if cfg.Risk != "" {
			out.Risk = audit.MaxRisk(out.Risk, cfg.Risk)
		}
		out.SensitiveFields = append([]string(nil), cfg.SensitiveFields...)
		out.CaptureBody = isWrite && cfg.CaptureBody
	} else {
		out.CaptureBody = isWrite
	}
	out.LGPDRelevant = len(out.SensitiveFields) > 0 && out.Risk.AtLeast(audit.RiskHigh)
	return out
}

// Routes returns a copy of the validated route table.
func (c *Classifier) Routes() []RouteConfig {
	return append([]RouteConfig(nil), c.routes...)
}

func (c *Classifier) match(segments []string, hint string) (RouteConfig, bool) {
	if hint != "" {
		for _, r := range c.routes {
			if r.Pattern == hint || strings.EqualFold(r.Entity, hint) {
				return r, true
			}
		}
	}
	for _, seg := range segments {
		for _, r := range c.routes {
			if r.Pattern == seg {
				return r, true
			}
		}
	}
	return RouteConfig{}, false
}

// pathSegments lowercases the path, drops the query string and the
// api/version prefix.
func pathSegments(route string) []string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	raw := strings.Split(strings.ToLower(strings.Trim(route, "/")), "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		segments = append(segments, s)
	}
	if len(segments) > 0 && segments[0] == "api" {
		segments = segments[1:]
	}
	if len(segments) > 0 && versionSegment.MatchString(segments[0]) {
		segments = segments[1:]
	}
	return segments
}

func firstResource(segments []string) string {
	for _, s := range segments {
		if strings.HasPrefix(s, ":") {
			continue
		}
		return s
	}
	return ""
}

func operationFor(method string) string {
	if op, ok := methodOperations[method]; ok {
		return op
	}
	return strings.ToLower(method)
}

func containsAny(segments []string, set map[string]struct{}) bool {
	for _, s := range segments {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}
