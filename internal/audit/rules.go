package audit

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

// PathAction maps a literal path marker to the action it implies.
type PathAction struct {
	Marker string        `mapstructure:"marker"`
	Action models.Action `mapstructure:"action"`
}

// RulesConfig is the mutable, file-loadable form of the extraction tables.
// It is only ever read once, by NewRules.
type RulesConfig struct {
	DefaultModule     string                   `mapstructure:"default_module"`
	StripPrefixes     []string                 `mapstructure:"strip_prefixes"`
	ModuleAliases     map[string]string        `mapstructure:"module_aliases"`
	MethodActions     map[string]models.Action `mapstructure:"method_actions"`
	PathActions       []PathAction             `mapstructure:"path_actions"`
	CaptureGETMarkers []string                 `mapstructure:"capture_get_markers"`
	ExcludedPrefixes  []string                 `mapstructure:"excluded_prefixes"`
	SensitivePaths    []string                 `mapstructure:"sensitive_paths"`
}

// DefaultRulesConfig returns the production extraction tables.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		DefaultModule: "dashboard",
		StripPrefixes: []string{"/api/v1/", "/api/"},
		ModuleAliases: map[string]string{
			"auth":         "autenticacion",
			"login":        "autenticacion",
			"logout":       "autenticacion",
			"logs":         "auditoria",
			"audit":        "auditoria",
			"auditoria":    "auditoria",
			"usuarios":     "usuarios",
			"perfil":       "usuarios",
			"invoices":     "facturas",
			"budgets":      "presupuestos",
			"projects":     "proyectos",
			"certificates": "certificados",
			"clients":      "clientes",
		},
		MethodActions: map[string]models.Action{
			"POST":   models.ActionCreate,
			"PUT":    models.ActionUpdate,
			"PATCH":  models.ActionUpdate,
			"DELETE": models.ActionDelete,
			"GET":    models.ActionView,
		},
		PathActions: []PathAction{
			{Marker: "/login", Action: models.ActionLogin},
			{Marker: "/logout", Action: models.ActionLogout},
			{Marker: "/export", Action: models.ActionExport},
			{Marker: "/download", Action: models.ActionDownload},
			{Marker: "/import", Action: models.ActionImport},
		},
		CaptureGETMarkers: []string{"/ver/", "/edit", "/detalle", "/export", "/download"},
		ExcludedPrefixes: []string{
			"/health",
			"/ready",
			"/metrics",
			"/favicon.ico",
			"/css/",
			"/js/",
			"/img/",
			"/images/",
			"/fonts/",
			"/static/",
			"/assets/",
			"/dashboard/stats",
			"/logs/estadisticas",
			"/logs/alertas",
			"/api/v1/audit/stats",
			"/api/v1/audit/facets",
			"/api/v1/audit/alerts/pending",
		},
		SensitivePaths: []string{"/login", "/password", "/cambiar-password", "/reset-password", "/recuperar"},
	}
}

// Rules is an immutable snapshot of the extraction tables. Build one with
// NewRules or DefaultRules; there are no mutators.
type Rules struct {
	defaultModule     string
	stripPrefixes     []string
	moduleAliases     map[string]string
	methodActions     map[string]models.Action
	pathActions       []PathAction
	captureGETMarkers []string
	excludedPrefixes  []string
	sensitivePaths    []string
}

// DefaultRules returns the production rule tables.
func DefaultRules() *Rules {
	return NewRules(DefaultRulesConfig())
}

// NewRules copies cfg into an immutable Rules value. Method keys and actions are
// upper-cased (viper lower-cases map keys); an empty default module falls back
// to "dashboard".
func NewRules(cfg RulesConfig) *Rules {
	r := &Rules{
		defaultModule:     cfg.DefaultModule,
		stripPrefixes:     append([]string(nil), cfg.StripPrefixes...),
		moduleAliases:     make(map[string]string, len(cfg.ModuleAliases)),
		methodActions:     make(map[string]models.Action, len(cfg.MethodActions)),
		pathActions:       append([]PathAction(nil), cfg.PathActions...),
		captureGETMarkers: append([]string(nil), cfg.CaptureGETMarkers...),
		excludedPrefixes:  append([]string(nil), cfg.ExcludedPrefixes...),
		sensitivePaths:    append([]string(nil), cfg.SensitivePaths...),
	}
	if r.defaultModule == "" {
		r.defaultModule = "dashboard"
	}
	for k, v := range cfg.ModuleAliases {
		r.moduleAliases[k] = v
	}
	for k, v := range cfg.MethodActions {
		r.methodActions[strings.ToUpper(k)] = models.Action(strings.ToUpper(string(v)))
	}
	for i := range r.pathActions {
		r.pathActions[i].Action = models.Action(strings.ToUpper(string(r.pathActions[i].Action)))
	}
	return r
}

// DefaultModule returns the module used when a path has no segments.
func (r *Rules) DefaultModule() string { return r.defaultModule }

// LoadRulesFile reads a YAML (or any viper-supported) rules file. Keys present
// in the file replace the corresponding default table as a whole; absent keys
// keep their defaults.
func LoadRulesFile(path string) (*Rules, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	cfg := DefaultRulesConfig()
	// Decoding into a non-nil map merges; a table named in the file replaces the default.
	if v.IsSet("module_aliases") {
		cfg.ModuleAliases = nil
	}
	if v.IsSet("method_actions") {
		cfg.MethodActions = nil
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode rules file %s: %w", path, err)
	}
	if len(cfg.MethodActions) == 0 {
		return nil, fmt.Errorf("rules file %s: method_actions must not be empty", path)
	}
	return NewRules(cfg), nil
}

// RuleSet holds the current Rules snapshot and allows it to be swapped as a
// whole. Readers call Load once per request and use that snapshot throughout.
type RuleSet struct {
	current atomic.Pointer[Rules]
}

// NewRuleSet creates a RuleSet initialised with r (DefaultRules when nil).
func NewRuleSet(r *Rules) *RuleSet {
	if r == nil {
		r = DefaultRules()
	}
	s := &RuleSet{}
	s.current.Store(r)
	return s
}

// Load returns the current snapshot.
func (s *RuleSet) Load() *Rules {
	return s.current.Load()
}

// Store replaces the current snapshot. A nil r is ignored.
func (s *RuleSet) Store(r *Rules) {
	if r != nil {
		s.current.Store(r)
	}
}
