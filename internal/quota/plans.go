// Package quota implements the quota gate: plan-derived ceilings on config
// keys and monthly requests, enforced against a billing-service snapshot.
package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/latencypoison/poisond/internal/model"
)

// PlanSource supplies the plan quota snapshot for an owner. The billing
// service is the source of truth; implementations are point-in-time caches.
type PlanSource interface {
	QuotaFor(ownerID string) (model.PlanQuota, error)
}

// builtinPlans mirrors the billing service's published plan limits.
var builtinPlans = map[string]model.PlanQuota{
	"free":    {Plan: "free", KeysLimit: 2, RequestsLimit: 500},
	"trial":   {Plan: "trial", KeysLimit: 10, RequestsLimit: 50000},
	"starter": {Plan: "starter", KeysLimit: 10, RequestsLimit: 50000},
	"pro":     {Plan: "pro", KeysLimit: 50, RequestsLimit: 500000},
}

// plansFile is the YAML shape of an optional plans override file.
type plansFile struct {
	DefaultPlan string `yaml:"default_plan"`
	Plans       map[string]struct {
		KeysLimit     int `yaml:"keys_limit"`
		RequestsLimit int `yaml:"requests_limit"`
	} `yaml:"plans"`
	Owners map[string]string `yaml:"owners"`
}

// StaticSource resolves plan quotas from an in-memory table: built-in plans,
// optionally overridden by a plans file, plus per-owner plan assignments.
type StaticSource struct {
	defaultPlan string
	plans       map[string]model.PlanQuota
	owners      map[string]string
}

// NewStaticSource returns a source with the built-in plans and every owner on
// the default free plan.
func NewStaticSource() *StaticSource {
	plans := make(map[string]model.PlanQuota, len(builtinPlans))
	for name, q := range builtinPlans {
		plans[name] = q
	}
	return &StaticSource{
		defaultPlan: "free",
		plans:       plans,
		owners:      map[string]string{},
	}
}

// LoadPlansFile reads a YAML plans file and returns a source merging it over
// the built-in plans.
func LoadPlansFile(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var pf plansFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse plans file %s: %w", path, err)
	}

	src := NewStaticSource()
	for name, p := range pf.Plans {
		if p.KeysLimit <= 0 || p.RequestsLimit <= 0 {
			return nil, fmt.Errorf("plans file %s: plan %q limits must be positive", path, name)
		}
		src.plans[name] = model.PlanQuota{Plan: name, KeysLimit: p.KeysLimit, RequestsLimit: p.RequestsLimit}
	}
	if pf.DefaultPlan != "" {
		if _, ok := src.plans[pf.DefaultPlan]; !ok {
			return nil, fmt.Errorf("plans file %s: unknown default_plan %q", path, pf.DefaultPlan)
		}
		src.defaultPlan = pf.DefaultPlan
	}
	for owner, plan := range pf.Owners {
		if _, ok := src.plans[plan]; !ok {
			return nil, fmt.Errorf("plans file %s: owner %q assigned unknown plan %q", path, owner, plan)
		}
		src.owners[owner] = plan
	}
	return src, nil
}

// QuotaFor returns the quota snapshot for an owner. Unknown owners get the
// default plan.
func (s *StaticSource) QuotaFor(ownerID string) (model.PlanQuota, error) {
	plan := s.defaultPlan
	if assigned, ok := s.owners[ownerID]; ok {
		plan = assigned
	}
	q, ok := s.plans[plan]
	if !ok {
		return model.PlanQuota{}, fmt.Errorf("plan %q not defined", plan)
	}
	return q, nil
}
