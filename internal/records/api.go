package records

import (
	"context"
	"fmt"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/rules"
	"github.com/watzon/quarry/internal/schema"
)

// ConflictPolicy selects the INSERT conflict behavior.
type ConflictPolicy int

const (
	ConflictReject ConflictPolicy = iota
	ConflictReplace
	ConflictIgnore
)

// API is a validated record API binding: configuration resolved against the
// live schema snapshot.
type API struct {
	Name  string
	Table *schema.Table

	Conflict ConflictPolicy
	Autofill bool

	aclWorld map[rules.Operation]bool
	aclAuth  map[rules.Operation]bool
	rule     map[rules.Operation]string

	// Expand maps FK columns eligible for expansion to their referred
	// tables.
	Expand map[string]*schema.Table

	ListLimit int
}

// Allowed applies the two-layer ACL gate for the request class.
func (a *API) Allowed(op rules.Operation, authenticated bool) bool {
	if a.aclWorld[op] {
		return true
	}
	return authenticated && a.aclAuth[op]
}

// Rule returns the access rule configured for op, or "".
func (a *API) Rule(op rules.Operation) string {
	return a.rule[op]
}

// Registry is the validated set of record APIs for one config + schema
// generation. Registries are immutable; a config swap or DDL commit builds
// a fresh one.
type Registry struct {
	apis map[string]*API
}

// Get looks an API up by name.
func (r *Registry) Get(name string) (*API, bool) {
	api, ok := r.apis[name]
	return api, ok
}

// Names returns all configured API names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.apis))
	for name := range r.apis {
		names = append(names, name)
	}
	return names
}

// APIsForTable returns the APIs bound to the given table.
func (r *Registry) APIsForTable(table string) []*API {
	var out []*API
	for _, api := range r.apis {
		if api.Table.Name == table {
			out = append(out, api)
		}
	}
	return out
}

// BuildRegistry validates every configured record API against the schema
// snapshot and the rule engine. Any invalid API rejects the whole
// configuration.
func BuildRegistry(ctx context.Context, cfgs []config.RecordAPIConfig, snap *schema.Snapshot, engine *rules.Engine) (*Registry, error) {
	apis := make(map[string]*API, len(cfgs))

	for i := range cfgs {
		api, err := buildAPI(ctx, &cfgs[i], snap, engine)
		if err != nil {
			return nil, fmt.Errorf("record API %q: %w", cfgs[i].Name, err)
		}
		apis[api.Name] = api
	}

	return &Registry{apis: apis}, nil
}

func buildAPI(ctx context.Context, cfg *config.RecordAPIConfig, snap *schema.Snapshot, engine *rules.Engine) (*API, error) {
	table, ok := snap.Table(cfg.TableName)
	if !ok {
		return nil, fmt.Errorf("target %q does not exist", cfg.TableName)
	}

	if table.RecordPKKind == schema.PKNone {
		return nil, fmt.Errorf("target %q has no record-addressable primary key (INTEGER or is_uuid_v7 BLOB required)", cfg.TableName)
	}

	api := &API{
		Name:      cfg.Name,
		Table:     table,
		Autofill:  cfg.AutofillMissingUserIDColumns,
		aclWorld:  aclSet(cfg.ACLWorld),
		aclAuth:   aclSet(cfg.ACLAuthenticated),
		rule:      make(map[rules.Operation]string),
		Expand:    make(map[string]*schema.Table),
		ListLimit: cfg.ListLimit,
	}
	if api.ListLimit <= 0 {
		api.ListLimit = config.ListLimitCeiling
	}

	switch cfg.ConflictResolution {
	case "", "reject":
		api.Conflict = ConflictReject
	case "replace":
		api.Conflict = ConflictReplace
	case "ignore":
		api.Conflict = ConflictIgnore
	}

	ruleSpecs := map[rules.Operation]string{
		rules.OpCreate: cfg.CreateRule,
		rules.OpRead:   cfg.ReadRule,
		rules.OpUpdate: cfg.UpdateRule,
		rules.OpDelete: cfg.DeleteRule,
		rules.OpSchema: cfg.SchemaRule,
	}
	for op, rule := range ruleSpecs {
		if rule == "" {
			continue
		}
		if err := engine.Validate(ctx, rule, table.ColumnNames()); err != nil {
			return nil, fmt.Errorf("%s rule: %w", op, err)
		}
		api.rule[op] = rule
	}

	for _, colName := range cfg.Expand {
		col, ok := table.Column(colName)
		if !ok {
			return nil, fmt.Errorf("expand column %q does not exist", colName)
		}
		if col.ForeignKey == nil {
			return nil, fmt.Errorf("expand column %q is not a foreign key", colName)
		}
		target, ok := snap.Table(col.ForeignKey.Table)
		if !ok {
			return nil, fmt.Errorf("expand column %q references unknown table %q", colName, col.ForeignKey.Table)
		}
		if target.RecordPK == "" || target.RecordPK != col.ForeignKey.Column {
			return nil, fmt.Errorf("expand column %q must reference a single-column record primary key", colName)
		}
		api.Expand[colName] = target
	}

	return api, nil
}

func aclSet(entries []string) map[rules.Operation]bool {
	set := make(map[rules.Operation]bool, len(entries))
	for _, entry := range entries {
		set[rules.Operation(entry)] = true
	}
	return set
}
