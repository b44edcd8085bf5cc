package config

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidAPIName     = errors.New("invalid record API name")
	ErrMissingTableName   = errors.New("record API requires a table_name")
	ErrInvalidACLEntry    = errors.New("invalid ACL entry")
	ErrInvalidConflict    = errors.New("invalid conflict_resolution")
	ErrDuplicateAPIName   = errors.New("duplicate record API name")
	ErrDuplicateSchema    = errors.New("duplicate schema name")
	ErrInvalidStorageKind = errors.New("storage backend must be \"filesystem\" or \"s3\"")
)

var apiNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

var aclOps = map[string]struct{}{
	"create": {}, "read": {}, "update": {}, "delete": {}, "schema": {},
}

// Validate checks structural config invariants. Rules that require the live
// database schema (access-rule syntax, record PK shape) are checked when the
// record API registry is built.
func Validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.RecordAPIs))
	for i := range cfg.RecordAPIs {
		api := &cfg.RecordAPIs[i]

		if !apiNamePattern.MatchString(api.Name) {
			return fmt.Errorf("%w: %q", ErrInvalidAPIName, api.Name)
		}
		if _, dup := seen[api.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateAPIName, api.Name)
		}
		seen[api.Name] = struct{}{}

		if api.TableName == "" {
			return fmt.Errorf("%w: api %q", ErrMissingTableName, api.Name)
		}

		for _, entry := range append(append([]string{}, api.ACLWorld...), api.ACLAuthenticated...) {
			if _, ok := aclOps[entry]; !ok {
				return fmt.Errorf("%w: %q on api %q", ErrInvalidACLEntry, entry, api.Name)
			}
		}

		switch api.ConflictResolution {
		case "", "reject", "replace", "ignore":
		default:
			return fmt.Errorf("%w: %q on api %q", ErrInvalidConflict, api.ConflictResolution, api.Name)
		}

		if api.ListLimit < 0 || api.ListLimit > ListLimitCeiling {
			return fmt.Errorf("api %q: list_limit must be between 0 and %d", api.Name, ListLimitCeiling)
		}
	}

	schemas := make(map[string]struct{}, len(cfg.Schemas))
	for _, s := range cfg.Schemas {
		if s.Name == "" {
			return errors.New("schema entry requires a name")
		}
		if _, dup := schemas[s.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateSchema, s.Name)
		}
		schemas[s.Name] = struct{}{}
	}

	switch cfg.Storage.Backend {
	case "", "filesystem", "s3":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidStorageKind, cfg.Storage.Backend)
	}

	for _, job := range cfg.Jobs {
		if job.ID == "" || job.Spec == "" {
			return fmt.Errorf("job entries require id and spec (job %q)", job.ID)
		}
	}

	return nil
}
