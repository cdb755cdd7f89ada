package auth

import (
	"strings"

	"github.com/awebai/aweb/internal/errs"
)

const maxAliasLen = 128

// ValidateAlias checks that an alias is usable as a project-local agent
// name. The slash is reserved for cross-namespace addresses
// (project/alias), so aliases must not contain it.
func ValidateAlias(alias string) error {
	switch {
	case alias == "":
		return errs.New(errs.InvalidArgument, "alias must not be empty")
	case strings.Contains(alias, "/"):
		return errs.New(errs.InvalidArgument, "alias must not contain '/'")
	case strings.TrimSpace(alias) != alias:
		return errs.New(errs.InvalidArgument, "alias must not have leading or trailing whitespace")
	case len(alias) > maxAliasLen:
		return errs.Newf(errs.InvalidArgument, "alias must be at most %d characters", maxAliasLen)
	}
	return nil
}
