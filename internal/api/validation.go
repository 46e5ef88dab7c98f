package api

import (
	"fmt"
	"regexp"
)

// deploymentNamePattern matches valid deployment names: ASCII letters,
// digits, hyphens, and underscores, with no path separators or leading dot
// — a name is used verbatim as a directory component under the images root.
var deploymentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// validateDeploymentName rejects names that are empty, contain non-ASCII
// bytes, contain path separators, or otherwise cannot safely be joined onto
// a filesystem path.
func validateDeploymentName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("name must not exceed 128 characters")
	}
	if !deploymentNamePattern.MatchString(name) {
		return fmt.Errorf("name must be ASCII letters, digits, hyphens, or underscores, with no path separators")
	}
	return nil
}
