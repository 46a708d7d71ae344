// Package build provides build information that is linked into the application. Other
// packages within this project can use this information in logs etc..
package build

var (
	// Version is the build version of the binary (e.g. v0.1.0 or v0.1.0-rc1).
	Version = "dev"

	// Commit is the commit hash that the binary was built from.
	Commit = "none"

	// Date is the date that the binary was built.
	Date = "unknown"

	// ProjectName is the project name, used as metrics namespace and default service name.
	ProjectName = "twinguard"
)

// MinimumSupportedDatastoreSchemaRevision is the oldest schema revision the
// SQL datastores accept without running migrations.
const MinimumSupportedDatastoreSchemaRevision = 1
