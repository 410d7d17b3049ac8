// Package quotaguard is the module root. It only exists to embed the goose
// migrations directory so cmd/migrate.go can apply them without relying on a
// filesystem path at runtime.
package quotaguard

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
