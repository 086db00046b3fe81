package migrator

import (
	im "docmigrate/internal/migrator"
)

var goReg = im.NewRegistry()

// Register adds a compiled-in migration served when kind is "go". Call it
// from init functions of the package holding the migrations.
func Register(id string, up, down MigrateFunc) error {
	return goReg.Register(id, up, down)
}
