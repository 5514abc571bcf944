// This package defines a named migration which can be applied by the db migrator.
package migration

import (
	"database/sql"
)

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
