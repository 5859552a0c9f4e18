package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate добавляет SELECT ... FOR UPDATE там, где диалект это умеет.
// sqlite (в тестах) не знает FOR UPDATE; корректность там держится на
// условных UPDATE, которые и являются основным механизмом идемпотентности.
func forUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}
