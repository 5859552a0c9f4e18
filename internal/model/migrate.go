package model

import "gorm.io/gorm"

// AutoMigrate выполняет миграцию сущностей сессионного движка.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TextSession{},
		&CallSession{},
		&Appointment{},
		&PatientWallet{},
		&ProviderEarning{},
	)
}
