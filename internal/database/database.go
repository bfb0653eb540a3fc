package database

import (
	"fmt"

	"github.com/caseflow/backend/internal/config"
	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(cfg config.DBConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := SeedAdminUser(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.PasskeyCredential{},
		&models.TOTPSecret{},
		&models.RecoveryCode{},
		&models.Session{},
		&models.SecurityToken{},
		&models.AuditLog{},
	)
}

// SeedAdminUser creates the bootstrap admin when the user table is
// empty. The password must be changed on first login; it is logged
// once so a fresh deployment is not locked out.
func SeedAdminUser(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password, err := utils.NewRandomToken(12)
	if err != nil {
		return err
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		return err
	}

	admin := models.User{
		Username:             "admin",
		DisplayName:          "Administrator",
		Role:                 models.UserRoleAdmin,
		PasswordHash:         hash,
		PasswordLoginAllowed: true,
		Active:               true,
	}
	if err := db.Create(&admin).Error; err != nil {
		return err
	}

	logger.Info("admin_user_seeded", map[string]interface{}{
		"username": admin.Username,
		"password": password,
	})
	return nil
}
