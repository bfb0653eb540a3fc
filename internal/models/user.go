package models

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

type User struct {
	BaseModel
	Username    string   `json:"username" gorm:"type:varchar(100);uniqueIndex;not null"`
	Email       *string  `json:"email,omitempty" gorm:"type:varchar(255);uniqueIndex"`
	DisplayName string   `json:"displayName" gorm:"type:varchar(200);not null"`
	Role        UserRole `json:"role" gorm:"type:varchar(20);not null;default:'user'"`

	// PasswordHash is empty for accounts that only ever sign in with a
	// passkey. PasswordLoginAllowed gates the password path even when a
	// hash exists.
	PasswordHash         string `json:"-" gorm:"type:text"`
	PasswordLoginAllowed bool   `json:"passwordLoginAllowed" gorm:"default:true"`
	Active               bool   `json:"active" gorm:"default:true"`

	Credentials   []PasskeyCredential `json:"-" gorm:"foreignKey:UserID"`
	TOTPSecrets   []TOTPSecret        `json:"-" gorm:"foreignKey:UserID"`
	RecoveryCodes []RecoveryCode      `json:"-" gorm:"foreignKey:UserID"`
	Sessions      []Session           `json:"-" gorm:"foreignKey:UserID"`
}
