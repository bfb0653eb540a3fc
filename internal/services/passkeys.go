package services

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PasskeyService orchestrates passkey registration and authentication
// ceremonies. The protocol library owns the challenge-response state
// machine; this service owns pending-state bookkeeping, duplicate
// prevention and the persistent credential rows.
type PasskeyService struct {
	DB    *gorm.DB
	Web   *webauthn.WebAuthn
	Store *CeremonyStore
}

func NewPasskeyService(db *gorm.DB, web *webauthn.WebAuthn, store *CeremonyStore) *PasskeyService {
	return &PasskeyService{DB: db, Web: web, Store: store}
}

// passkeyUser adapts a User and its credential rows to the protocol
// library's user interface.
type passkeyUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	b, _ := u.user.ID.MarshalBinary()
	return b
}

func (u *passkeyUser) WebAuthnName() string {
	return u.user.Username
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.user.DisplayName
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func (s *PasskeyService) loadPasskeyUser(user *models.User) (*passkeyUser, error) {
	var rows []models.PasskeyCredential
	if err := s.DB.Where("user_id = ?", user.ID).Find(&rows).Error; err != nil {
		return nil, wrapError(ErrInternal, "failed to load credentials", err)
	}

	creds := make([]webauthn.Credential, 0, len(rows))
	for _, row := range rows {
		var cred webauthn.Credential
		if err := json.Unmarshal([]byte(row.Data), &cred); err != nil {
			return nil, wrapError(ErrInternal, "corrupted credential data", err)
		}
		creds = append(creds, cred)
	}

	return &passkeyUser{user: *user, creds: creds}, nil
}

// RegisterStart begins a registration ceremony for an authenticated
// user. Existing credentials become the exclusion list so the same
// authenticator cannot be registered twice for this user.
func (s *PasskeyService) RegisterStart(user *models.User) (string, *protocol.CredentialCreation, error) {
	waUser, err := s.loadPasskeyUser(user)
	if err != nil {
		return "", nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(waUser.creds))
	for _, cred := range waUser.creds {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
		})
	}

	options, session, err := s.Web.BeginRegistration(waUser, webauthn.WithExclusions(exclusions))
	if err != nil {
		return "", nil, wrapError(ErrInternal, "failed to begin registration", err)
	}

	sessionID, err := s.Store.Put(PendingCeremony{
		UserID:  user.ID,
		Kind:    CeremonyRegistration,
		Session: *session,
	})
	if err != nil {
		return "", nil, err
	}

	return sessionID, options, nil
}

// RegisterFinish consumes the pending ceremony and persists the new
// credential. A credential ID already registered to any user is a
// conflict: it guards against replaying a finish against a different
// pending session that targets the same physical authenticator.
func (s *PasskeyService) RegisterFinish(user *models.User, sessionID string, response []byte, name string) (*models.PasskeyCredential, error) {
	pending, ok := s.Store.Take(sessionID)
	if !ok {
		return nil, newError(ErrValidation, "invalid or expired ceremony session")
	}
	if pending.Kind != CeremonyRegistration {
		return nil, newError(ErrValidation, "invalid or expired ceremony session")
	}
	if pending.UserID != user.ID {
		return nil, newError(ErrForbidden, "ceremony belongs to a different user")
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, wrapError(ErrValidation, "invalid credential response", err)
	}

	waUser, err := s.loadPasskeyUser(user)
	if err != nil {
		return nil, err
	}

	credential, err := s.Web.CreateCredential(waUser, pending.Session, parsed)
	if err != nil {
		return nil, wrapError(ErrValidation, "failed to verify credential", err)
	}

	credentialID := base64.RawURLEncoding.EncodeToString(credential.ID)

	var count int64
	if err := s.DB.Model(&models.PasskeyCredential{}).Where("credential_id = ?", credentialID).Count(&count).Error; err != nil {
		return nil, wrapError(ErrInternal, "failed to check credential uniqueness", err)
	}
	if count > 0 {
		return nil, newError(ErrConflict, "passkey already registered")
	}

	data, err := json.Marshal(credential)
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to serialize credential", err)
	}

	if name == "" {
		name = "Passkey"
	}
	row := models.PasskeyCredential{
		UserID:       user.ID,
		CredentialID: credentialID,
		Data:         string(data),
		Name:         name,
	}
	if err := s.DB.Create(&row).Error; err != nil {
		return nil, wrapError(ErrInternal, "failed to save credential", err)
	}

	logger.Info("passkey_registered", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": row.ID.String(),
		"name":          row.Name,
	})
	return &row, nil
}

// LoginStart begins an authentication ceremony for a username.
// Resolving the username necessarily reveals account existence; that
// is the accepted exception for this flow.
func (s *PasskeyService) LoginStart(username string) (string, *protocol.CredentialAssertion, error) {
	var user models.User
	err := s.DB.First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, newError(ErrNotFound, "user not found")
	}
	if err != nil {
		return "", nil, wrapError(ErrInternal, "failed to load user", err)
	}

	if !user.Active {
		return "", nil, newError(ErrForbidden, "account disabled")
	}

	return s.LoginStartForUser(&user)
}

// LoginStartForUser begins an authentication ceremony for an already
// resolved user (the MFA second-factor path).
func (s *PasskeyService) LoginStartForUser(user *models.User) (string, *protocol.CredentialAssertion, error) {
	waUser, err := s.loadPasskeyUser(user)
	if err != nil {
		return "", nil, err
	}
	if len(waUser.creds) == 0 {
		return "", nil, newError(ErrValidation, "no passkeys registered")
	}

	options, session, err := s.Web.BeginLogin(waUser)
	if err != nil {
		return "", nil, wrapError(ErrInternal, "failed to begin authentication", err)
	}

	sessionID, err := s.Store.Put(PendingCeremony{
		UserID:  user.ID,
		Kind:    CeremonyAuthentication,
		Session: *session,
	})
	if err != nil {
		return "", nil, err
	}

	return sessionID, options, nil
}

// LoginFinish consumes the pending ceremony and validates the signed
// challenge. On success the stored credential blob is rewritten with
// the advanced sign counter; a counter that failed to advance is the
// clone signal and fails authentication.
func (s *PasskeyService) LoginFinish(sessionID string, response []byte) (*models.User, error) {
	pending, ok := s.Store.Take(sessionID)
	if !ok {
		return nil, newError(ErrValidation, "invalid or expired ceremony session")
	}
	if pending.Kind != CeremonyAuthentication {
		return nil, newError(ErrValidation, "invalid or expired ceremony session")
	}

	var user models.User
	err := s.DB.First(&user, "id = ?", pending.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(ErrUnauthenticated, "passkey verification failed")
	}
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to load user", err)
	}
	if !user.Active {
		return nil, newError(ErrForbidden, "account disabled")
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, wrapError(ErrValidation, "invalid assertion response", err)
	}

	waUser, err := s.loadPasskeyUser(&user)
	if err != nil {
		return nil, err
	}

	credential, err := s.Web.ValidateLogin(waUser, pending.Session, parsed)
	if err != nil {
		logger.Warn("passkey_login_failed", map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return nil, newError(ErrUnauthenticated, "passkey verification failed")
	}
	if credential.Authenticator.CloneWarning {
		logger.Warn("passkey_clone_detected", map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return nil, newError(ErrUnauthenticated, "passkey verification failed")
	}

	credentialID := base64.RawURLEncoding.EncodeToString(credential.ID)

	var row models.PasskeyCredential
	err = s.DB.First(&row, "credential_id = ?", credentialID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Should not occur under foreign-key integrity, but a missing
		// row must fail authentication, not crash.
		return nil, newError(ErrUnauthenticated, "credential not found")
	}
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to load credential", err)
	}

	data, err := json.Marshal(credential)
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to serialize credential", err)
	}

	now := time.Now()
	err = s.DB.Model(&row).Updates(map[string]interface{}{
		"data":         string(data),
		"last_used_at": now,
	}).Error
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to update credential", err)
	}

	logger.Info("passkey_login", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": row.ID.String(),
	})
	return &user, nil
}

// List returns the user's registered passkeys for device management.
func (s *PasskeyService) List(userID uuid.UUID) ([]models.PasskeyCredential, error) {
	var rows []models.PasskeyCredential
	if err := s.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, wrapError(ErrInternal, "failed to list passkeys", err)
	}
	return rows, nil
}

// Rename updates the device label on one of the user's passkeys.
func (s *PasskeyService) Rename(userID, credentialID uuid.UUID, name string) (*models.PasskeyCredential, error) {
	if name == "" {
		return nil, newError(ErrValidation, "name is required")
	}

	result := s.DB.Model(&models.PasskeyCredential{}).
		Where("id = ? AND user_id = ?", credentialID, userID).
		Update("name", name)
	if result.Error != nil {
		return nil, wrapError(ErrInternal, "failed to rename passkey", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, newError(ErrNotFound, "passkey not found")
	}

	var row models.PasskeyCredential
	if err := s.DB.First(&row, "id = ?", credentialID).Error; err != nil {
		return nil, wrapError(ErrInternal, "failed to load passkey", err)
	}
	return &row, nil
}

// Delete removes one of the user's passkeys.
func (s *PasskeyService) Delete(userID, credentialID uuid.UUID) error {
	result := s.DB.Where("id = ? AND user_id = ?", credentialID, userID).Delete(&models.PasskeyCredential{})
	if result.Error != nil {
		return wrapError(ErrInternal, "failed to delete passkey", result.Error)
	}
	if result.RowsAffected == 0 {
		return newError(ErrNotFound, "passkey not found")
	}

	logger.Info("passkey_deleted", map[string]interface{}{
		"user_id":       userID.String(),
		"credential_id": credentialID.String(),
	})
	return nil
}

// HasCredentials reports whether the user has any registered passkey.
func (s *PasskeyService) HasCredentials(userID uuid.UUID) (bool, error) {
	var count int64
	if err := s.DB.Model(&models.PasskeyCredential{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, wrapError(ErrInternal, "failed to count passkeys", err)
	}
	return count > 0, nil
}
