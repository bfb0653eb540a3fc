package services

import (
	"encoding/json"
	"testing"

	"github.com/caseflow/backend/internal/models"
	"github.com/go-webauthn/webauthn/webauthn"
	"gorm.io/gorm"
)

func newPasskeyService(t *testing.T, db *gorm.DB) *PasskeyService {
	t.Helper()

	web, err := webauthn.New(&webauthn.Config{
		RPID:          "localhost",
		RPDisplayName: "Caseflow",
		RPOrigins:     []string{"http://localhost:3001"},
	})
	if err != nil {
		t.Fatalf("webauthn setup failed: %v", err)
	}
	return NewPasskeyService(db, web, NewCeremonyStore(DefaultCeremonyTTL))
}

func seedCredential(t *testing.T, db *gorm.DB, user *models.User, credentialID string) *models.PasskeyCredential {
	t.Helper()

	data, err := json.Marshal(webauthn.Credential{ID: []byte(credentialID)})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	row := &models.PasskeyCredential{
		UserID:       user.ID,
		CredentialID: credentialID,
		Data:         string(data),
		Name:         "Test Key",
	}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("seed credential failed: %v", err)
	}
	return row
}

func TestPasskeyService_RegisterStart(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-register")
	svc := newPasskeyService(t, db)

	sessionID, options, err := svc.RegisterStart(user)
	if err != nil {
		t.Fatalf("register start failed: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if options == nil || len(options.Response.Challenge) == 0 {
		t.Fatal("expected creation options with a challenge")
	}
	if options.Response.RelyingParty.ID != "localhost" {
		t.Fatalf("unexpected rp id: %s", options.Response.RelyingParty.ID)
	}
	if svc.Store.Len() != 1 {
		t.Fatalf("expected one pending ceremony, got %d", svc.Store.Len())
	}
}

func TestPasskeyService_RegisterStartExcludesExisting(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-exclude")
	svc := newPasskeyService(t, db)

	seedCredential(t, db, user, "existing-credential")

	_, options, err := svc.RegisterStart(user)
	if err != nil {
		t.Fatalf("register start failed: %v", err)
	}
	if len(options.Response.CredentialExcludeList) != 1 {
		t.Fatalf("expected 1 excluded credential, got %d", len(options.Response.CredentialExcludeList))
	}
}

func TestPasskeyService_RegisterFinishUnknownSession(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-bad-session")
	svc := newPasskeyService(t, db)

	_, err := svc.RegisterFinish(user, "no-such-session", []byte("{}"), "Laptop")
	assertKind(t, err, ErrValidation)
}

func TestPasskeyService_RegisterFinishWrongUser(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "passkey-owner")
	intruder := createUser(t, db, "passkey-intruder")
	svc := newPasskeyService(t, db)

	sessionID, _, err := svc.RegisterStart(owner)
	if err != nil {
		t.Fatalf("register start failed: %v", err)
	}

	_, err = svc.RegisterFinish(intruder, sessionID, []byte("{}"), "Laptop")
	assertKind(t, err, ErrForbidden)

	// The ceremony burned on the failed attempt.
	_, err = svc.RegisterFinish(owner, sessionID, []byte("{}"), "Laptop")
	assertKind(t, err, ErrValidation)
}

func TestPasskeyService_RegisterFinishGarbageResponse(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-garbage")
	svc := newPasskeyService(t, db)

	sessionID, _, err := svc.RegisterStart(user)
	if err != nil {
		t.Fatalf("register start failed: %v", err)
	}

	_, err = svc.RegisterFinish(user, sessionID, []byte("not json"), "Laptop")
	assertKind(t, err, ErrValidation)
}

func TestPasskeyService_LoginStart(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-login")
	svc := newPasskeyService(t, db)

	seedCredential(t, db, user, "login-credential")

	sessionID, options, err := svc.LoginStart(user.Username)
	if err != nil {
		t.Fatalf("login start failed: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if options == nil || len(options.Response.Challenge) == 0 {
		t.Fatal("expected assertion options with a challenge")
	}
	if len(options.Response.AllowedCredentials) != 1 {
		t.Fatalf("expected 1 allowed credential, got %d", len(options.Response.AllowedCredentials))
	}
}

func TestPasskeyService_LoginStartUnknownUser(t *testing.T) {
	db := newTestDB(t)
	svc := newPasskeyService(t, db)

	_, _, err := svc.LoginStart("nobody")
	assertKind(t, err, ErrNotFound)
}

func TestPasskeyService_LoginStartDisabledUser(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-disabled")
	svc := newPasskeyService(t, db)

	seedCredential(t, db, user, "disabled-credential")
	if err := db.Model(user).Update("active", false).Error; err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	_, _, err := svc.LoginStart(user.Username)
	assertKind(t, err, ErrForbidden)
}

func TestPasskeyService_LoginStartWithoutCredentials(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-none")
	svc := newPasskeyService(t, db)

	_, _, err := svc.LoginStart(user.Username)
	assertKind(t, err, ErrValidation)
}

func TestPasskeyService_LoginFinishUnknownSession(t *testing.T) {
	db := newTestDB(t)
	svc := newPasskeyService(t, db)

	_, err := svc.LoginFinish("no-such-session", []byte("{}"))
	assertKind(t, err, ErrValidation)
}

func TestPasskeyService_LoginFinishRejectsRegistrationSession(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-kind")
	svc := newPasskeyService(t, db)

	sessionID, _, err := svc.RegisterStart(user)
	if err != nil {
		t.Fatalf("register start failed: %v", err)
	}

	// A registration session must not finish an authentication.
	_, err = svc.LoginFinish(sessionID, []byte("{}"))
	assertKind(t, err, ErrValidation)
}

func TestPasskeyService_ListRenameDelete(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "passkey-manage")
	other := createUser(t, db, "passkey-manage-other")
	svc := newPasskeyService(t, db)

	row := seedCredential(t, db, user, "manage-credential")

	list, err := svc.List(user.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 passkey, got %d", len(list))
	}

	// Another user cannot touch it.
	if _, err := svc.Rename(other.ID, row.ID, "Stolen"); KindOf(err) != ErrNotFound {
		t.Fatalf("expected not found for foreign rename, got %v", err)
	}
	if err := svc.Delete(other.ID, row.ID); KindOf(err) != ErrNotFound {
		t.Fatalf("expected not found for foreign delete, got %v", err)
	}

	renamed, err := svc.Rename(user.ID, row.ID, "Work Laptop")
	if err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if renamed.Name != "Work Laptop" {
		t.Fatalf("unexpected name: %s", renamed.Name)
	}

	if err := svc.Delete(user.ID, row.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	has, err := svc.HasCredentials(user.ID)
	if err != nil {
		t.Fatalf("has credentials failed: %v", err)
	}
	if has {
		t.Fatal("expected no credentials left")
	}
}
