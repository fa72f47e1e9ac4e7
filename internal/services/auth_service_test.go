package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type sentMail struct {
	to, name, code string
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (m *fakeMailer) SendRegistrationOTP(_ context.Context, to, name, code string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to, name, code})
	return nil
}

func (m *fakeMailer) SendResetPasswordOTP(ctx context.Context, to, name, code string) error {
	return m.SendRegistrationOTP(ctx, to, name, code)
}

type fakeIdentity struct {
	claims *IdentityClaims
}

func (f *fakeIdentity) Verify(context.Context, string) (*IdentityClaims, error) {
	if f.claims == nil {
		return nil, newError(ErrUnauthorized, "Invalid token")
	}
	c := *f.claims
	return &c, nil
}

type authFixture struct {
	svc    *AuthService
	mock   sqlmock.Sqlmock
	store  *memStore
	mailer *fakeMailer
	tokens *TokenService
}

func newAuthFixture(t *testing.T, apple IdentityVerifier) *authFixture {
	db, mock := newMockDB(t)
	store := newMemStore()
	mailer := &fakeMailer{}
	tokens := NewTokenService("secret", time.Hour, store)
	svc := NewAuthService(db, AuthDeps{
		Store:  store,
		Tokens: tokens,
		Mailer: mailer,
		Apple:  apple,
	}, nopLogger())
	return &authFixture{svc: svc, mock: mock, store: store, mailer: mailer, tokens: tokens}
}

func TestRegisterStoresOTPAndEmailsIt(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ann@example.com", "555-0100").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := f.svc.Register(context.Background(), RegisterInput{
		Name: "Ann", Email: " Ann@Example.com ", Phone: "555-0100", Password: "secret1",
	})
	require.NoError(t, err)
	require.Len(t, f.mailer.sent, 1)

	code, err := f.store.Get(context.Background(), registerOTPKey(id))
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.Equal(t, code, f.mailer.sent[0].code)
	assert.Equal(t, 10*time.Minute, f.store.ttls[registerOTPKey(id)])
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	f := newAuthFixture(t, nil)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Name: "Ann", Email: "ann@example.com", Phone: "555", Password: "abc",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Name: "Ann", Email: "ann@example.com", Phone: "555", Password: "secret1",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "User with this email or phone already exists", Message(err, ""))
}

func TestRegisterRemovesUserWhenEmailFails(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.mailer.err = errors.New("smtp down")
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("DELETE FROM users WHERE id = \\$1").WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Name: "Ann", Email: "ann@example.com", Phone: "555", Password: "secret1",
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidInput))
	assert.Equal(t, "Failed to send OTP email. Please try again.", Message(err, ""))
	assert.Empty(t, f.store.values)
}

func TestVerifyOTPSignsIn(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, registerOTPKey(annID), "123456", time.Minute))

	f.mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").
		WithArgs(annID).
		WillReturnRows(userRow(annID, "Ann", 0, nil))
	f.mock.ExpectExec("UPDATE users SET is_verified = TRUE").
		WithArgs(annID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := f.svc.VerifyOTP(ctx, annID, "123456")
	require.NoError(t, err)
	assert.True(t, result.User.IsVerified)

	claims, err := f.tokens.Parse(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, annID, claims.UserID)

	_, err = f.store.Get(ctx, registerOTPKey(annID))
	assert.Error(t, err)
}

func TestVerifyOTPWrongCode(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, registerOTPKey(annID), "123456", time.Minute))
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").
		WillReturnRows(userRow(annID, "Ann", 0, nil))

	_, err := f.svc.VerifyOTP(ctx, annID, "654321")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "Invalid OTP", Message(err, ""))
}

func loginRow(t *testing.T, verified bool) *sqlmock.Rows {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret1"), bcrypt.MinCost)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{"id", "name", "email", "password_hash", "auth_provider", "is_verified"}).
		AddRow(annID, "Ann", "ann@example.com", string(hash), "email", verified)
}

func TestLoginChecksPassword(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE").
		WithArgs("ann@example.com", "").
		WillReturnRows(loginRow(t, true))

	result, err := f.svc.Login(context.Background(), "ann@example.com", "", "secret1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)

	f.mock.ExpectQuery("SELECT \\* FROM users WHERE").WillReturnRows(loginRow(t, true))
	_, err = f.svc.Login(context.Background(), "ann@example.com", "", "wrong")
	assert.Equal(t, "Invalid credentials", Message(err, ""))
}

func TestLoginRequiresVerification(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE").WillReturnRows(loginRow(t, false))

	_, err := f.svc.Login(context.Background(), "", "555", "secret1")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "Please verify your account first", Message(err, ""))
}

func TestForgotPasswordHidesUnknownEmail(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE email = \\$1").
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows(userColumns))

	err := f.svc.ForgotPassword(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, f.mailer.sent)
}

func TestResetPasswordWithCode(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, resetOTPKey("ann@example.com"), "111111", time.Minute))
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE email = \\$1").
		WillReturnRows(userRow(annID, "Ann", 0, nil))
	f.mock.ExpectExec("UPDATE users SET password_hash").
		WithArgs(sqlmock.AnyArg(), annID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, f.svc.ResetPassword(ctx, "ann@example.com", "111111", "newpass"))
	_, err := f.store.Get(ctx, resetOTPKey("ann@example.com"))
	assert.Error(t, err)
}

func TestAppleSignInLinksExistingEmail(t *testing.T) {
	apple := &fakeIdentity{claims: &IdentityClaims{Subject: "apple-sub", Email: "ann@example.com", EmailVerified: true}}
	f := newAuthFixture(t, apple)
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE apple_user_id = \\$1").
		WithArgs("apple-sub").
		WillReturnRows(sqlmock.NewRows(userColumns))
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE email = \\$1").
		WithArgs("ann@example.com").
		WillReturnRows(userRow(annID, "Ann", 0, nil))
	f.mock.ExpectExec("UPDATE users SET apple_user_id").
		WithArgs("apple-sub", annID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := f.svc.AppleSignIn(context.Background(), AppleInput{IdentityToken: "t", AppleUserID: "apple-sub"})
	require.NoError(t, err)
	assert.False(t, result.IsNewUser)
	assert.Equal(t, annID, result.User.ID)
}

func TestAppleSignInDoesNotLinkClientEmail(t *testing.T) {
	// the token carries no email, the request body names Ann's
	apple := &fakeIdentity{claims: &IdentityClaims{Subject: "apple-sub"}}
	f := newAuthFixture(t, apple)
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE apple_user_id = \\$1").
		WillReturnRows(sqlmock.NewRows(userColumns))
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE email = \\$1").
		WithArgs("ann@example.com").
		WillReturnRows(userRow(annID, "Ann", 0, nil))

	_, err := f.svc.AppleSignIn(context.Background(), AppleInput{
		IdentityToken: "t", AppleUserID: "apple-sub", Email: "Ann@Example.com",
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAppleSignInDoesNotLinkUnverifiedTokenEmail(t *testing.T) {
	apple := &fakeIdentity{claims: &IdentityClaims{Subject: "apple-sub", Email: "ann@example.com"}}
	f := newAuthFixture(t, apple)
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE apple_user_id = \\$1").
		WillReturnRows(sqlmock.NewRows(userColumns))
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE email = \\$1").
		WillReturnRows(userRow(annID, "Ann", 0, nil))

	_, err := f.svc.AppleSignIn(context.Background(), AppleInput{IdentityToken: "t", AppleUserID: "apple-sub"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAppleSignInNeedsEmailFirstTime(t *testing.T) {
	apple := &fakeIdentity{claims: &IdentityClaims{Subject: "apple-sub"}}
	f := newAuthFixture(t, apple)
	f.mock.ExpectQuery("SELECT \\* FROM users WHERE apple_user_id = \\$1").
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := f.svc.AppleSignIn(context.Background(), AppleInput{IdentityToken: "t", AppleUserID: "apple-sub"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNormalizeProvider(t *testing.T) {
	assert.Equal(t, "google", NormalizeProvider("oauth_google"))
	assert.Equal(t, "apple", NormalizeProvider("Apple"))
	assert.Equal(t, "facebook", NormalizeProvider("facebook"))
	assert.Equal(t, "oauth", NormalizeProvider("github"))
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()
	token, err := f.tokens.Issue(annID)
	require.NoError(t, err)
	claims, err := f.tokens.Parse(ctx, token)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, claims))

	_, err = f.tokens.Parse(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
