package echoapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schoolyard/portal/core/user"
)

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	body := jsonBody(t, user.NewUser{
		Name:            "Jamie Student",
		Username:        "jamie",
		Email:           "jamie@school.test",
		Password:        "N0t-Easily-Guessed",
		PasswordConfirm: "N0t-Easily-Guessed",
	})
	req, rec := newRequest(http.MethodPost, "/v1/users/register", body)
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var usr user.User
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usr))
	assert.NotEmpty(t, usr.ID)
	assert.Equal(t, "jamie", usr.Username)
	assert.True(t, usr.IsActive)
	assert.NotContains(t, rec.Body.String(), "password_hash")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")

	body := jsonBody(t, user.NewUser{
		Name:            "Impostor",
		Email:           "jamie@school.test",
		Password:        "N0t-Easily-Guessed",
		PasswordConfirm: "N0t-Easily-Guessed",
	})
	req, rec := newRequest(http.MethodPost, "/v1/users/register", body)
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "email")
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body user.NewUser
		want string
	}{
		{
			name: "missing email",
			body: user.NewUser{Name: "X", Password: "N0t-Easily-Guessed", PasswordConfirm: "N0t-Easily-Guessed"},
			want: "email",
		},
		{
			name: "password mismatch",
			body: user.NewUser{Name: "X", Email: "x@school.test", Password: "N0t-Easily-Guessed", PasswordConfirm: "different"},
			want: "password_confirm",
		},
		{
			name: "short password",
			body: user.NewUser{Name: "X", Email: "x@school.test", Password: "short", PasswordConfirm: "short"},
			want: "password",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, "/v1/users/register", jsonBody(t, tt.body))
			env.app.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")

	t.Run("by username", func(t *testing.T) {
		body := jsonBody(t, LoginRequest{Username: "jamie", Password: "N0t-Easily-Guessed"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp LoginResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
	})

	t.Run("by email", func(t *testing.T) {
		body := jsonBody(t, LoginRequest{Username: "jamie@school.test", Password: "N0t-Easily-Guessed"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		body := jsonBody(t, LoginRequest{Username: "jamie", Password: "nope"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "authentication failed")
	})

	t.Run("unknown user", func(t *testing.T) {
		body := jsonBody(t, LoginRequest{Username: "ghost", Password: "nope"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")

	t.Run("authed", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/users/me", env.getToken(t, usr))
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var got user.User
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, usr.ID, got.ID)
	})

	t.Run("missing token", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/v1/users/me")
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")

	// the request always claims success, known email or not
	for _, email := range []string{"jamie@school.test", "ghost@school.test"} {
		body := jsonBody(t, PasswordResetRequest{Email: email})
		req, rec := newRequest(http.MethodPost, "/v1/users/password-reset", body)
		env.app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	token, err := user.MakeToken(usr, env.conf)
	assert.NoError(t, err)

	body := jsonBody(t, user.ResetUserPassword{
		UID:             user.EncodeUID(usr),
		Token:           token,
		Password:        "An0ther-Decent-Pwd",
		PasswordConfirm: "An0ther-Decent-Pwd",
	})
	req, rec := newRequest(http.MethodPost, "/v1/users/password-reset-confirm", body)
	env.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// old password no longer works, new one does
	loginBody := jsonBody(t, LoginRequest{Username: "jamie", Password: "N0t-Easily-Guessed"})
	req, rec = newRequest(http.MethodPost, "/v1/users/login", loginBody)
	env.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	loginBody = jsonBody(t, LoginRequest{Username: "jamie", Password: "An0ther-Decent-Pwd"})
	req, rec = newRequest(http.MethodPost, "/v1/users/login", loginBody)
	env.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPasswordResetConfirmBadToken(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")

	body := jsonBody(t, user.ResetUserPassword{
		UID:             user.EncodeUID(usr),
		Token:           "NRXWY-bogus",
		Password:        "An0ther-Decent-Pwd",
		PasswordConfirm: "An0ther-Decent-Pwd",
	})
	req, rec := newRequest(http.MethodPost, "/v1/users/password-reset-confirm", body)
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}

func TestTokenRefresh(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")

	req, rec := newAuthRequest(http.MethodPost, "/v1/users/token-refresh", env.getToken(t, usr))
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}
