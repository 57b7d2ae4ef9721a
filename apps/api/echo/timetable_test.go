package echoapi

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/schoolyard/portal/core"
	"github.com/schoolyard/portal/core/timetable"
)

func setupEdumateSource(t *testing.T, env *testEnv, token string) {
	t.Helper()
	body := jsonBody(t, EdumateSetupRequest{
		BaseURL:  "https://edu.example.com/school/web/app.php",
		Username: "student",
		Password: "pwd",
	})
	req, rec := newAuthRequest(http.MethodPost, "/v1/timetable/setup/edumate", token, body)
	env.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("setting up Edumate source: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSetupEdumate(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")
	token := env.getToken(t, usr)

	body := jsonBody(t, EdumateSetupRequest{
		BaseURL:  "https://edu.example.com/school/web/app.php",
		Username: "student",
		Password: "pwd",
	})
	req, rec := newAuthRequest(http.MethodPost, "/v1/timetable/setup/edumate", token, body)
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp TimetableResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2024-03-04", resp.Timetable.Date)
	assert.Equal(t, timetable.SourceEdumate, resp.Timetable.Source)
}

func TestSetupEdumateValidation(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")
	token := env.getToken(t, usr)

	body := jsonBody(t, EdumateSetupRequest{Username: "student"})
	req, rec := newAuthRequest(http.MethodPost, "/v1/timetable/setup/edumate", token, body)
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "base_url")
}

func TestSetupEdumateBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")
	env.edumate.loginErr = core.NewKindError(core.KindCredentialsInvalid, "verification failed")

	body := jsonBody(t, EdumateSetupRequest{
		BaseURL:  "https://edu.example.com/school/web/app.php",
		Username: "student",
		Password: "wrong",
	})
	req, rec := newAuthRequest(http.MethodPost, "/v1/timetable/setup/edumate", env.getToken(t, usr), body)
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp httpErr
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "credentials_invalid", resp.Kind)
}

func TestSetupICal(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")
	token := env.getToken(t, usr)

	body := jsonBody(t, ICalSetupRequest{URL: "https://cal.example.com/feed.ics"})
	req, rec := newAuthRequest(http.MethodPost, "/v1/timetable/setup/ical", token, body)
	env.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	t.Run("missing url", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/timetable/setup/ical", token, jsonBody(t, ICalSetupRequest{}))
		env.app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "url")
	})

	t.Run("unreachable feed", func(t *testing.T) {
		env.feed.err = core.NewKindError(core.KindUpstream, "iCal feed fetch: 404 Not Found")
		defer func() { env.feed.err = nil }()

		req, rec := newAuthRequest(http.MethodPost, "/v1/timetable/setup/ical", token,
			jsonBody(t, ICalSetupRequest{URL: "https://cal.example.com/feed.ics"}))
		env.app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestRetrieveTimetable(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")
	token := env.getToken(t, usr)
	setupEdumateSource(t, env, token)

	t.Run("default day", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/timetable", token)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp TimetableResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "2024-03-04", resp.Timetable.Date)
	})

	t.Run("explicit day", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/timetable?day=2024-03-05", token)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp TimetableResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "2024-03-05", resp.Timetable.Date)
	})

	t.Run("week", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/timetable?week=2024-03-04", token)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp WeekResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Week.Days, 7)
	})

	t.Run("day and week are mutually exclusive", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/timetable?day=today&week=2024-03-04", token)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp httpErr
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "bad_input", resp.Kind)
	})

	t.Run("malformed day", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/timetable?day=soon", token)
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/v1/timetable")
		env.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRetrieveTimetableNoSource(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")

	req, rec := newAuthRequest(http.MethodGet, "/v1/timetable", env.getToken(t, usr))
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp httpErr
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Kind)
}

func TestTimetableState(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")
	token := env.getToken(t, usr)
	setupEdumateSource(t, env, token)

	req, rec := newAuthRequest(http.MethodGet, "/v1/timetable/state", token)
	env.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp StateResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, timetable.SourceEdumate, resp.Source.Type)
	assert.Equal(t, "student", resp.Source.Username)
	assert.NotNil(t, resp.LastFetched)
	assert.NotNil(t, resp.FetchedAt)
	assert.WithinDuration(t, time.Now(), *resp.FetchedAt, time.Minute)

	// credentials and session cookies never leave the server
	assert.NotContains(t, rec.Body.String(), "pwd")
	assert.NotContains(t, rec.Body.String(), "PHPSESSID")
	assert.NotContains(t, rec.Body.String(), "cookies")
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	usr := env.createUser(t, "Jamie", "jamie", "jamie@school.test", "N0t-Easily-Guessed")
	token := env.getToken(t, usr)
	setupEdumateSource(t, env, token)

	req, rec := newAuthRequest(http.MethodDelete, "/v1/timetable", token)
	env.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req, rec = newAuthRequest(http.MethodGet, "/v1/timetable/state", token)
	env.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
