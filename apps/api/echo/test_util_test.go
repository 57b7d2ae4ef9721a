package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/schoolyard/portal/core"
	"github.com/schoolyard/portal/core/timetable"
	"github.com/schoolyard/portal/core/user"
	emailsvc "github.com/schoolyard/portal/services/email"
	inmemdb "github.com/schoolyard/portal/storage/database/inmem"
)

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

type fakeEdumate struct {
	loginCookies string
	loginErr     error
	fetchErr     error
}

func (f *fakeEdumate) ObtainAuthCredentials(context.Context, string, string, string) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return f.loginCookies, nil
}

func (f *fakeEdumate) FetchDay(_ context.Context, _, _, day string) (json.RawMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	date := day
	if date == "today" {
		date = "2024-03-04"
	}
	return json.RawMessage(`{"SQLDate": "` + date + `", "label": "Monday", "events": []}`), nil
}

type fakeFeed struct {
	events []timetable.ICalEvent
	err    error
}

func (f *fakeFeed) FetchEvents(context.Context, timetable.ICalSource, time.Time, time.Time, *time.Location) ([]timetable.ICalEvent, error) {
	return f.events, f.err
}

type testEnv struct {
	app     Server
	conf    *core.Config
	usrSvc  *user.Service
	edumate *fakeEdumate
	feed    *fakeFeed
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conf := &core.Config{
		Env:             "TEST",
		TestMode:        true,
		AppName:         "Schoolyard",
		SecretKey:       "secret",
		FrontendBaseURL: "http://localhost:3000",

		PasswordResetTimeoutDelta: 3 * 24 * time.Hour,

		Server: core.ServerConfig{
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 4 * time.Hour,
		},
		Timetable: core.TimetableConfig{
			HTTPTimeout:     time.Second,
			DefaultPeriod:   50 * time.Minute,
			DefaultTimezone: "Australia/Sydney",
			MaxRedirectHops: 10,
			MaxOccurrences:  100,
		},
	}

	logger := nopLogger{}
	db := inmemdb.NewDB()
	mailSvc := emailsvc.NewConsoleService(conf)
	usrSvc := user.NewService(inmemdb.NewUserRepository(db), mailSvc, conf)

	edumate := &fakeEdumate{loginCookies: "PHPSESSID=authed"}
	feed := &fakeFeed{}
	ttSvc := timetable.NewService(inmemdb.NewTimetableRepository(db), edumate, feed, conf, logger)

	validate := validator.New()
	translator := newTestTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	app := NewServer(ServerDeps{
		Conf:         conf,
		Logger:       logger,
		UserSvc:      usrSvc,
		TimetableSvc: ttSvc,
		Validate:     validate,
		Translator:   translator,
	})

	return &testEnv{app: app, conf: conf, usrSvc: usrSvc, edumate: edumate, feed: feed}
}

func newTestTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

func (env *testEnv) createUser(t *testing.T, name, uname, email, pwd string) user.User {
	t.Helper()
	usr, err := env.usrSvc.Create(context.Background(), user.NewUser{
		Name:            name,
		Username:        uname,
		Email:           email,
		Password:        pwd,
		PasswordConfirm: pwd,
	})
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}
	return usr
}

func (env *testEnv) getToken(t *testing.T, usr user.User) string {
	t.Helper()
	token, err := GenerateToken(GetUserClaims(usr, env.conf), env.conf)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return token
}

type httpErr struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func jsonBody(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	return data
}
