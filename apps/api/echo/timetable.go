package echoapi

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/schoolyard/portal/core"
	"github.com/schoolyard/portal/core/timetable"
)

type timetableApi struct {
	svc      *timetable.Service
	validate *validator.Validate
}

func registerTimetableAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := timetableApi{
		svc:      deps.TimetableSvc,
		validate: deps.Validate,
	}

	tg := g.Group("/timetable", jwt)
	tg.GET("", api.retrieve)
	tg.GET("/state", api.state)
	tg.POST("/setup/edumate", api.setupEdumate)
	tg.POST("/setup/ical", api.setupICal)
	tg.DELETE("", api.disconnect)
}

// Handlers

func (api *timetableApi) retrieve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	day := ctx.QueryParam("day")
	week := ctx.QueryParam("week")
	if day != "" && week != "" {
		return core.NewKindError(core.KindBadInput, "day and week are mutually exclusive")
	}

	if week != "" {
		wk, err := api.svc.Week(ctx.Request().Context(), claims.Subject, week)
		if err != nil {
			return errors.Wrap(err, "resolving week timetable")
		}
		return ctx.JSON(http.StatusOK, WeekResponse{Week: wk})
	}

	tt, err := api.svc.Day(ctx.Request().Context(), claims.Subject, day)
	if err != nil {
		return errors.Wrap(err, "resolving day timetable")
	}
	return ctx.JSON(http.StatusOK, TimetableResponse{Timetable: tt})
}

func (api *timetableApi) state(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	state, err := api.svc.State(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Cause(err) == timetable.ErrStateNotFound {
			return timetable.ErrNoSource
		}
		return errors.Wrap(err, "loading timetable state")
	}
	return ctx.JSON(http.StatusOK, newStateResponse(state))
}

func (api *timetableApi) setupEdumate(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data EdumateSetupRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to EdumateSetupRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	tt, err := api.svc.SetupEdumate(ctx.Request().Context(), claims.Subject, timetable.EdumateSource{
		BaseURL:  data.BaseURL,
		Username: data.Username,
		Password: data.Password,
	})
	if err != nil {
		return errors.Wrap(err, "setting up Edumate source")
	}
	return ctx.JSON(http.StatusCreated, TimetableResponse{Timetable: tt})
}

func (api *timetableApi) setupICal(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data ICalSetupRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ICalSetupRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	if err := api.svc.SetupICal(ctx.Request().Context(), claims.Subject, timetable.ICalSource{
		URL:      data.URL,
		Username: data.Username,
		Password: data.Password,
	}); err != nil {
		return errors.Wrap(err, "setting up iCal source")
	}
	return ctx.JSON(http.StatusCreated, SuccessResponse{Success: "iCal feed connected."})
}

func (api *timetableApi) disconnect(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	if err := api.svc.Disconnect(ctx.Request().Context(), claims.Subject); err != nil {
		return errors.Wrap(err, "disconnecting timetable source")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// Bindings

type (
	EdumateSetupRequest struct {
		BaseURL  string `json:"base_url" validate:"required,url"`
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	ICalSetupRequest struct {
		URL      string `json:"url" validate:"required,url"`
		Username string `json:"username"`
		Password string `json:"password"`
	}

	TimetableResponse struct {
		Timetable timetable.StandardTimetable `json:"timetable"`
	}

	WeekResponse struct {
		Week timetable.StandardWeek `json:"week"`
	}

	// StateResponse exposes the persisted state with credentials and session
	// cookies redacted.
	StateResponse struct {
		Source      *SourceInfo                  `json:"source,omitempty"`
		LastFetched *timetable.StandardTimetable `json:"last_fetched,omitempty"`
		FetchedAt   *time.Time                   `json:"fetched_at,omitempty"`
		UpdatedAt   time.Time                    `json:"updated_at"`
	}

	SourceInfo struct {
		Type     timetable.SourceType `json:"type"`
		BaseURL  string               `json:"base_url,omitempty"`
		URL      string               `json:"url,omitempty"`
		Username string               `json:"username,omitempty"`
	}
)

func (er *EdumateSetupRequest) Validate(validate *validator.Validate) error {
	er.BaseURL = core.CleanString(er.BaseURL)
	er.Username = core.CleanString(er.Username)
	return validate.Struct(er)
}

func (ir *ICalSetupRequest) Validate(validate *validator.Validate) error {
	ir.URL = core.CleanString(ir.URL)
	ir.Username = core.CleanString(ir.Username)
	return validate.Struct(ir)
}

func newStateResponse(state timetable.UserState) StateResponse {
	resp := StateResponse{
		LastFetched: state.LastFetched,
		UpdatedAt:   state.UpdatedAt,
	}
	if !state.FetchedAt.IsZero() {
		fetchedAt := state.FetchedAt
		resp.FetchedAt = &fetchedAt
	}
	if src := state.Source; src != nil {
		info := &SourceInfo{Type: src.Type}
		switch {
		case src.Edumate != nil:
			info.BaseURL = src.Edumate.BaseURL
			info.Username = src.Edumate.Username
		case src.ICal != nil:
			info.URL = src.ICal.URL
			info.Username = src.ICal.Username
		}
		resp.Source = info
	}
	return resp
}
