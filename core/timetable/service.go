package timetable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/schoolyard/portal/core"
)

var (
	ErrNoSource = core.NewKindError(core.KindNotFound, "no timetable source configured")

	errDayParam = core.NewKindError(core.KindBadInput, `day must be "today" or YYYY-MM-DD`)
)

// Service resolves day/week timetable requests against the configured
// provider, applying the Edumate re-authentication retry policy and
// persisting refreshed cookies and snapshots.
type Service struct {
	repo    Repository
	edumate EdumateClient
	ical    FeedClient
	norm    Normaliser
	logger  core.Logger

	nowFunc func() time.Time // mockable
}

func NewService(repo Repository, edumate EdumateClient, ical FeedClient, conf *core.Config, logger core.Logger) *Service {
	return &Service{
		repo:    repo,
		edumate: edumate,
		ical:    ical,
		norm:    NewNormaliser(conf),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Day resolves one calendar day for the user. day is "today" (or empty) or a
// literal YYYY-MM-DD; anything else fails before any network call.
func (svc *Service) Day(ctx context.Context, userID, day string) (StandardTimetable, error) {
	if day == "" {
		day = "today"
	}
	if day != "today" && !IsValidISODate(day) {
		return StandardTimetable{}, errDayParam
	}

	src, err := svc.getSource(ctx, userID)
	if err != nil {
		return StandardTimetable{}, err
	}

	switch src.Type {
	case SourceEdumate:
		return svc.edumateDay(ctx, userID, src.Edumate, day)
	case SourceICal:
		return svc.icalDay(ctx, userID, src.ICal, day)
	default:
		return StandardTimetable{}, ErrUnknownProvider
	}
}

// Week resolves the 7 days starting at startDate for the user.
func (svc *Service) Week(ctx context.Context, userID, startDate string) (StandardWeek, error) {
	if !IsValidISODate(startDate) {
		return StandardWeek{}, core.NewKindError(core.KindBadInput, "invalid week start date")
	}

	src, err := svc.getSource(ctx, userID)
	if err != nil {
		return StandardWeek{}, err
	}

	switch src.Type {
	case SourceEdumate:
		return svc.edumateWeek(ctx, userID, src.Edumate, startDate)
	case SourceICal:
		return svc.icalWeek(ctx, userID, src.ICal, startDate)
	default:
		return StandardWeek{}, ErrUnknownProvider
	}
}

// State returns the persisted per-user timetable state without refetching.
func (svc *Service) State(ctx context.Context, userID string) (UserState, error) {
	return svc.repo.GetState(ctx, userID)
}

// SetupEdumate verifies the supplied credentials end-to-end (full login plus
// one day-calendar fetch) before persisting the source configuration.
func (svc *Service) SetupEdumate(ctx context.Context, userID string, cfg EdumateSource) (StandardTimetable, error) {
	if err := validateEdumateSource(cfg); err != nil {
		return StandardTimetable{}, err
	}

	cookies, err := svc.edumate.ObtainAuthCredentials(ctx, cfg.BaseURL, cfg.Username, cfg.Password)
	if err != nil {
		return StandardTimetable{}, errors.Wrap(err, "verifying Edumate credentials")
	}
	raw, err := svc.edumate.FetchDay(ctx, cookies, cfg.BaseURL, "today")
	if err != nil {
		return StandardTimetable{}, errors.Wrap(err, "fetching Edumate timetable")
	}
	tt, err := svc.norm.EdumateDay(raw)
	if err != nil {
		return StandardTimetable{}, err
	}

	cfg.Cookies = cookies
	now := svc.nowFunc().UTC()
	patch := StatePatch{
		Source:      &Source{Type: SourceEdumate, Edumate: &cfg},
		LastFetched: &tt,
		FetchedAt:   &now,
	}
	if err = svc.repo.SaveState(ctx, userID, patch); err != nil {
		return StandardTimetable{}, errors.Wrap(err, "saving Edumate source")
	}
	return tt, nil
}

// SetupICal verifies the feed is fetchable and parseable before persisting.
func (svc *Service) SetupICal(ctx context.Context, userID string, cfg ICalSource) error {
	if cfg.URL == "" {
		return core.NewKindError(core.KindConfig, "missing iCal feed URL")
	}

	loc := svc.location()
	from := svc.midnight(svc.nowFunc(), loc)
	if _, err := svc.ical.FetchEvents(ctx, cfg, from, from.AddDate(0, 0, 7), loc); err != nil {
		return errors.Wrap(err, "verifying iCal feed")
	}

	patch := StatePatch{Source: &Source{Type: SourceICal, ICal: &cfg}}
	if err := svc.repo.SaveState(ctx, userID, patch); err != nil {
		return errors.Wrap(err, "saving iCal source")
	}
	return nil
}

// Disconnect removes the user's timetable source and cached snapshot.
func (svc *Service) Disconnect(ctx context.Context, userID string) error {
	return svc.repo.DeleteState(ctx, userID)
}

// RefreshAll refetches today's snapshot for every configured user.
// Failures are logged per user and never abort the sweep.
func (svc *Service) RefreshAll(ctx context.Context) {
	userIDs, err := svc.repo.ListConfigured(ctx)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("timetable refresh: listing users: %v", err), err)
		return
	}
	for _, userID := range userIDs {
		if _, err := svc.Day(ctx, userID, "today"); err != nil {
			svc.logger.Warn(fmt.Sprintf("timetable refresh: user %s: %v", userID, err), err)
		}
	}
}

// internals

func (svc *Service) getSource(ctx context.Context, userID string) (Source, error) {
	state, err := svc.repo.GetState(ctx, userID)
	if err != nil {
		if errors.Cause(err) == ErrStateNotFound {
			return Source{}, ErrNoSource
		}
		return Source{}, errors.Wrap(err, "loading timetable state")
	}
	if state.Source == nil {
		return Source{}, ErrNoSource
	}
	return *state.Source, nil
}

func (svc *Service) edumateDay(ctx context.Context, userID string, cfg *EdumateSource, day string) (StandardTimetable, error) {
	if err := validateEdumateSource(*cfg); err != nil {
		return StandardTimetable{}, err
	}

	sess := svc.newEdumateSession(*cfg)
	raw, err := sess.fetchDay(ctx, day)
	if err != nil {
		return StandardTimetable{}, err
	}
	tt, err := svc.norm.EdumateDay(raw)
	if err != nil {
		return StandardTimetable{}, err
	}

	svc.persistEdumate(ctx, userID, sess, &tt)
	return tt, nil
}

func (svc *Service) edumateWeek(ctx context.Context, userID string, cfg *EdumateSource, startDate string) (StandardWeek, error) {
	if err := validateEdumateSource(*cfg); err != nil {
		return StandardWeek{}, err
	}

	sess := svc.newEdumateSession(*cfg)
	week, err := svc.norm.EdumateWeek(ctx, sess.fetchDay, startDate)
	if err != nil {
		return StandardWeek{}, err
	}

	svc.persistEdumate(ctx, userID, sess, nil)
	return week, nil
}

// persistEdumate writes back refreshed cookies and, when given, the fetched
// snapshot. Best effort: a failed write is logged, not surfaced, since the
// caller already holds the result.
func (svc *Service) persistEdumate(ctx context.Context, userID string, sess *edumateSession, snapshot *StandardTimetable) {
	patch := StatePatch{}
	if sess.refreshed {
		patch.Cookies = &sess.cookies
	}
	if snapshot != nil {
		now := svc.nowFunc().UTC()
		patch.LastFetched = snapshot
		patch.FetchedAt = &now
	}
	if patch.Cookies == nil && patch.LastFetched == nil {
		return
	}
	if err := svc.repo.SaveState(ctx, userID, patch); err != nil {
		svc.logger.Error(fmt.Sprintf("persisting timetable state for user %s: %v", userID, err), err)
	}
}

func (svc *Service) icalDay(ctx context.Context, userID string, cfg *ICalSource, day string) (StandardTimetable, error) {
	if cfg.URL == "" {
		return StandardTimetable{}, core.NewKindError(core.KindConfig, "missing iCal feed URL")
	}

	loc := svc.location()
	date := day
	if date == "today" {
		date = svc.nowFunc().In(loc).Format(isoDateLayout)
	}
	from, err := time.ParseInLocation(isoDateLayout, date, loc)
	if err != nil {
		return StandardTimetable{}, core.WrapKind(core.KindBadInput, err, "parsing day")
	}

	events, err := svc.ical.FetchEvents(ctx, *cfg, from, from.AddDate(0, 0, 1), loc)
	if err != nil {
		return StandardTimetable{}, err
	}

	byDay := groupByDay(events, loc)
	tt, err := svc.norm.StandardiseDay(DayInput{
		Provider:   SourceICal,
		ICalEvents: dayEvents(byDay, date),
		Date:       date,
		Timezone:   loc.String(),
	})
	if err != nil {
		return StandardTimetable{}, err
	}

	now := svc.nowFunc().UTC()
	if err := svc.repo.SaveState(ctx, userID, StatePatch{LastFetched: &tt, FetchedAt: &now}); err != nil {
		svc.logger.Error(fmt.Sprintf("persisting timetable state for user %s: %v", userID, err), err)
	}
	return tt, nil
}

func (svc *Service) icalWeek(ctx context.Context, userID string, cfg *ICalSource, startDate string) (StandardWeek, error) {
	if cfg.URL == "" {
		return StandardWeek{}, core.NewKindError(core.KindConfig, "missing iCal feed URL")
	}

	loc := svc.location()
	from, err := time.ParseInLocation(isoDateLayout, startDate, loc)
	if err != nil {
		return StandardWeek{}, core.WrapKind(core.KindBadInput, err, "parsing week start")
	}

	// one feed fetch regardless of week length
	events, err := svc.ical.FetchEvents(ctx, *cfg, from, from.AddDate(0, 0, 7), loc)
	if err != nil {
		return StandardWeek{}, err
	}

	byDay := groupByDay(events, loc)
	dates, err := WeekDates(startDate)
	if err != nil {
		return StandardWeek{}, err
	}
	// every requested date gets a day, eventless ones included
	eventsByDay := make(map[string][]ICalEvent, len(dates))
	for _, date := range dates {
		eventsByDay[date] = dayEvents(byDay, date)
	}

	return svc.norm.StandardiseWeek(ctx, WeekInput{
		Provider:        SourceICal,
		ICalEventsByDay: eventsByDay,
		Timezone:        loc.String(),
		StartDate:       startDate,
	})
}

func (svc *Service) location() *time.Location {
	loc, err := time.LoadLocation(svc.norm.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (svc *Service) midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func validateEdumateSource(cfg EdumateSource) error {
	switch {
	case cfg.BaseURL == "":
		return core.NewKindError(core.KindConfig, "missing Edumate base URL")
	case cfg.Username == "":
		return core.NewKindError(core.KindConfig, "missing Edumate username")
	case cfg.Password == "":
		return core.NewKindError(core.KindConfig, "missing Edumate password")
	}
	return nil
}

func groupByDay(events []ICalEvent, loc *time.Location) map[string][]ICalEvent {
	byDay := make(map[string][]ICalEvent)
	for _, event := range events {
		date := event.Start.In(loc).Format(isoDateLayout)
		byDay[date] = append(byDay[date], event)
	}
	return byDay
}

func dayEvents(byDay map[string][]ICalEvent, date string) []ICalEvent {
	if events, ok := byDay[date]; ok {
		return events
	}
	return []ICalEvent{}
}

// edumateSession threads one request's cookie jar through its fetches,
// re-authenticating at most once per request lifecycle.
type edumateSession struct {
	svc       *Service
	cfg       EdumateSource
	cookies   string
	reauthed  bool
	refreshed bool
}

func (svc *Service) newEdumateSession(cfg EdumateSource) *edumateSession {
	return &edumateSession{svc: svc, cfg: cfg, cookies: cfg.Cookies}
}

func (s *edumateSession) fetchDay(ctx context.Context, day string) (json.RawMessage, error) {
	if s.cookies == "" {
		if err := s.authenticate(ctx); err != nil {
			return nil, err
		}
	}

	raw, err := s.svc.edumate.FetchDay(ctx, s.cookies, s.cfg.BaseURL, day)
	if err == nil {
		return raw, nil
	}
	if core.ErrKind(err) != core.KindSessionExpired || s.reauthed {
		return nil, err
	}

	// stored cookies are stale: one re-authentication, one retry
	if aerr := s.authenticate(ctx); aerr != nil {
		return nil, aerr
	}
	return s.svc.edumate.FetchDay(ctx, s.cookies, s.cfg.BaseURL, day)
}

func (s *edumateSession) authenticate(ctx context.Context) error {
	if s.reauthed {
		return core.NewKindError(core.KindSessionExpired, "session expired after re-authentication")
	}
	s.reauthed = true

	cookies, err := s.svc.edumate.ObtainAuthCredentials(ctx, s.cfg.BaseURL, s.cfg.Username, s.cfg.Password)
	if err != nil {
		return err
	}
	s.cookies = cookies
	s.refreshed = true
	return nil
}
