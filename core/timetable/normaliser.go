package timetable

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/schoolyard/portal/core"
)

var (
	ErrUnknownProvider = core.NewKindError(core.KindConfig, "unknown timetable provider")

	errMissingEdumateDay   = core.NewKindError(core.KindBadInput, "missing Edumate day data")
	errMissingICalEvents   = core.NewKindError(core.KindBadInput, "missing iCal events")
	errMissingEdumateFetch = core.NewKindError(core.KindBadInput, "missing Edumate fetch function")
	errMissingICalWeek     = core.NewKindError(core.KindBadInput, "missing iCal week events")

	isoDateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	parenStrip   = strings.NewReplacer("(", "", ")", "")
)

const isoDateLayout = "2006-01-02"

// IsValidISODate reports whether input looks like YYYY-MM-DD.
// Format-only: "2024-02-30" passes, "today" does not.
func IsValidISODate(input string) bool {
	return isoDateRegex.MatchString(input)
}

// StripHTML removes anything tag-shaped from input.
func StripHTML(input string) string {
	return htmlTagRegex.ReplaceAllString(input, "")
}

// InferEventType classifies an event from its summary, case-insensitive and
// substring-based. Empty summaries are unclassifiable.
func InferEventType(summary string) EventType {
	if summary == "" {
		return EventOther
	}
	s := strings.ToLower(summary)
	switch {
	case strings.Contains(s, "period"), strings.Contains(s, "lesson"), strings.Contains(s, "class"):
		return EventClass
	case strings.Contains(s, "break"), strings.Contains(s, "recess"), strings.Contains(s, "lunch"):
		return EventBreak
	default:
		return EventGeneral
	}
}

// WeekDates returns the 7 consecutive calendar dates starting at startDate,
// inclusive, crossing month/year boundaries as needed.
func WeekDates(startDate string) ([]string, error) {
	base, err := time.Parse(isoDateLayout, startDate)
	if err != nil {
		return nil, core.WrapKind(core.KindBadInput, err, "week start must be YYYY-MM-DD")
	}
	dates := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		dates = append(dates, base.AddDate(0, 0, i).Format(isoDateLayout))
	}
	return dates, nil
}

// Normaliser maps provider-specific payloads into the canonical
// StandardTimetable / StandardWeek shapes.
type Normaliser struct {
	// DefaultTimezone applies when an Edumate payload declares no zone.
	DefaultTimezone string
	// DefaultPeriod is the event duration assumed when a provider supplies
	// no explicit (or a nonsensical) end time.
	DefaultPeriod time.Duration
}

func NewNormaliser(conf *core.Config) Normaliser {
	return Normaliser{
		DefaultTimezone: conf.Timetable.DefaultTimezone,
		DefaultPeriod:   conf.Timetable.DefaultPeriod,
	}
}

// raw Edumate day-calendar payload shapes

type edumateDay struct {
	SQLDate string            `json:"SQLDate"`
	Label   string            `json:"label"`
	Events  []json.RawMessage `json:"events"`
}

type edumateDateTime struct {
	Date     string `json:"date"` // "2006-01-02 15:04:05.000000"
	Timezone string `json:"timezone"`
}

type edumateLink struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

type edumateEvent struct {
	ActivityName  string           `json:"activityName"`
	Period        string           `json:"period"`
	Room          string           `json:"room"`
	DisplayTime   string           `json:"displayTime"`
	StartDateTime *edumateDateTime `json:"startDateTime"`
	EndDateTime   *edumateDateTime `json:"endDateTime"`
	Links         []edumateLink    `json:"links"`
}

// EdumateDay normalises one raw Edumate day-calendar payload.
// Pure function of its input: re-normalising the same payload yields
// identical output, synthesized IDs included.
func (n Normaliser) EdumateDay(raw json.RawMessage) (StandardTimetable, error) {
	var day edumateDay
	if err := json.Unmarshal(raw, &day); err != nil {
		return StandardTimetable{}, core.WrapKind(core.KindUpstream, err, "decoding Edumate day payload")
	}

	tt := StandardTimetable{
		Source:   SourceEdumate,
		Date:     day.SQLDate,
		Label:    StripHTML(day.Label),
		Timezone: n.DefaultTimezone,
		Events:   make([]StandardEvent, 0, len(day.Events)),
	}

	for i, rawEvent := range day.Events {
		var event edumateEvent
		if err := json.Unmarshal(rawEvent, &event); err != nil {
			return StandardTimetable{}, core.WrapKind(core.KindUpstream, err, "decoding Edumate event")
		}

		if i == 0 && event.StartDateTime != nil && event.StartDateTime.Timezone != "" {
			tt.Timezone = event.StartDateTime.Timezone
		}

		start, err := n.parseEdumateTime(event.StartDateTime)
		if err != nil {
			return StandardTimetable{}, errors.Wrapf(err, "event %d start", i)
		}
		// Open-ended events have no upstream semantics; assume one period.
		end := start.Add(n.DefaultPeriod)
		if event.EndDateTime != nil {
			if e, err := n.parseEdumateTime(event.EndDateTime); err == nil && !e.Before(start) {
				end = e
			}
		}

		links := make([]Link, 0, len(event.Links))
		for _, l := range event.Links {
			links = append(links, Link{Label: StripHTML(l.Text), URL: l.Href})
		}

		tt.Events = append(tt.Events, StandardEvent{
			// positional: stable within one fetch, not across re-fetches
			ID:          fmt.Sprintf("%s-%d", day.SQLDate, i),
			Type:        EventClass,
			Title:       event.ActivityName,
			Start:       start,
			End:         end,
			Period:      event.Period,
			Room:        strings.TrimSpace(parenStrip.Replace(event.Room)),
			Description: event.DisplayTime,
			Links:       links,
			Raw:         rawEvent,
		})
	}
	return tt, nil
}

func (n Normaliser) parseEdumateTime(dt *edumateDateTime) (time.Time, error) {
	if dt == nil || dt.Date == "" {
		return time.Time{}, core.NewKindError(core.KindUpstream, "missing event time")
	}
	tz := dt.Timezone
	if tz == "" {
		tz = n.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	for _, layout := range []string{"2006-01-02 15:04:05.000000", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, dt.Date, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, core.NewKindError(core.KindUpstream, "unparseable event time "+dt.Date)
}

// ICalDay normalises pre-grouped iCal occurrences for one calendar date.
func (n Normaliser) ICalDay(events []ICalEvent, date, timezone string) StandardTimetable {
	if timezone == "" {
		timezone = "UTC"
	}
	tt := StandardTimetable{
		Source:   SourceICal,
		Date:     date,
		Timezone: timezone,
		Events:   make([]StandardEvent, 0, len(events)),
	}
	for _, event := range events {
		var links []Link
		if event.URL != "" {
			links = []Link{{Label: "Open event", URL: event.URL}}
		}
		tt.Events = append(tt.Events, StandardEvent{
			ID:          event.UID,
			Type:        InferEventType(event.Summary),
			Title:       event.Summary,
			Start:       event.Start.UTC(),
			End:         event.End.UTC(),
			Room:        event.Location,
			Teacher:     event.Organizer,
			Description: event.Description,
			Links:       links,
			Raw:         event.Raw,
		})
	}
	return tt
}

// EdumateWeek fetches and normalises the 7 days starting at startDate.
// Fetches are sequential on purpose: the fetch function reuses (and may
// refresh) session cookies, and concurrent fetches would race the refresh.
func (n Normaliser) EdumateWeek(
	ctx context.Context,
	fetchDay func(ctx context.Context, date string) (json.RawMessage, error),
	startDate string,
) (StandardWeek, error) {
	if !IsValidISODate(startDate) {
		return StandardWeek{}, core.NewKindError(core.KindBadInput, "week start must be YYYY-MM-DD")
	}
	dates, err := WeekDates(startDate)
	if err != nil {
		return StandardWeek{}, err
	}

	week := StandardWeek{Days: make([]StandardTimetable, 0, 7)}
	for _, date := range dates {
		raw, err := fetchDay(ctx, date)
		if err != nil {
			return StandardWeek{}, errors.Wrapf(err, "fetching Edumate day %s", date)
		}
		day, err := n.EdumateDay(raw)
		if err != nil {
			return StandardWeek{}, errors.Wrapf(err, "normalising Edumate day %s", date)
		}
		week.Days = append(week.Days, day)
	}
	return week, nil
}

// ICalWeek normalises a pre-grouped date -> occurrences mapping. No network:
// the whole feed is available up front. An empty mapping yields no days.
func (n Normaliser) ICalWeek(eventsByDay map[string][]ICalEvent, timezone string) StandardWeek {
	dates := make([]string, 0, len(eventsByDay))
	for date := range eventsByDay {
		dates = append(dates, date)
	}
	sort.Strings(dates) // ISO dates sort lexicographically

	week := StandardWeek{Days: make([]StandardTimetable, 0, len(dates))}
	for _, date := range dates {
		week.Days = append(week.Days, n.ICalDay(eventsByDay[date], date, timezone))
	}
	return week
}

// DayInput carries the provider-specific inputs for StandardiseDay.
type DayInput struct {
	Provider   SourceType
	RawDay     json.RawMessage
	ICalEvents []ICalEvent
	Date       string
	Timezone   string
}

// WeekInput carries the provider-specific inputs for StandardiseWeek.
type WeekInput struct {
	Provider        SourceType
	FetchEdumateDay func(ctx context.Context, date string) (json.RawMessage, error)
	ICalEventsByDay map[string][]ICalEvent
	Timezone        string
	StartDate       string
}

// StandardiseDay normalises a single day regardless of provider.
func (n Normaliser) StandardiseDay(in DayInput) (StandardTimetable, error) {
	switch in.Provider {
	case SourceEdumate:
		if in.RawDay == nil {
			return StandardTimetable{}, errMissingEdumateDay
		}
		return n.EdumateDay(in.RawDay)
	case SourceICal:
		if in.ICalEvents == nil {
			return StandardTimetable{}, errMissingICalEvents
		}
		return n.ICalDay(in.ICalEvents, in.Date, in.Timezone), nil
	default:
		return StandardTimetable{}, ErrUnknownProvider
	}
}

// StandardiseWeek normalises a week regardless of provider.
func (n Normaliser) StandardiseWeek(ctx context.Context, in WeekInput) (StandardWeek, error) {
	if !IsValidISODate(in.StartDate) {
		return StandardWeek{}, core.NewKindError(core.KindBadInput, "invalid week start date")
	}
	switch in.Provider {
	case SourceEdumate:
		if in.FetchEdumateDay == nil {
			return StandardWeek{}, errMissingEdumateFetch
		}
		return n.EdumateWeek(ctx, in.FetchEdumateDay, in.StartDate)
	case SourceICal:
		if in.ICalEventsByDay == nil {
			return StandardWeek{}, errMissingICalWeek
		}
		return n.ICalWeek(in.ICalEventsByDay, in.Timezone), nil
	default:
		return StandardWeek{}, ErrUnknownProvider
	}
}
