package timetable

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/schoolyard/portal/core"
)

var testNormaliser = Normaliser{
	DefaultTimezone: "Australia/Sydney",
	DefaultPeriod:   50 * time.Minute,
}

func TestIsValidISODate(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"2024-03-04", true},
		{"1999-12-31", true},
		{"2024-02-30", true}, // format-only, not a calendar check
		{"today", false},
		{"", false},
		{"2024-3-04", false},
		{"2024-03-04T00:00:00", false},
		{"04-03-2024", false},
		{"2024/03/04", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidISODate(tt.input))
		})
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"<b>Week A</b> Monday", "Week A Monday"},
		{"no tags here", "no tags here"},
		{"<a href='x'>link</a>", "link"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripHTML(tt.input))
	}
}

func TestInferEventType(t *testing.T) {
	tests := []struct {
		summary string
		want    EventType
	}{
		{"Period 1 Maths", EventClass},
		{"English Lesson", EventClass},
		{"Science class", EventClass},
		{"LUNCH", EventBreak},
		{"Morning Recess", EventBreak},
		{"Break", EventBreak},
		{"School Assembly", EventGeneral},
		{"Sports Carnival", EventGeneral},
		{"", EventOther},
	}
	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			assert.Equal(t, tt.want, InferEventType(tt.summary))
		})
	}
}

func TestWeekDates(t *testing.T) {
	t.Run("leap year crossing", func(t *testing.T) {
		dates, err := WeekDates("2024-02-27")
		assert.NoError(t, err)
		assert.Equal(t, []string{
			"2024-02-27", "2024-02-28", "2024-02-29",
			"2024-03-01", "2024-03-02", "2024-03-03", "2024-03-04",
		}, dates)
	})

	t.Run("year boundary", func(t *testing.T) {
		dates, err := WeekDates("2023-12-29")
		assert.NoError(t, err)
		assert.Equal(t, []string{
			"2023-12-29", "2023-12-30", "2023-12-31",
			"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04",
		}, dates)
	})

	t.Run("invalid start", func(t *testing.T) {
		_, err := WeekDates("not-a-date")
		assert.Error(t, err)
		assert.Equal(t, core.KindBadInput, core.ErrKind(err))
	})
}

var edumateDayFixture = json.RawMessage(`{
	"SQLDate": "2024-03-04",
	"label": "<b>Week A</b> Monday",
	"events": [
		{
			"activityName": "Mathematics",
			"period": "1",
			"room": "(M12)",
			"displayTime": "9:00am - 9:50am",
			"startDateTime": {"date": "2024-03-04 09:00:00.000000", "timezone": "Australia/Sydney"},
			"endDateTime": {"date": "2024-03-04 09:50:00.000000", "timezone": "Australia/Sydney"},
			"links": [{"text": "<i>Class page</i>", "href": "https://edu.example.com/class/42"}]
		},
		{
			"activityName": "English",
			"period": "2",
			"room": "E3",
			"displayTime": "10:00am",
			"startDateTime": {"date": "2024-03-04 10:00:00", "timezone": "Australia/Sydney"}
		}
	]
}`)

func TestEdumateDay(t *testing.T) {
	syd, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}

	tt, err := testNormaliser.EdumateDay(edumateDayFixture)
	assert.NoError(t, err)

	assert.Equal(t, SourceEdumate, tt.Source)
	assert.Equal(t, "2024-03-04", tt.Date)
	assert.Equal(t, "Week A Monday", tt.Label)
	assert.Equal(t, "Australia/Sydney", tt.Timezone)
	assert.Len(t, tt.Events, 2)

	first := tt.Events[0]
	assert.Equal(t, "2024-03-04-0", first.ID)
	assert.Equal(t, EventClass, first.Type)
	assert.Equal(t, "Mathematics", first.Title)
	assert.Equal(t, "1", first.Period)
	assert.Equal(t, "M12", first.Room) // parens stripped
	assert.Equal(t, "9:00am - 9:50am", first.Description)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 0, 0, 0, syd).UTC(), first.Start)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 50, 0, 0, syd).UTC(), first.End)
	assert.Equal(t, []Link{{Label: "Class page", URL: "https://edu.example.com/class/42"}}, first.Links)
	assert.NotEmpty(t, first.Raw)

	// no end time: one default period assumed
	second := tt.Events[1]
	assert.Equal(t, "2024-03-04-1", second.ID)
	assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, syd).UTC(), second.Start)
	assert.Equal(t, second.Start.Add(testNormaliser.DefaultPeriod), second.End)
}

func TestEdumateDayIdempotent(t *testing.T) {
	first, err := testNormaliser.EdumateDay(edumateDayFixture)
	assert.NoError(t, err)
	second, err := testNormaliser.EdumateDay(edumateDayFixture)
	assert.NoError(t, err)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("EdumateDay() not idempotent:\nfirst = %+v\nsecond = %+v", first, second)
	}
}

func TestEdumateDayBadPayload(t *testing.T) {
	_, err := testNormaliser.EdumateDay(json.RawMessage(`<html>login</html>`))
	assert.Error(t, err)
	assert.Equal(t, core.KindUpstream, core.ErrKind(err))
}

func TestICalDay(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	events := []ICalEvent{
		{
			UID:       "abc@feed",
			Summary:   "Period 3 Science",
			Location:  "Lab 1",
			Organizer: "teacher@school.test",
			URL:       "https://cal.example.com/evt",
			Start:     start,
			End:       start.Add(50 * time.Minute),
		},
	}

	tt := testNormaliser.ICalDay(events, "2024-03-04", "Australia/Sydney")
	assert.Equal(t, SourceICal, tt.Source)
	assert.Equal(t, "2024-03-04", tt.Date)
	assert.Equal(t, "Australia/Sydney", tt.Timezone)
	assert.Len(t, tt.Events, 1)

	event := tt.Events[0]
	assert.Equal(t, "abc@feed", event.ID)
	assert.Equal(t, EventClass, event.Type)
	assert.Equal(t, "Lab 1", event.Room)
	assert.Equal(t, "teacher@school.test", event.Teacher)
	assert.Equal(t, []Link{{Label: "Open event", URL: "https://cal.example.com/evt"}}, event.Links)
}

func TestICalDayDefaultTimezone(t *testing.T) {
	tt := testNormaliser.ICalDay(nil, "2024-03-04", "")
	assert.Equal(t, "UTC", tt.Timezone)
	assert.NotNil(t, tt.Events)
	assert.Len(t, tt.Events, 0)
}

func TestICalWeekEmpty(t *testing.T) {
	week := testNormaliser.ICalWeek(map[string][]ICalEvent{}, "Australia/Sydney")
	assert.NotNil(t, week.Days)
	assert.Len(t, week.Days, 0)
}

func TestICalWeekSortedDays(t *testing.T) {
	byDay := map[string][]ICalEvent{
		"2024-03-06": {},
		"2024-03-04": {},
		"2024-03-05": {},
	}
	week := testNormaliser.ICalWeek(byDay, "UTC")
	assert.Len(t, week.Days, 3)
	assert.Equal(t, "2024-03-04", week.Days[0].Date)
	assert.Equal(t, "2024-03-05", week.Days[1].Date)
	assert.Equal(t, "2024-03-06", week.Days[2].Date)
}

func TestStandardiseDayMissingInputs(t *testing.T) {
	tests := []struct {
		name    string
		in      DayInput
		wantErr error
	}{
		{name: "edumate without raw day", in: DayInput{Provider: SourceEdumate}, wantErr: errMissingEdumateDay},
		{name: "ical without events", in: DayInput{Provider: SourceICal, Date: "2024-03-04"}, wantErr: errMissingICalEvents},
		{name: "unknown provider", in: DayInput{Provider: "canvas"}, wantErr: ErrUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testNormaliser.StandardiseDay(tt.in)
			assert.Equal(t, tt.wantErr, err)
		})
	}
}

func TestStandardiseWeekMissingInputs(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		in      WeekInput
		wantErr error
	}{
		{name: "edumate without fetch", in: WeekInput{Provider: SourceEdumate, StartDate: "2024-03-04"}, wantErr: errMissingEdumateFetch},
		{name: "ical without events", in: WeekInput{Provider: SourceICal, StartDate: "2024-03-04"}, wantErr: errMissingICalWeek},
		{name: "unknown provider", in: WeekInput{Provider: "canvas", StartDate: "2024-03-04"}, wantErr: ErrUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testNormaliser.StandardiseWeek(ctx, tt.in)
			assert.Equal(t, tt.wantErr, err)
		})
	}

	t.Run("invalid start date", func(t *testing.T) {
		_, err := testNormaliser.StandardiseWeek(ctx, WeekInput{Provider: SourceICal, StartDate: "soon"})
		assert.Error(t, err)
		assert.Equal(t, core.KindBadInput, core.ErrKind(err))
	})
}

func TestEdumateWeek(t *testing.T) {
	var fetched []string
	fetchDay := func(ctx context.Context, date string) (json.RawMessage, error) {
		fetched = append(fetched, date)
		return json.RawMessage(`{"SQLDate": "` + date + `", "label": "", "events": []}`), nil
	}

	week, err := testNormaliser.EdumateWeek(context.Background(), fetchDay, "2024-02-27")
	assert.NoError(t, err)
	assert.Len(t, week.Days, 7)
	assert.Len(t, fetched, 7)
	assert.Equal(t, "2024-02-27", week.Days[0].Date)
	assert.Equal(t, "2024-03-04", week.Days[6].Date)
}
