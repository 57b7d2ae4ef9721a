// Package icalsvc fetches and parses iCal timetable feeds. Unlike Edumate,
// an iCal source is sessionless pull-everything: one fetch yields the whole
// feed and any date range can be derived locally.
package icalsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/pkg/errors"
	"github.com/teambition/rrule-go"

	"github.com/schoolyard/portal/core"
	"github.com/schoolyard/portal/core/timetable"
)

type Feed struct {
	http           *http.Client
	logger         core.Logger
	maxOccurrences int
}

var _ timetable.FeedClient = (*Feed)(nil)

func NewFeed(conf *core.Config, logger core.Logger) *Feed {
	return &Feed{
		http:           &http.Client{Timeout: conf.Timetable.HTTPTimeout},
		logger:         logger,
		maxOccurrences: conf.Timetable.MaxOccurrences,
	}
}

// FetchEvents fetches the feed once, parses it and expands recurrences into
// concrete occurrences clipped to [from, to).
func (f *Feed) FetchEvents(
	ctx context.Context,
	src timetable.ICalSource,
	from, to time.Time,
	loc *time.Location,
) ([]timetable.ICalEvent, error) {
	body, err := f.fetch(ctx, src)
	if err != nil {
		return nil, err
	}

	parsed, err := f.parse(body)
	if err != nil {
		return nil, err
	}
	return f.expand(parsed, from, to, loc), nil
}

func (f *Feed) fetch(ctx context.Context, src timetable.ICalSource) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, core.WrapKind(core.KindConfig, err, "building feed request")
	}
	if src.Username != "" || src.Password != "" {
		req.SetBasicAuth(src.Username, src.Password)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, core.WrapKind(core.KindUpstream, err, "fetching iCal feed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, core.NewKindError(core.KindUpstream, "iCal feed fetch: "+resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapKind(core.KindUpstream, err, "reading iCal feed")
	}
	return body, nil
}

// parsedEvent is a VEVENT before recurrence expansion.
type parsedEvent struct {
	timetable.ICalEvent

	rawRRule string
	exDates  []time.Time
}

func (f *Feed) parse(body []byte) ([]parsedEvent, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, core.WrapKind(core.KindUpstream, err, "parsing iCal feed")
	}

	events := make([]parsedEvent, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			// keep parsing the rest of the feed
			f.logger.Warn(fmt.Sprintf("skipping unparseable VEVENT: %v", err), err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentProperty("ORGANIZER")); p != nil {
		out.Organizer = strings.TrimPrefix(p.Value, "mailto:")
	}
	if p := ve.GetProperty(ical.ComponentProperty("URL")); p != nil {
		out.URL = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, errors.Wrap(err, "parsing DTSTART")
	}
	out.Start = start
	if end, err := ve.GetEndAt(); err == nil && !end.Before(start) {
		out.End = end
	} else {
		out.End = start
	}

	// all-day: DTSTART has VALUE=DATE or no time component
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(p.Value, "T") {
			out.AllDay = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, start.Location()); err == nil {
				out.exDates = append(out.exDates, t)
			}
		}
	}

	if raw, err := json.Marshal(ve.Serialize(serialConfig)); err == nil {
		out.Raw = raw
	}
	return out, nil
}

// serialConfig mirrors the library defaults; Serialize requires a non-nil
// configuration.
var serialConfig = &ical.SerializationConfiguration{
	MaxLength:         75,
	PropertyMaxLength: 75,
	NewLine:           string(ical.NewLine),
}

// parseICSTime parses basic ICS DATE / DATE-TIME / UTC forms.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

// expand turns parsed events into concrete occurrences within [from, to),
// normalized into loc. Recurring events are expanded via their RRULE with
// EXDATEs removed and a per-event occurrence cap.
func (f *Feed) expand(events []parsedEvent, from, to time.Time, loc *time.Location) []timetable.ICalEvent {
	out := make([]timetable.ICalEvent, 0, len(events))
	for _, ev := range events {
		if ev.rawRRule == "" {
			if overlaps(ev.Start, ev.End, from, to) {
				out = append(out, occurrence(ev, ev.Start, ev.End, loc))
			}
			continue
		}
		out = append(out, f.expandRecurring(ev, from, to, loc)...)
	}
	return out
}

func (f *Feed) expandRecurring(ev parsedEvent, from, to time.Time, loc *time.Location) []timetable.ICalEvent {
	r, err := rrule.StrToRRule(ev.rawRRule)
	if err != nil {
		f.logger.Warn(fmt.Sprintf("skipping bad RRULE for %s: %v", ev.UID, err), err)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Between is inclusive on both ends; clip the right edge ourselves
	starts := set.Between(from.In(ev.Start.Location()), to.In(ev.Start.Location()), true)
	if len(starts) > f.maxOccurrences {
		f.logger.Warn(fmt.Sprintf("truncating occurrences for %s at %d", ev.UID, f.maxOccurrences))
		starts = starts[:f.maxOccurrences]
	}

	duration := ev.End.Sub(ev.Start)
	out := make([]timetable.ICalEvent, 0, len(starts))
	for _, start := range starts {
		if !start.Before(to) {
			continue
		}
		var end time.Time
		if ev.AllDay {
			day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			start, end = day, day.Add(24*time.Hour)
		} else {
			end = start.Add(duration)
		}
		out = append(out, occurrence(ev, start, end, loc))
	}
	return out
}

func occurrence(ev parsedEvent, start, end time.Time, loc *time.Location) timetable.ICalEvent {
	occ := ev.ICalEvent
	occ.Start = start.In(loc)
	occ.End = end.In(loc)
	return occ
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && aStart.Before(bEnd)
}
