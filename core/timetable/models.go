package timetable

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventType classifies a scheduled block of time.
type EventType string

const (
	EventClass   EventType = "class"
	EventGeneral EventType = "event"
	EventBreak   EventType = "break"
	EventOther   EventType = "other"
)

// SourceType discriminates the configured upstream timetable provider.
type SourceType string

const (
	SourceEdumate SourceType = "edumate"
	SourceICal    SourceType = "ical"
)

type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// StandardEvent is the canonical, provider-agnostic unit of scheduled time.
// Start and End are UTC-normalized; Start <= End always holds.
type StandardEvent struct {
	ID          string          `json:"id,omitempty"`
	Type        EventType       `json:"type"`
	Title       string          `json:"title"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Period      string          `json:"period,omitempty"`
	Room        string          `json:"room,omitempty"`
	Teacher     string          `json:"teacher,omitempty"`
	Description string          `json:"description,omitempty"`
	Links       []Link          `json:"links,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"` // original provider payload, never interpreted
}

// StandardTimetable is one calendar day of events, in provider order.
type StandardTimetable struct {
	Source   SourceType      `json:"source"`
	Date     string          `json:"date"` // YYYY-MM-DD in Timezone
	Label    string          `json:"label,omitempty"`
	Timezone string          `json:"timezone"`
	Events   []StandardEvent `json:"events"`
}

// StandardWeek is 7 consecutive StandardTimetable days starting at an
// arbitrary caller-supplied date (Monday-start is not enforced).
type StandardWeek struct {
	Days []StandardTimetable `json:"days"`
}

// ICalSource configures an iCal feed provider: pull-everything, parse locally,
// no session state.
type ICalSource struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// EdumateSource configures the scraped Edumate provider: stateful, per-day,
// session-authenticated.
type EdumateSource struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Cookies  string `json:"cookies,omitempty"` // serialized session jar
}

// Source is the per-user provider configuration, a tagged union dispatched
// exhaustively at a single point (Service.fetch*).
type Source struct {
	Type    SourceType     `json:"type"`
	ICal    *ICalSource    `json:"ical,omitempty"`
	Edumate *EdumateSource `json:"edumate,omitempty"`
}

// UserState is the per-user persisted document: source configuration plus the
// last-fetched snapshot cache.
type UserState struct {
	Source      *Source            `json:"source,omitempty"`
	LastFetched *StandardTimetable `json:"last_fetched,omitempty"`
	FetchedAt   time.Time          `json:"fetched_at,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// StatePatch is a partial-field merge update: nil fields are left untouched.
type StatePatch struct {
	Source      *Source
	Cookies     *string // updates Source.Edumate.Cookies only
	LastFetched *StandardTimetable
	FetchedAt   *time.Time
}

// ErrStateNotFound is returned by Repository.GetState when the user has no
// persisted timetable state at all.
var ErrStateNotFound = errors.New("timetable state not found")

// Repository persists per-user timetable state with merge-update semantics.
type Repository interface {
	GetState(ctx context.Context, userID string) (UserState, error)
	// SaveState merges patch into the stored state, creating it if absent.
	SaveState(ctx context.Context, userID string, patch StatePatch) error
	DeleteState(ctx context.Context, userID string) error
	// ListConfigured returns the IDs of all users with a configured source.
	ListConfigured(ctx context.Context) ([]string, error)
}

// EdumateClient is the session manager for the scraped Edumate backend.
// It is stateless between calls; cookie jars are passed in and out as strings
// and persisted by the caller.
type EdumateClient interface {
	// ObtainAuthCredentials performs the full login-form + redirect-chain
	// dance and returns the merged session cookie string.
	ObtainAuthCredentials(ctx context.Context, baseURL, username, password string) (string, error)
	// FetchDay performs one authenticated GET for one calendar day.
	// day is "today" or YYYY-MM-DD. No retry, no cookie refresh.
	FetchDay(ctx context.Context, cookies, baseURL, day string) (json.RawMessage, error)
}

// ICalEvent is one concrete event occurrence from a parsed (and
// recurrence-expanded) iCal feed.
type ICalEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Organizer   string
	URL         string
	AllDay      bool
	Start       time.Time
	End         time.Time
	Raw         json.RawMessage
}

// FeedClient fetches and parses a whole iCal feed. One fetch serves any date
// range; events are expanded and clipped to [from, to).
type FeedClient interface {
	FetchEvents(ctx context.Context, src ICalSource, from, to time.Time, loc *time.Location) ([]ICalEvent, error)
}
