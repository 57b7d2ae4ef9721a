// Package edumatesvc implements the session manager for the scraped Edumate
// timetable backend. Edumate exposes no formal API: authentication is an HTML
// login form followed by a redirect chain, so the client has to behave like a
// browser's cookie jar without being one.
package edumatesvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/schoolyard/portal/core"
	"github.com/schoolyard/portal/core/timetable"
)

const (
	loginPath      = "/login/"
	loginCheckPath = "/login-check"
	dayCalendarFmt = "/admin/get-day-calendar/%s/current?page=1&start=0&limit=25"
)

// csrfTokenRegex matches the anti-forgery token embedded in an inline script
// blob on the login page.
var csrfTokenRegex = regexp.MustCompile(`tokenHtml"\s*:\s*"([^"]+)"`)

// authState tracks progress through the login flow.
type authState int

const (
	stateAwaitingLoginPage authState = iota
	stateSubmittingCredentials
	stateFollowingRedirect
	stateAuthenticated
)

type Client struct {
	http    *http.Client
	logger  core.Logger
	maxHops int
}

var _ timetable.EdumateClient = (*Client)(nil)

func NewClient(conf *core.Config, logger core.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: conf.Timetable.HTTPTimeout,
			// redirects are followed manually so intermediate Set-Cookie
			// headers are not lost to an opaque redirect-following client
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		maxHops: conf.Timetable.MaxRedirectHops,
	}
}

// ObtainAuthCredentials runs the login flow against baseURL (the Edumate app
// root, e.g. https://host/school/web/app.php) and returns the merged session
// cookie string. A rejected login yields a KindCredentialsInvalid error; it is
// never retried here.
func (c *Client) ObtainAuthCredentials(ctx context.Context, baseURL, username, password string) (string, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Host == "" {
		return "", core.NewKindError(core.KindConfig, "invalid Edumate base URL")
	}

	sess := Session{}
	var (
		state     = stateAwaitingLoginPage
		csrfToken string
		location  string
		finalURL  string
		hops      int
	)

	for {
		switch state {
		case stateAwaitingLoginPage:
			resp, body, err := c.get(ctx, base.String()+loginPath, "")
			if err != nil {
				return "", core.WrapKind(core.KindUpstream, err, "fetching login page")
			}
			sess = sess.Merge(resp.Header.Values("Set-Cookie"))

			m := csrfTokenRegex.FindSubmatch(body)
			if m == nil {
				// fatal for the whole login attempt, not retried
				return "", core.NewKindError(core.KindUpstream, "CSRF token not found")
			}
			csrfToken = string(m[1])
			state = stateSubmittingCredentials

		case stateSubmittingCredentials:
			form := url.Values{
				"_username":         {username},
				"_password":         {password},
				"recaptchaResponse": {""},
				"hasRecaptcha":      {"false"},
				"_csrf_token":       {csrfToken},
				"_target_path":      {"login-pass"},
				"return_path":       {"dashboard/my-edumate/#failed"},
				"da":                {"0"},
			}
			resp, err := c.postForm(ctx, base.String()+loginCheckPath, sess.String(), form)
			if err != nil {
				return "", core.WrapKind(core.KindUpstream, err, "submitting credentials")
			}
			sess = sess.Merge(resp.Header.Values("Set-Cookie"))
			location = resp.Header.Get("Location")
			finalURL = base.String() + loginCheckPath
			c.logger.Debug(fmt.Sprintf("edumate login-check: %d -> %s", resp.StatusCode, location))

			if location == "" {
				state = stateAuthenticated
			} else {
				state = stateFollowingRedirect
			}

		case stateFollowingRedirect:
			hops++
			if hops > c.maxHops {
				// an upstream misconfiguration must not hang the request
				return "", core.NewKindError(core.KindUpstream,
					fmt.Sprintf("login redirect chain exceeded %d hops", c.maxHops))
			}

			hopURL := resolveLocation(base, location)
			resp, _, err := c.get(ctx, hopURL, sess.String())
			if err != nil {
				return "", core.WrapKind(core.KindUpstream, err, "following login redirect")
			}
			sess = sess.Merge(resp.Header.Values("Set-Cookie"))
			finalURL = hopURL

			next := resp.Header.Get("Location")
			c.logger.Debug(fmt.Sprintf("edumate redirect: %d -> %s", resp.StatusCode, next))
			if next == "" {
				state = stateAuthenticated
			} else {
				location = next
			}

		case stateAuthenticated:
			// a bad password stalls on the login page or a #failed return
			// path rather than signalling failure explicitly
			if len(sess) == 0 || strings.Contains(finalURL, "/login") || strings.Contains(finalURL, "#failed") {
				return "", core.NewKindError(core.KindCredentialsInvalid, "verification failed")
			}
			return sess.String(), nil
		}
	}
}

// FetchDay performs a single authenticated GET for one calendar day.
// day is "today" or YYYY-MM-DD. An expired session manifests as a redirect to
// the login page or a non-JSON body; both are reported as KindSessionExpired
// so the caller can apply its re-authentication policy.
func (c *Client) FetchDay(ctx context.Context, cookies, baseURL, day string) (json.RawMessage, error) {
	base := strings.TrimRight(baseURL, "/")
	resp, body, err := c.get(ctx, base+fmt.Sprintf(dayCalendarFmt, day), cookies)
	if err != nil {
		return nil, core.WrapKind(core.KindUpstream, err, "fetching day calendar")
	}

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, core.NewKindError(core.KindSessionExpired, "day calendar fetch redirected to login")
	case resp.StatusCode != http.StatusOK:
		return nil, core.NewKindError(core.KindUpstream, "day calendar fetch: "+resp.Status)
	case !json.Valid(body):
		// a 200 serving the login page instead of JSON
		return nil, core.NewKindError(core.KindSessionExpired, "day calendar fetch returned non-JSON body")
	}
	return body, nil
}

// resolveLocation resolves a Location header against the app root: absolute
// URLs pass through, leading-slash paths resolve against the host, bare paths
// against the app root.
func resolveLocation(base *url.URL, location string) string {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return location
	case strings.HasPrefix(location, "/"):
		return base.Scheme + "://" + base.Host + location
	default:
		return base.String() + "/" + location
	}
}

func (c *Client) get(ctx context.Context, rawURL, cookies string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building request")
	}
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading response body")
	}
	return resp, body, nil
}

func (c *Client) postForm(ctx context.Context, rawURL, cookies string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	// body is irrelevant on the credential POST; drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp, nil
}
