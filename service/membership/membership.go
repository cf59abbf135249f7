// Package membership answers whether a participant belongs to a channel, and keeps the
// per-channel participant rosters.
package membership

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
)

var log = golog.Logger("sealbid/membership")

// Checker looks up channel membership. Implementations must honor ctx deadlines.
type Checker interface {
	IsMember(ctx context.Context, channel auction.ChannelID, participant auction.ParticipantID) (bool, error)
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc func(ctx context.Context, channel auction.ChannelID, participant auction.ParticipantID) (bool, error)

// IsMember implements Checker.
func (f CheckerFunc) IsMember(
	ctx context.Context,
	channel auction.ChannelID,
	participant auction.ParticipantID,
) (bool, error) {
	return f(ctx, channel, participant)
}

// Everyone treats every participant as a member of every channel. It is used when no
// membership service is configured.
var Everyone Checker = CheckerFunc(func(context.Context, auction.ChannelID, auction.ParticipantID) (bool, error) {
	return true, nil
})

// HTTPChecker asks a membership service over HTTP. The service answers
// GET <base>/channels/<channel>/members/<participant> with 200 for members and 404 for
// non-members.
type HTTPChecker struct {
	base   string
	client *http.Client
}

// NewHTTPChecker returns a new HTTPChecker. timeout bounds each lookup.
func NewHTTPChecker(base string, timeout time.Duration) (*HTTPChecker, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid membership url %q", base)
	}
	return &HTTPChecker{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

// IsMember implements Checker.
func (c *HTTPChecker) IsMember(
	ctx context.Context,
	channel auction.ChannelID,
	participant auction.ParticipantID,
) (bool, error) {
	u := fmt.Sprintf("%s/channels/%s/members/%s",
		c.base, url.PathEscape(string(channel)), url.PathEscape(string(participant)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %v", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", auction.ErrMembershipUnavailable, err)
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			log.Errorf("closing response body: %v", err)
		}
	}()
	switch res.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: membership service returned %s", auction.ErrMembershipUnavailable, res.Status)
	}
}
