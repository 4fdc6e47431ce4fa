package realtime

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type participantRule struct {
	maxLen  int
	pattern *regexp.Regexp
}

// Battle usernames follow the account rules of the backend; chat participants
// end up in server-side group names which only allow a narrower set.
var participantRules = map[ChannelKind]participantRule{
	ChannelBattle: {maxLen: 150, pattern: regexp.MustCompile(`^[A-Za-z0-9_.@+-]+$`)},
	ChannelChat:   {maxLen: 64, pattern: regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)},
}

// ValidateParticipant checks a participant identity for the given channel kind
func ValidateParticipant(kind ChannelKind, participant string) error {
	rule, ok := participantRules[kind]
	if !ok {
		return fmt.Errorf("%w: unknown channel kind %q", ErrInvalidParticipant, kind)
	}
	if participant == "" {
		return fmt.Errorf("%w: empty", ErrInvalidParticipant)
	}
	if len(participant) > rule.maxLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidParticipant, rule.maxLen)
	}
	if !rule.pattern.MatchString(participant) {
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidParticipant, participant)
	}
	return nil
}

// WebSocketBase converts the REST base URL into the websocket base URL.
func WebSocketBase(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidBaseURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidBaseURL)
	}
	return u, nil
}

// BuildURL returns the channel scoped endpoint, e.g.
// ws://host/ws/battle/b1/?username=alice
func BuildURL(wsBase *url.URL, kind ChannelKind, channelID, participant string) string {
	u := *wsBase
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + string(kind) + "/" + url.PathEscape(channelID) + "/"
	u.RawPath = ""
	q := url.Values{}
	q.Set("username", participant)
	u.RawQuery = q.Encode()
	return u.String()
}
