package signals

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderChannel                     = "channel"
	HeaderLiveChannelCondition        = "live-channel-condition"
	HeaderLiveChannelTimeoutStrategy  = "live-channel-timeout-strategy"
	HeaderCorrelationID               = "correlation-id"
	HeaderOriginator                  = "originator"
	HeaderSchemaVersion               = "schema-version"
	HeaderTimeout                     = "timeout"
	HeaderLiveChannelConditionMatched = "live-channel-condition-matched"
	HeaderReadSubjects                = "read-subjects"
	HeaderResponseReceiver            = "response-receiver"
)

// Channel selects who answers a command.
type Channel string

const (
	ChannelTwin Channel = "twin"
	ChannelLive Channel = "live"
)

// TimeoutStrategy decides what a live query resolves to when the live channel
// does not answer in time.
type TimeoutStrategy string

const (
	TimeoutStrategyFail    TimeoutStrategy = "fail"
	TimeoutStrategyUseTwin TimeoutStrategy = "use-twin"
)

func ParseTimeoutStrategy(s string) (TimeoutStrategy, error) {
	switch TimeoutStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case TimeoutStrategyFail:
		return TimeoutStrategyFail, nil
	case TimeoutStrategyUseTwin:
		return TimeoutStrategyUseTwin, nil
	default:
		return "", fmt.Errorf("unknown live channel timeout strategy '%s'", s)
	}
}

// Headers is the header bag of a signal. A Headers value is never modified in
// place once attached to a signal; use With to derive a new one.
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Has(key string) bool {
	_, ok := h[key]
	return ok
}

// With returns a copy of h with key set to value.
func (h Headers) With(key, value string) Headers {
	c := make(Headers, len(h)+1)
	maps.Copy(c, h)
	c[key] = value
	return c
}

// Without returns a copy of h without key.
func (h Headers) Without(key string) Headers {
	c := maps.Clone(h)
	if c == nil {
		return Headers{}
	}
	delete(c, key)
	return c
}

// Merge returns a copy of h overlaid with other.
func (h Headers) Merge(other Headers) Headers {
	c := make(Headers, len(h)+len(other))
	maps.Copy(c, h)
	maps.Copy(c, other)
	return c
}

// Channel defaults to the twin channel.
func (h Headers) Channel() Channel {
	if Channel(strings.ToLower(h[HeaderChannel])) == ChannelLive {
		return ChannelLive
	}
	return ChannelTwin
}

func (h Headers) LiveChannelCondition() (string, bool) {
	cond, ok := h[HeaderLiveChannelCondition]
	if !ok || strings.TrimSpace(cond) == "" {
		return "", false
	}
	return cond, true
}

// TimeoutStrategy returns the strategy carried by the headers, if any.
func (h Headers) TimeoutStrategy() (TimeoutStrategy, bool, error) {
	raw, ok := h[HeaderLiveChannelTimeoutStrategy]
	if !ok {
		return "", false, nil
	}
	s, err := ParseTimeoutStrategy(raw)
	if err != nil {
		return "", true, err
	}
	return s, true, nil
}

func (h Headers) CorrelationID() string {
	return h[HeaderCorrelationID]
}

func (h Headers) Originator() string {
	return h[HeaderOriginator]
}

// Timeout parses the timeout header. A bare integer counts as milliseconds.
func (h Headers) Timeout() (time.Duration, bool, error) {
	raw, ok := h[HeaderTimeout]
	if !ok {
		return 0, false, nil
	}
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, true, fmt.Errorf("negative timeout '%s'", raw)
		}
		return time.Duration(ms) * time.Millisecond, true, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, true, fmt.Errorf("invalid timeout '%s': %w", raw, err)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("negative timeout '%s'", raw)
	}
	return d, true, nil
}

func (h Headers) ConditionMatched() bool {
	matched, _ := strconv.ParseBool(h[HeaderLiveChannelConditionMatched])
	return matched
}

// ReadSubjects decodes the read-subjects header, a JSON array of subject ids.
func (h Headers) ReadSubjects() []string {
	raw, ok := h[HeaderReadSubjects]
	if !ok {
		return nil
	}
	var subjects []string
	if err := json.Unmarshal([]byte(raw), &subjects); err != nil {
		return nil
	}
	return subjects
}

// WithReadSubjects returns a copy of h with the read-subjects header set.
func (h Headers) WithReadSubjects(subjects []string) Headers {
	if subjects == nil {
		subjects = []string{}
	}
	encoded, _ := json.Marshal(subjects)
	return h.With(HeaderReadSubjects, string(encoded))
}

func (h Headers) ResponseReceiver() string {
	return h[HeaderResponseReceiver]
}
