package protocol

// Source identifies one of the two independent audio origins tracked
// throughout a recording.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceSystem     Source = "system"
)

// Sources lists every channel a recording captures, in publication order.
var Sources = []Source{SourceMicrophone, SourceSystem}

func (s Source) Valid() bool {
	return s == SourceMicrophone || s == SourceSystem
}

// DefaultSubjectPrefix is prepended to event contract channel names when the
// NATS bridge republishes broadcaster events for external consumers.
const DefaultSubjectPrefix = "notes"

func Subject(prefix, channel string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + channel
}
