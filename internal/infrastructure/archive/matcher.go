package archive

import "strings"

// Entry is one extracted recording.
type Entry struct {
	Name string
	Path string
	Size int64
}

// Matcher picks the recording belonging to a call out of an ordered entry list.
type Matcher interface {
	Match(callID string, entries []Entry) (Entry, bool)
}

// SubstringMatcher returns the first entry whose file name contains the call
// id. Comparison is case-sensitive. A short id that is a substring of another
// file name will match that file when it sorts first.
type SubstringMatcher struct{}

func (SubstringMatcher) Match(callID string, entries []Entry) (Entry, bool) {
	if callID == "" {
		return Entry{}, false
	}
	for _, e := range entries {
		if strings.Contains(e.Name, callID) {
			return e, true
		}
	}
	return Entry{}, false
}
