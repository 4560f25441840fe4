package channelcache

import "strings"

// Filter hides channels from listings. It never mutates cached entries.
type Filter struct {
	// DenySubstrings hides channels whose name contains any entry, ignoring case.
	DenySubstrings    []string
	HideRules         bool
	HideAnnouncements bool
}

// Apply returns the channels that pass the filter, as a new slice.
func (f Filter) Apply(channels []Channel) []Channel {
	deny := make([]string, 0, len(f.DenySubstrings)+2)
	for _, s := range f.DenySubstrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			deny = append(deny, s)
		}
	}
	if f.HideRules {
		deny = append(deny, "rules")
	}
	if f.HideAnnouncements {
		deny = append(deny, "announcement")
	}

	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if !denied(strings.ToLower(ch.Name), deny) {
			out = append(out, ch)
		}
	}
	return out
}

func denied(name string, deny []string) bool {
	for _, s := range deny {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}
