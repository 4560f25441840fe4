package platform

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// CheckContent reports whether content fits an adapter policy. Violations
// are ValidationFailed or MediaUnsupported failures scoped to one account.
func CheckContent(p Platform, policy Policy, content Content) error {
	if policy.RequiresMedia && len(content.Media) == 0 {
		return NewFailure(KindValidationFailed, fmt.Sprintf("%s requires at least one media asset", p))
	}
	if len(content.Media) > policy.MaxMedia {
		if policy.MaxMedia == 0 {
			return NewFailure(KindMediaUnsupported, fmt.Sprintf("%s does not accept media", p))
		}
		return NewFailure(KindValidationFailed, fmt.Sprintf("%s accepts at most %d media assets, got %d", p, policy.MaxMedia, len(content.Media)))
	}
	for _, asset := range content.Media {
		if (asset.IsImage() && !policy.AcceptImages) || (asset.IsVideo() && !policy.AcceptVideos) {
			return NewFailure(KindMediaUnsupported, fmt.Sprintf("%s does not accept %s media (%s)", p, asset.MIMEType, asset.Name))
		}
	}
	if policy.MaxTextRunes > 0 {
		if n := utf8.RuneCountInString(strings.TrimSpace(content.Text)); n > policy.MaxTextRunes {
			return NewFailure(KindValidationFailed, fmt.Sprintf("%s text is %d characters, limit is %d", p, n, policy.MaxTextRunes))
		}
	}
	return nil
}

// FirstLine returns the first non-blank line of text, capped at limit runes.
func FirstLine(text string, limit int) string {
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if limit > 0 && utf8.RuneCountInString(line) > limit {
			runes := []rune(line)
			line = strings.TrimSpace(string(runes[:limit]))
		}
		return line
	}
	return ""
}
