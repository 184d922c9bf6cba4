package extraction

import (
	"fmt"
	"strings"

	"github.com/kalambet/invenrich/internal/search"
)

// FormatSourcesForRetry renders sources as numbered evidence entries:
//
//	{n}. {title}
//	URL: {url}
//	Description: {description}
//
// Missing parts read "(no title)", "(no url)" and "(none)". Entries that are
// neither a search.Source nor a JSON object render as "Source {n}: (unavailable)".
// A nil slice yields an empty one.
func FormatSourcesForRetry(sources []any) []string {
	out := make([]string, 0, len(sources))
	for i, s := range sources {
		n := i + 1
		title, url, desc, ok := sourceParts(s)
		if !ok {
			out = append(out, fmt.Sprintf("Source %d: (unavailable)", n))
			continue
		}
		out = append(out, fmt.Sprintf("%d. %s\nURL: %s\nDescription: %s",
			n, orDefault(title, "(no title)"), orDefault(url, "(no url)"), orDefault(desc, "(none)")))
	}
	return out
}

func sourceParts(s any) (title, url, desc string, ok bool) {
	switch v := s.(type) {
	case search.Source:
		return v.Title, v.URL, v.Description, true
	case *search.Source:
		if v == nil {
			return "", "", "", false
		}
		return v.Title, v.URL, v.Description, true
	case map[string]any:
		str := func(k string) string {
			s, _ := v[k].(string)
			return s
		}
		return str("title"), str("url"), str("description"), true
	default:
		return "", "", "", false
	}
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

func asAny(sources []search.Source) []any {
	out := make([]any, len(sources))
	for i, s := range sources {
		out[i] = s
	}
	return out
}
