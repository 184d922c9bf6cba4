package extraction

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Verdict is the normalized supervisor answer.
type Verdict struct {
	Pass    bool
	Reason  string
	Queries []string
	Raw     string
}

const quoteChars = " \t\r\n\"'`“”‘’«»*_."

// NormalizeVerdict reads a supervisor reply. PASS is recognised regardless of
// case, surrounding quotes, backticks or markdown emphasis, with or without a
// trailing reason ("PASS: all fields sourced"), and inside a JSON object
// ({"verdict": "PASS"}). Anything else is a failure. Lines starting with
// "QUERY:" are collected as follow-up search queries.
func NormalizeVerdict(raw string) Verdict {
	text := strings.TrimSpace(raw)
	v := Verdict{Raw: text}

	if obj, ok := decodeVerdictObject(text); ok {
		text = obj.verdict
		v.Reason = obj.reason
		v.Queries = obj.queries
	}

	lines := strings.Split(text, "\n")
	first := ""
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			first = l
			break
		}
	}
	for _, l := range lines {
		if q, ok := queryLine(l); ok {
			v.Queries = append(v.Queries, q)
		}
	}

	word, rest := leadingWord(strings.Trim(first, quoteChars))
	for isLabel(word) {
		word, rest = leadingWord(strings.Trim(rest, quoteChars+":-"))
	}
	v.Pass = strings.EqualFold(word, "PASS")
	if v.Reason == "" {
		v.Reason = strings.Trim(rest, quoteChars+":-–—")
	}
	return v
}

func isLabel(word string) bool {
	switch strings.ToLower(word) {
	case "verdict", "answer", "result", "decision":
		return true
	}
	return false
}

func leadingWord(s string) (word, rest string) {
	i := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

func queryLine(line string) (string, bool) {
	l := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
	if len(l) < 6 || !strings.EqualFold(l[:6], "query:") {
		return "", false
	}
	q := strings.Trim(l[6:], quoteChars)
	return q, q != ""
}

type verdictObject struct {
	verdict string
	reason  string
	queries []string
}

func decodeVerdictObject(text string) (verdictObject, bool) {
	if !strings.HasPrefix(text, "{") {
		return verdictObject{}, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return verdictObject{}, false
	}
	var obj verdictObject
	for _, k := range []string{"verdict", "result", "decision", "status"} {
		if s, ok := m[k].(string); ok {
			obj.verdict = s
			break
		}
	}
	for _, k := range []string{"reason", "notes", "explanation", "feedback"} {
		if s, ok := m[k].(string); ok {
			obj.reason = strings.TrimSpace(s)
			break
		}
	}
	if qs, ok := m["queries"].([]any); ok {
		for _, q := range qs {
			if s, ok := q.(string); ok && strings.TrimSpace(s) != "" {
				obj.queries = append(obj.queries, strings.TrimSpace(s))
			}
		}
	}
	return obj, true
}
