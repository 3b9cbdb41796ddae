package dispatch

import "regexp"

// artifactPattern matches file paths with a known document or media
// extension in free text. The extension vocabulary mirrors what workers
// actually produce.
var artifactPattern = regexp.MustCompile(
	`[\w~][\w./~-]*\.(?:pdf|docx?|pptx?|xlsx?|csv|txt|md|json|ya?ml|html?|png|jpe?g|gif|svg|zip|tar\.gz)\b`)

// OutputFiles extracts artifact paths mentioned in result text, in
// order of first mention, without duplicates.
func OutputFiles(text string) []string {
	matches := artifactPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
