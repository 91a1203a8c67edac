package workspace

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"studiodesk/api/internal/store"
)

// AttachmentMarker prefixes the comments synthesized for attachments added
// together with a new task.
const AttachmentMarker = "📎 Attachment: "

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// ExtractURLs returns the distinct URL-like substrings of text, sorted.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	urls := make([]string, 0, len(matches))
	for _, match := range matches {
		match = strings.TrimRight(match, ".,;:!?)]}")
		if _, ok := seen[match]; ok {
			continue
		}
		seen[match] = struct{}{}
		urls = append(urls, match)
	}
	sort.Strings(urls)
	return urls
}

// removeURL cuts every occurrence of url out of text. Longer URLs that merely
// start with url are kept. Spacing left behind is collapsed.
func removeURL(text, url string) string {
	var b strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		match := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?)]}")
		if match != url {
			continue
		}
		b.WriteString(text[last:loc[0]])
		last = loc[0] + len(match)
	}
	b.WriteString(text[last:])

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// deriveAttachments is the only way Task.Attachments is ever set: the
// distinct URLs found across all comment text, independent of comment order.
func deriveAttachments(comments []store.Comment) []string {
	var b strings.Builder
	for _, comment := range comments {
		b.WriteString(comment.Text)
		b.WriteByte('\n')
	}
	return ExtractURLs(b.String())
}

// withComments returns a copy of task carrying comments, with attachments
// re-derived.
func withComments(task store.Task, comments []store.Comment) store.Task {
	task.Comments = comments
	task.Attachments = deriveAttachments(comments)
	return task
}

// joinTasks builds the task views from the three related tables.
func joinTasks(tasks []store.Task, subtasks []store.Subtask, comments []store.Comment) []store.Task {
	subtasksByTask := make(map[string][]store.Subtask)
	for _, item := range subtasks {
		subtasksByTask[item.TaskID] = append(subtasksByTask[item.TaskID], item)
	}
	commentsByTask := make(map[string][]store.Comment)
	for _, item := range comments {
		commentsByTask[item.TaskID] = append(commentsByTask[item.TaskID], item)
	}

	joined := make([]store.Task, 0, len(tasks))
	for _, task := range tasks {
		task.Subtasks = subtasksByTask[task.ID]
		joined = append(joined, withComments(task, commentsByTask[task.ID]))
	}
	return joined
}

func attachmentName(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	name := path.Base(trimmed)
	if name == "." || name == "/" || name == "" || strings.HasSuffix(trimmed, ":") {
		return url
	}
	return name
}
