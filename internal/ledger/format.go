package ledger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"clavix/internal/domain"
)

const (
	pendingMarker = "- [ ] "
	doneMarker    = "- [x] "
	blockedOpen   = "[BLOCKED: "
	idPrefix      = "  Task ID: "
)

var (
	// Anything that looks like a list checkbox is a task candidate and must
	// match the exact grammar; plain links such as "- [docs](x)" are not.
	checkboxLike  = regexp.MustCompile(`^\s*[-*+]\s*\[.?\]`)
	idLineLike    = regexp.MustCompile(`^\s*Task ID:`)
	taskIDPattern = regexp.MustCompile(`^phase-([0-9]+)-[a-z0-9]+(?:-[a-z0-9]+)*-([0-9]+)$`)
	phaseHeading  = regexp.MustCompile(`^##\s+(Phase\s+([0-9]+):.*)$`)
)

// headingOf returns the text of a "## Phase <n>: <name>" heading line.
func headingOf(line string) (string, bool) {
	m := phaseHeading.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ValidTaskID reports whether id follows phase-<n>-<slug>-<n>.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

// entry is one rendered unit of the document: an opaque line kept verbatim,
// or a task occupying its checkbox line and its Task ID line.
type entry struct {
	text string
	task *domain.Task
	// CR endings of the checkbox and Task ID lines, kept for CRLF documents.
	crTask, crID bool
}

// TaskList is a parsed ledger. It keeps every non-task line as written so
// that rendering an unmodified list reproduces the input byte for byte.
type TaskList struct {
	entries         []entry
	byID            map[string]*domain.Task
	trailingNewline bool
}

// NewTaskList starts an empty ledger document with a title heading.
func NewTaskList(title string) *TaskList {
	tl := &TaskList{byID: map[string]*domain.Task{}, trailingNewline: true}
	if strings.TrimSpace(title) != "" {
		tl.entries = append(tl.entries, entry{text: "# " + strings.TrimSpace(title)})
	}
	return tl
}

// Parse reads a ledger document. It never drops content: any line it cannot
// place fails the whole parse with a *MalformedError.
func Parse(data []byte) (*TaskList, error) {
	tl := &TaskList{byID: map[string]*domain.Task{}}
	text := string(data)
	if text == "" {
		return tl, nil
	}
	if strings.HasSuffix(text, "\n") {
		tl.trailingNewline = true
		text = text[:len(text)-1]
	}
	lines := strings.Split(text, "\n")
	phase := ""
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if h, ok := headingOf(line); ok {
			phase = h
			tl.entries = append(tl.entries, entry{text: line})
			continue
		}
		if idLineLike.MatchString(line) {
			return nil, &MalformedError{Line: i + 1, Reason: "Task ID line without a task"}
		}
		if !checkboxLike.MatchString(line) {
			tl.entries = append(tl.entries, entry{text: line})
			continue
		}
		line, crTask := strings.CutSuffix(line, "\r")
		task, err := parseCheckbox(line)
		if err != nil {
			return nil, &MalformedError{Line: i + 1, Reason: err.Error()}
		}
		if i+1 >= len(lines) {
			return nil, &MalformedError{Line: i + 1, Reason: "task has no Task ID line"}
		}
		idLine, crID := strings.CutSuffix(lines[i+1], "\r")
		id, err := parseIDLine(idLine)
		if err != nil {
			return nil, &MalformedError{Line: i + 2, Reason: err.Error()}
		}
		if _, dup := tl.byID[id]; dup {
			return nil, &MalformedError{Line: i + 2, Reason: fmt.Sprintf("duplicate task id %s", id)}
		}
		task.ID = id
		task.Phase = phase
		tl.byID[id] = task
		tl.entries = append(tl.entries, entry{task: task, crTask: crTask, crID: crID})
		i++
	}
	return tl, nil
}

func parseCheckbox(line string) (*domain.Task, error) {
	var t domain.Task
	var rest string
	switch {
	case strings.HasPrefix(line, pendingMarker):
		t.Status = domain.TaskPending
		rest = line[len(pendingMarker):]
	case strings.HasPrefix(line, doneMarker):
		t.Status = domain.TaskDone
		rest = line[len(doneMarker):]
	default:
		return nil, fmt.Errorf("ambiguous checkbox marker %q", strings.TrimSpace(line))
	}
	if strings.HasPrefix(rest, blockedOpen) {
		if t.Status == domain.TaskDone {
			return nil, fmt.Errorf("completed task cannot be blocked")
		}
		body := rest[len(blockedOpen):]
		end := strings.IndexByte(body, ']')
		if end < 0 || end+1 >= len(body) || body[end+1] != ' ' {
			return nil, fmt.Errorf("unterminated BLOCKED marker")
		}
		t.BlockReason = body[:end]
		if strings.TrimSpace(t.BlockReason) == "" {
			return nil, fmt.Errorf("blocked task has empty reason")
		}
		t.Status = domain.TaskBlocked
		rest = body[end+2:]
	}
	if strings.TrimSpace(rest) == "" {
		return nil, fmt.Errorf("task has empty description")
	}
	t.Description = rest
	return &t, nil
}

func parseIDLine(line string) (string, error) {
	if !strings.HasPrefix(line, idPrefix) {
		return "", fmt.Errorf("task has no Task ID line")
	}
	id := line[len(idPrefix):]
	if !ValidTaskID(id) {
		return "", fmt.Errorf("invalid task id %q", id)
	}
	return id, nil
}

// Render serializes the list. The output depends only on the list contents.
func (tl *TaskList) Render() []byte {
	var b strings.Builder
	for i, e := range tl.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		if e.task == nil {
			b.WriteString(e.text)
			continue
		}
		writeTask(&b, *e.task, e.crTask, e.crID)
	}
	if tl.trailingNewline {
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func writeTask(b *strings.Builder, t domain.Task, crTask, crID bool) {
	switch t.Status {
	case domain.TaskDone:
		b.WriteString(doneMarker)
	case domain.TaskBlocked:
		b.WriteString(pendingMarker)
		b.WriteString(blockedOpen)
		b.WriteString(t.BlockReason)
		b.WriteString("] ")
	default:
		b.WriteString(pendingMarker)
	}
	b.WriteString(t.Description)
	if crTask {
		b.WriteByte('\r')
	}
	b.WriteByte('\n')
	b.WriteString(idPrefix)
	b.WriteString(t.ID)
	if crID {
		b.WriteByte('\r')
	}
}

// Tasks returns the tasks in document order.
func (tl *TaskList) Tasks() []domain.Task {
	var out []domain.Task
	for _, e := range tl.entries {
		if e.task == nil {
			continue
		}
		t := *e.task
		t.Order = len(out)
		out = append(out, t)
	}
	return out
}

// Task looks up a task by id.
func (tl *TaskList) Task(id string) (domain.Task, bool) {
	for _, t := range tl.Tasks() {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

// Len is the number of tasks.
func (tl *TaskList) Len() int { return len(tl.byID) }

// Counts tallies tasks by status.
func (tl *TaskList) Counts() domain.TaskCounts {
	var c domain.TaskCounts
	for _, e := range tl.entries {
		if e.task == nil {
			continue
		}
		c.Total++
		switch e.task.Status {
		case domain.TaskDone:
			c.Done++
		case domain.TaskBlocked:
			c.Blocked++
		default:
			c.Pending++
		}
	}
	return c
}

// Current returns the first task that is not done.
func (tl *TaskList) Current() (domain.Task, bool) {
	for _, t := range tl.Tasks() {
		if t.Status != domain.TaskDone {
			return t, true
		}
	}
	return domain.Task{}, false
}

// SetStatus changes one task's status. The block reason is kept only for
// blocked tasks.
func (tl *TaskList) SetStatus(id string, status domain.TaskStatus, reason string) error {
	t, ok := tl.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if status == domain.TaskBlocked {
		if err := ValidateReason(reason); err != nil {
			return err
		}
		t.BlockReason = reason
	} else {
		t.BlockReason = ""
	}
	t.Status = status
	return nil
}

// ValidateReason checks that a block reason fits on the checkbox line.
func ValidateReason(reason string) error {
	switch {
	case strings.TrimSpace(reason) == "":
		return fmt.Errorf("%w: reason is empty", ErrInvalidReason)
	case strings.ContainsAny(reason, "\r\n"):
		return fmt.Errorf("%w: reason must be a single line", ErrInvalidReason)
	case strings.Contains(reason, "]"):
		return fmt.Errorf("%w: reason must not contain ']'", ErrInvalidReason)
	}
	return nil
}

// Phases returns the phase headings in document order.
func (tl *TaskList) Phases() []string {
	var out []string
	for _, e := range tl.entries {
		if e.task != nil {
			continue
		}
		if h, ok := headingOf(e.text); ok {
			out = append(out, h)
		}
	}
	return out
}

// Append adds a pending task at the end of its phase. phase may be a full
// heading ("Phase 2: API"), a phase name ("API") or empty for the last phase.
// Unknown phases are created at the end of the document with the next number.
func (tl *TaskList) Append(phase, description string) (domain.Task, error) {
	if strings.TrimSpace(description) == "" {
		return domain.Task{}, fmt.Errorf("%w: description is required", ErrInvalidTask)
	}
	if strings.ContainsAny(description, "\r\n") {
		return domain.Task{}, fmt.Errorf("%w: description must be a single line", ErrInvalidTask)
	}
	if checkboxLike.MatchString(description) || strings.HasPrefix(description, blockedOpen) {
		return domain.Task{}, fmt.Errorf("%w: description must not start with a checkbox or BLOCKED marker", ErrInvalidTask)
	}
	if strings.ContainsAny(phase, "\r\n") {
		return domain.Task{}, fmt.Errorf("%w: phase must be a single line", ErrInvalidTask)
	}
	heading, number, name, isNew := tl.resolvePhase(phase)
	if isNew {
		// The new heading must read back as the same phase.
		if h, ok := headingOf("## " + heading); !ok || h != heading {
			return domain.Task{}, fmt.Errorf("%w: phase %q does not form a heading", ErrInvalidTask, phase)
		}
		if n, nm := splitHeading(heading); n != number || nm != name {
			return domain.Task{}, fmt.Errorf("%w: phase %q does not form a heading", ErrInvalidTask, phase)
		}
	}
	id := tl.nextID(heading, number, name)
	if !ValidTaskID(id) {
		return domain.Task{}, fmt.Errorf("%w: phase %q yields no usable task id", ErrInvalidTask, phase)
	}
	task := &domain.Task{
		ID:          id,
		Description: description,
		Status:      domain.TaskPending,
		Phase:       heading,
	}
	if isNew {
		if n := len(tl.entries); n > 0 && !(tl.entries[n-1].task == nil && tl.entries[n-1].text == "") {
			tl.entries = append(tl.entries, entry{text: ""})
		}
		tl.entries = append(tl.entries, entry{text: "## " + heading}, entry{task: task})
	} else {
		tl.insertAfter(tl.lastIndexOfPhase(heading), entry{task: task})
	}
	tl.byID[task.ID] = task
	tl.trailingNewline = true
	out, _ := tl.Task(task.ID)
	return out, nil
}

func (tl *TaskList) resolvePhase(phase string) (heading string, number int, name string, isNew bool) {
	phase = strings.TrimSpace(phase)
	phases := tl.Phases()
	if phase == "" {
		if len(phases) == 0 {
			return "Phase 1: Implementation", 1, "Implementation", true
		}
		phase = phases[len(phases)-1]
	}
	maxNumber := 0
	for _, h := range phases {
		n, nm := splitHeading(h)
		if n > maxNumber {
			maxNumber = n
		}
		if strings.EqualFold(h, phase) || strings.EqualFold(nm, phase) {
			return h, n, nm, false
		}
	}
	if n, nm := splitHeading(phase); n > 0 && nm != "" {
		return fmt.Sprintf("Phase %d: %s", n, nm), n, nm, true
	}
	number = maxNumber + 1
	return fmt.Sprintf("Phase %d: %s", number, phase), number, phase, true
}

// splitHeading turns "Phase 2: API Layer" into (2, "API Layer").
func splitHeading(h string) (int, string) {
	m := phaseHeading.FindStringSubmatch("## " + h)
	if m == nil {
		return 0, ""
	}
	n, _ := strconv.Atoi(m[2])
	_, after, _ := strings.Cut(m[1], ":")
	return n, strings.TrimSpace(after)
}

func (tl *TaskList) nextID(heading string, number int, name string) string {
	slug := slugify(name)
	k := 1
	for _, t := range tl.Tasks() {
		if t.Phase == heading {
			k++
		}
	}
	for {
		id := fmt.Sprintf("phase-%d-%s-%d", number, slug, k)
		if _, taken := tl.byID[id]; !taken {
			return id
		}
		k++
	}
}

// lastIndexOfPhase returns the entry index after which a new task of the
// phase goes: its last task and that task's indented notes, or its heading
// when it has no tasks yet.
func (tl *TaskList) lastIndexOfPhase(heading string) int {
	idx := -1
	isTask := false
	for i, e := range tl.entries {
		switch {
		case e.task != nil && e.task.Phase == heading:
			idx, isTask = i, true
		case e.task == nil && idx < 0:
			if h, ok := headingOf(e.text); ok && h == heading {
				idx = i
			}
		}
	}
	if !isTask {
		return idx
	}
	for idx+1 < len(tl.entries) {
		next := tl.entries[idx+1]
		if next.task != nil || strings.TrimSpace(next.text) == "" || !strings.HasPrefix(next.text, " ") && !strings.HasPrefix(next.text, "\t") {
			break
		}
		idx++
	}
	return idx
}

func (tl *TaskList) insertAfter(idx int, e entry) {
	tl.entries = append(tl.entries, entry{})
	copy(tl.entries[idx+2:], tl.entries[idx+1:])
	tl.entries[idx+1] = e
}

const maxSlugLen = 40

// slugify lowercases s and keeps [a-z0-9] runs joined by single hyphens.
func slugify(s string) string {
	var b strings.Builder
	prevHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevHyphen = false
		case !prevHyphen:
			b.WriteByte('-')
			prevHyphen = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "tasks"
	}
	return slug
}
