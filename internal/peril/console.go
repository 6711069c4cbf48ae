package peril

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/glimte/peril-go/health"
	"github.com/glimte/peril-go/internal/gamelogic"
	"github.com/glimte/peril-go/internal/reliability"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
)

const prompt = "> "

// Console serializes output from the input loop and from subscription
// handlers onto one writer. Handler output reprints the prompt.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	title   lipgloss.Style
	prompt  lipgloss.Style
	notice  lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
	usage   lipgloss.Style
}

// NewConsole creates a console writing to out. Colors are dropped when out
// is not a terminal.
func NewConsole(out io.Writer) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		out:     out,
		title:   r.NewStyle().Bold(true).Foreground(primaryColor),
		prompt:  r.NewStyle().Bold(true).Foreground(primaryColor),
		notice:  r.NewStyle().Foreground(secondaryColor),
		warning: r.NewStyle().Foreground(warningColor),
		failure: r.NewStyle().Bold(true).Foreground(errorColor),
		muted:   r.NewStyle().Foreground(mutedColor),
		usage:   r.NewStyle().Bold(true).Width(40),
	}
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, s)
}

// Title prints a heading
func (c *Console) Title(text string) {
	c.write(c.title.Render(text) + "\n")
}

// Prompt prints the input prompt
func (c *Console) Prompt() {
	c.write(c.prompt.Render(prompt))
}

// Printf prints a plain line
func (c *Console) Printf(format string, args ...interface{}) {
	c.write(fmt.Sprintf(format, args...) + "\n")
}

// Error prints a command failure
func (c *Console) Error(err error) {
	c.write(c.failure.Render("error: "+err.Error()) + "\n")
}

// Notify prints asynchronous handler output on its own line and restores
// the prompt
func (c *Console) Notify(format string, args ...interface{}) {
	c.write("\n" + c.notice.Render(fmt.Sprintf(format, args...)) + "\n" + c.prompt.Render(prompt))
}

// Warn is Notify for things that went wrong in a handler
func (c *Console) Warn(format string, args ...interface{}) {
	c.write("\n" + c.warning.Render(fmt.Sprintf(format, args...)) + "\n" + c.prompt.Render(prompt))
}

// Help prints the command list
func (c *Console) Help(entries []HelpEntry) {
	var b strings.Builder
	b.WriteString(c.title.Render("Possible commands:") + "\n")
	for _, e := range entries {
		b.WriteString("  " + c.usage.Render(e.Usage) + c.muted.Render(e.Description) + "\n")
	}
	c.write(b.String())
}

// Status prints a player's units grouped in id order
func (c *Console) Status(player gamelogic.Player, paused bool) {
	var b strings.Builder
	b.WriteString(c.title.Render(fmt.Sprintf("Player %s", player.Username)))
	if paused {
		b.WriteString(" " + c.warning.Render("(paused)"))
	}
	b.WriteString("\n")

	ids := make([]int, 0, len(player.Units))
	for id := range player.Units {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	if len(ids) == 0 {
		b.WriteString(c.muted.Render("  no units") + "\n")
	}
	for _, id := range ids {
		u := player.Units[id]
		fmt.Fprintf(&b, "  * %d: %s in %s\n", u.ID, u.Rank, u.Location)
	}
	c.write(b.String())
}

// GameLog prints an aggregated log entry
func (c *Console) GameLog(entry gamelogic.GameLog) {
	c.Notify("[%s] %s: %s", entry.CurrentTime.Format("15:04:05"), entry.Username, entry.Message)
}

// DeadLetter prints a dead-lettered delivery
func (c *Console) DeadLetter(dl reliability.DeadLetter) {
	c.Warn("dead letter from %s (%s, died %d times, %d bytes)", orUnknown(dl.OriginalQueue), orUnknown(dl.Reason), dl.Count, dl.Size)
}

// Health prints a health report followed by dead letter counts
func (c *Console) Health(h health.OverallHealth, deadLetters map[string]int) {
	var b strings.Builder
	b.WriteString(c.title.Render("Health: ") + c.statusStyle(h.Status).Render(string(h.Status)) + "\n")
	for _, name := range h.Names() {
		check := h.Checks[name]
		line := fmt.Sprintf("  %s: %s", name, c.statusStyle(check.Status).Render(string(check.Status)))
		if check.Message != "" {
			line += " " + c.muted.Render(check.Message)
		}
		if check.Error != "" {
			line += " " + c.failure.Render(check.Error)
		}
		b.WriteString(line + "\n")
	}

	queues := make([]string, 0, len(deadLetters))
	for q := range deadLetters {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	if len(queues) > 0 {
		b.WriteString(c.title.Render("Dead letters:") + "\n")
	}
	for _, q := range queues {
		fmt.Fprintf(&b, "  %s: %d\n", q, deadLetters[q])
	}
	c.write(b.String())
}

func (c *Console) statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return c.notice
	case health.StatusDegraded:
		return c.warning
	default:
		return c.failure
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
