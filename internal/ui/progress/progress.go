// Package progress displays the training progress in the terminal: a single updating status
// line while training, and a styled summary at the end.
package progress

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"io"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"
)

// SafeInterrupt will capture SigInt (Ctrl+C) and SigTerm and call the provided onInterrupt.
// If the program haven't exited after gracePeriod, it will call Reset to reset the terminal
// and exit.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}

		// Wait for gracePeriod before exiting.
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n") // Restore cursor and colors.
}

// Line is a status line rewritten in place. Updates are rate limited to Period.
type Line struct {
	w      io.Writer
	Period time.Duration

	mu         sync.Mutex
	lastUpdate time.Time
	lastText   string
}

// NewLine creates a status line writing to w.
func NewLine(w io.Writer) *Line {
	return &Line{w: w, Period: 200 * time.Millisecond}
}

// Update the line with the given text. It is a no-op if the previous update was less than
// Period ago, unless force is true.
func (l *Line) Update(text string, force bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastText = text
	if !force && time.Since(l.lastUpdate) < l.Period {
		return
	}
	l.lastUpdate = time.Now()
	_, _ = fmt.Fprintf(l.w, "\r%s\x1b[0K", text)
}

// Done prints the last text and moves to the next line.
func (l *Line) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastText == "" {
		return
	}
	_, _ = fmt.Fprintf(l.w, "\r%s\x1b[0K\n", l.lastText)
	l.lastText = ""
}

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

// Row of a summary table.
type Row struct {
	Key, Value string
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 2)
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).PaddingRight(2)
	valueStyle = lipgloss.NewStyle().Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("13")).
			Padding(0, 1)
)

// Summary renders a titled box with the key/value rows aligned.
func Summary(title string, rows []Row) string {
	keys := make([]string, len(rows))
	values := make([]string, len(rows))
	for ii, row := range rows {
		keys[ii] = keyStyle.Render(row.Key)
		values[ii] = valueStyle.Render(row.Value)
	}
	table := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.JoinVertical(lipgloss.Left, keys...),
		lipgloss.JoinVertical(lipgloss.Left, values...))
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Center, titleStyle.Render(title), "", table))
}

// PrintCentered prints the block of text centered in the terminal, if stdout is a terminal.
func PrintCentered(block string) {
	lines := strings.Split(block, "\n")
	terminalWidth := 0
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		terminalWidth, _, _ = term.GetSize(fd)
	}
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := max((terminalWidth-blockWidth)/2, 0)
	for _, line := range lines {
		if len(line) == 0 {
			fmt.Println()
			continue
		}
		fmt.Printf("%s%s\n", strings.Repeat(" ", indent), line)
	}
}
