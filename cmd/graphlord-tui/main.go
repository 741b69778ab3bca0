package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/graphlord/pkg/client"
)

// Config
const (
	pollRate       = 2 * time.Second
	fetchTimeout   = time.Second
	maxRuns        = 10
	viewportHeight = 16
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	// Layout styles
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	// Run styles
	runTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(20)
	ruleStyle     = lipgloss.NewStyle().Width(45).Bold(true)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)

	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // Red
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // Green
	conceptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // Blue
)

// fetcher is the part of the client the viewer reads from.
type fetcher interface {
	GraphStats(ctx context.Context) (client.GraphStats, error)
	Runs(ctx context.Context, limit int) ([]client.Run, error)
	Run(ctx context.Context, id string) (*client.Run, error)
}

type tickMsg time.Time

type dataMsg struct {
	stats     client.GraphStats
	runs      []client.Run
	run       *client.Run
	noHistory bool
	err       error
}

type model struct {
	api       fetcher
	spinner   spinner.Model
	viewport  viewport.Model
	stats     client.GraphStats
	runs      []client.Run
	run       *client.Run
	selected  int
	noHistory bool
	err       error
	ready     bool
}

func initialModel(api fetcher) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		api:      api,
		spinner:  s,
		viewport: newViewport(100),
	}
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.api, ""),
		tick(),
	)
}

func (m model) selectedID() string {
	if m.selected < len(m.runs) {
		return m.runs[m.selected].ID
	}
	return ""
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "n", "right":
			if m.selected+1 < len(m.runs) {
				m.selected++
				return m, fetchData(m.api, m.selectedID())
			}
			return m, nil
		case "p", "left":
			if m.selected > 0 {
				m.selected--
				return m, fetchData(m.api, m.selectedID())
			}
			return m, nil
		}
		// Pass remaining keys to the viewport for scrolling
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.api, m.selectedID()), tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.stats = msg.stats
			m.runs = msg.runs
			m.run = msg.run
			m.noHistory = msg.noHistory
			m.selected = 0
			for i, r := range m.runs {
				if m.run != nil && r.ID == m.run.ID {
					m.selected = i
				}
			}
			m.updateViewportContent()
		}
		m.ready = true

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
	}

	return m, tea.Batch(cmds...)
}

func (m *model) updateViewportContent() {
	var sb strings.Builder

	if m.run == nil {
		m.viewport.SetContent(subtleStyle.Render("No analysis runs yet."))
		return
	}

	for _, r := range m.run.Results {
		var status string
		switch {
		case r.Status == "FAILURE":
			status = failStyle.Render(r.Status)
		case r.Kind == "concept":
			status = conceptStyle.Render(r.Status)
		default:
			status = passStyle.Render(r.Status)
		}
		fmt.Fprintf(&sb, "%s %s %s\n", ruleStyle.Render(r.Rule), status, subtleStyle.Render(r.Severity))
		if r.Error != "" {
			fmt.Fprintf(&sb, "    %s\n", errorStyle.Render(r.Error))
			continue
		}
		if r.Kind != "constraint" || r.Status != "FAILURE" {
			continue
		}
		for _, v := range violations(r) {
			fmt.Fprintf(&sb, "    • %s\n", v)
		}
	}

	m.viewport.SetContent(sb.String())
}

// violations renders every row of a stored constraint result on one line.
func violations(r client.StoredResult) []string {
	res := client.QueryResult{Columns: r.Columns}
	if len(r.Rows) > 0 {
		if err := json.Unmarshal(r.Rows, &res.Rows); err != nil {
			return []string{err.Error()}
		}
	}
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = res.Columns[i] + "=" + renderValue(v)
		}
		out = append(out, strings.Join(cells, " "))
	}
	return out
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Initializing...", m.spinner.View())
	}

	// Top Pane: graph summary and run list
	var top strings.Builder
	top.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Graph") + "\n")
	fmt.Fprintf(&top, "%d nodes • %d relationships • version %d\n", m.stats.Nodes, m.stats.Relationships, m.stats.Version)
	labels := make([]string, 0, len(m.stats.Labels))
	for l, n := range m.stats.Labels {
		labels = append(labels, fmt.Sprintf("%s:%d", l, n))
	}
	sort.Strings(labels)
	top.WriteString(subtleStyle.Render(strings.Join(labels, " ")) + "\n\n")

	top.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Recent Runs") + "\n")
	switch {
	case m.noHistory:
		top.WriteString(subtleStyle.Render("Run history is not configured on the daemon."))
	case len(m.runs) == 0:
		top.WriteString(subtleStyle.Render("No analysis runs yet."))
	default:
		for i, r := range m.runs {
			verdict := passStyle.Render("PASSED")
			if !r.Passed {
				verdict = failStyle.Render("FAILED")
			}
			marker := "  "
			id := r.ID
			if i == m.selected {
				marker = "> "
				id = selectedStyle.Render(id)
			}
			fmt.Fprintf(&top, "%s%s %s %s\n", marker, runTimeStyle.Render(r.StartedAt.Format("2006-01-02 15:04:05")), verdict, id)
		}
	}
	topPane := paneStyle.Render(top.String())

	// Bottom Pane: results of the selected run
	title := "Results"
	if m.run != nil {
		title = fmt.Sprintf("Results of %s (threshold %s)", m.run.ID, m.run.Threshold)
	}
	header := headerStyle.Render(fmt.Sprintf("%s %s", m.spinner.View(), title))
	bottomPane := m.viewport.View()

	// Status Footer
	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Runs", len(m.runs)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nn/p select run • ↑/↓ scroll • q quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, bottomPane, footer)
}

// Commands

// fetchData loads the graph summary, the recent runs and the results of
// run id, or of the newest run when id is empty.
func fetchData(api fetcher, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		stats, err := api.GraphStats(ctx)
		if err != nil {
			return dataMsg{err: err}
		}

		runs, err := api.Runs(ctx, maxRuns)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return dataMsg{stats: stats, noHistory: true}
		}
		if err != nil {
			return dataMsg{err: err}
		}
		if len(runs) == 0 {
			return dataMsg{stats: stats}
		}

		if id == "" {
			id = runs[0].ID
		}
		run, err := api.Run(ctx, id)
		if client.IsNotFound(err) {
			// pruned since the last poll
			run, err = api.Run(ctx, runs[0].ID)
		}
		if err != nil {
			return dataMsg{err: err}
		}

		return dataMsg{stats: stats, runs: runs, run: run}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	endpoint := flag.String("endpoint", envOrDefault("GRAPHLORD_ENDPOINT", "http://127.0.0.1:8090"), "daemon URL")
	flag.Parse()

	p := tea.NewProgram(initialModel(client.NewClient(*endpoint)), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
