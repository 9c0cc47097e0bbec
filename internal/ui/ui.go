package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/ecoscan/internal/footprint"
	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

// Source is the part of the pipeline the dashboard talks to.
type Source interface {
	Views() <-chan model.Snapshot
	Refresh()
	Terminate(ctx context.Context, pid int32) error
}

// Model renders snapshots published by the pipeline.
type Model struct {
	src       Source
	topN      int
	latest    model.Snapshot
	selected  int
	showStale bool
	status    string
	width     int
	height    int
}

func New(src Source, topN int) *Model {
	return &Model{
		src:    src,
		topN:   topN,
		width:  120,
		height: 40,
	}
}

// Messages
type (
	tickMsg   struct{}
	killedMsg struct {
		pid  int32
		name string
		err  error
	}
)

func tickCmd() tea.Cmd { return tea.Tick(time.Second/5, func(time.Time) tea.Msg { return tickMsg{} }) }

func (m *Model) Init() tea.Cmd { return tickCmd() }

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.visible())-1 {
				m.selected++
			}
		case "r":
			m.src.Refresh()
			m.status = "refresh requested"
		case "s":
			m.showStale = !m.showStale
		case "k":
			return m, m.killSelected()
		}
	case killedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("kill %s (%d): %v", msg.name, msg.pid, msg.err)
		} else {
			m.status = fmt.Sprintf("sent SIGTERM to %s (%d)", msg.name, msg.pid)
		}
	case tickMsg:
		select {
		case snap, ok := <-m.src.Views():
			if ok {
				m.latest = snap
				if n := len(m.visible()); m.selected >= n {
					m.selected = max(0, n-1)
				}
			}
		default:
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m *Model) visible() []model.Row { return m.latest.Top(m.topN) }

func (m *Model) killSelected() tea.Cmd {
	rows := m.visible()
	if m.selected >= len(rows) {
		return nil
	}
	row := rows[m.selected]
	m.status = fmt.Sprintf("terminating %s (%d)...", row.Name, row.PID)
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return killedMsg{pid: row.PID, name: row.Name, err: m.src.Terminate(ctx, row.PID)}
	}
}

// Styles
var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	subtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	gaugeFill     = "█"
	gaugeEmpty    = "░"
	sparkRunes    = []rune("▁▂▃▄▅▆▇█")
	ratingColors  = [footprint.MaxSustainRating + 1]lipgloss.Color{"203", "221", "78"}
	cardStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("60")).
			Padding(0, 1).
			MarginRight(1)
)

func (m *Model) View() string {
	s := m.latest
	header := titleStyle.Render("ecoscan") + "  " +
		subtleStyle.Render(s.TakenAt.Format("Mon Jan 2 15:04:05 MST 2006"))
	if s.TakenAt.IsZero() {
		header = titleStyle.Render("ecoscan") + "  " + subtleStyle.Render("waiting for the first pass...")
	}

	var carbon, spend float64
	for _, r := range s.Rows {
		carbon += r.CarbonFootprintKg
		spend += r.LicenseCostUSD
	}
	totals := card("Totals",
		fmt.Sprintf("processes %d\ncarbon    %.5f kg CO2\nlicenses  $%.2f",
			len(s.Rows), carbon, spend))

	ratings := card("Ratings (this hour)", renderRatings(s.Hourly))

	memSeries := make([]float64, len(s.Hourly))
	carbonSeries := make([]float64, len(s.Hourly))
	for i, h := range s.Hourly {
		memSeries[i] = h.AvgMemoryMB
		carbonSeries[i] = h.TotalCarbonKg
	}
	const sparkWidth = 48
	memCard := card("Hourly avg memory (MB)", sparkline(memSeries, sparkWidth)+"\n"+lastValue(memSeries, "%.1f MB"))
	carbonCard := card("Hourly carbon (kg CO2)", sparkline(carbonSeries, sparkWidth)+"\n"+lastValue(carbonSeries, "%.5f kg"))

	line1 := lipgloss.JoinHorizontal(lipgloss.Top, totals, ratings, memCard, carbonCard)

	var line2 string
	if m.showStale {
		line2 = card("Unused licenses", renderStale(s.Stale))
	} else {
		line2 = card(fmt.Sprintf("Top %d by memory", m.topN), renderTable(m.visible(), m.selected))
	}

	help := subtleStyle.Render("↑/↓ select  k kill  r refresh  s stale licenses  q quit")
	footer := help
	if m.status != "" {
		footer = labelStyle.Render(m.status) + "  " + help
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, line1, line2, footer)
}

// Helpers
func gaugeBar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int((pct / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat(gaugeFill, filled),
		strings.Repeat(gaugeEmpty, width-filled),
		pct)
}

func card(title, body string) string {
	titleStr := labelStyle.Render(title)
	content := titleStr + "\n" + body
	return cardStyle.Render(content)
}

func renderRatings(hourly []model.HourlyRollup) string {
	if len(hourly) == 0 {
		return subtleStyle.Render("no data")
	}
	counts := hourly[len(hourly)-1].RatingCounts
	total := 0
	for _, c := range counts {
		total += c
	}
	lines := make([]string, 0, len(counts))
	for r := len(counts) - 1; r >= 0; r-- {
		pct := 0.0
		if total > 0 {
			pct = float64(counts[r]) * 100 / float64(total)
		}
		bar := lipgloss.NewStyle().Foreground(ratingColors[r]).Render(gaugeBar(pct, 16))
		lines = append(lines, fmt.Sprintf("%d %s %4d", r, bar, counts[r]))
	}
	return strings.Join(lines, "\n")
}

func renderTable(rows []model.Row, selected int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-22s %-7s %-10s %9s %6s %4s %9s %9s %10s %8s %s\n",
		"name", "pid", "user", "mem MB", "cpu%", "thr", "disk r", "disk w", "kg CO2", "license", "rating")
	for i, r := range rows {
		line := fmt.Sprintf("%-22s %-7d %-10s %9.1f %6.2f %4d %9s %9s %10.6f %8.2f %s",
			truncate(r.Name, 22), r.PID, truncate(r.Username, 10), r.AvgMemoryMB, r.AvgCPUPercent,
			r.NumThreads, humanBytes(r.DiskReadBytes), humanBytes(r.DiskWriteBytes),
			r.CarbonFootprintKg, r.LicenseCostUSD, ratingStars(r.SustainabilityRating))
		if i == selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(rows) == 0 {
		b.WriteString(subtleStyle.Render("no processes yet"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderStale(stale []model.StaleLicense) string {
	if len(stale) == 0 {
		return subtleStyle.Render("every licensed process was seen recently")
	}
	var b strings.Builder
	var total float64
	fmt.Fprintf(&b, "%-22s %10s  %s\n", "name", "cost", "last seen")
	for _, s := range stale {
		total += s.LicenseCostUSD
		fmt.Fprintf(&b, "%-22s %10.2f  %s\n", truncate(s.Name, 22), s.LicenseCostUSD, s.LastSeen.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&b, "%-22s %10.2f", "total", total)
	return b.String()
}

func ratingStars(r int) string {
	if r < 0 || r > footprint.MaxSustainRating {
		return "?"
	}
	stars := strings.Repeat("★", r) + strings.Repeat("☆", footprint.MaxSustainRating-r)
	return lipgloss.NewStyle().Foreground(ratingColors[r]).Render(stars)
}

// sparkline scales the last width values between their min and max.
func sparkline(values []float64, width int) string {
	if len(values) == 0 {
		return subtleStyle.Render("no data")
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = minFloat(lo, v)
		hi = maxFloat(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		idx := len(sparkRunes) - 1
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkRunes)-1))
		}
		out[i] = sparkRunes[idx]
	}
	return string(out)
}

func lastValue(values []float64, format string) string {
	if len(values) == 0 {
		return ""
	}
	return subtleStyle.Render("now " + fmt.Sprintf(format, values[len(values)-1]))
}

func humanBytes(b uint64) string {
	if b == 0 {
		return "-"
	}
	return datasize.ByteSize(b).HumanReadable()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// RunTUI starts the Bubble Tea program and returns when the user quits or ctx is done.
func RunTUI(ctx context.Context, src Source, topN int) error {
	prog := tea.NewProgram(New(src, topN), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := prog.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
