package ctl

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// A tag not reported for this long is shown as gone.
const presenceTimeout = 2 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of the tags in the field",
	Long: `Open a read-only session and show every tag the reader reports, with its
model, how often it was seen and whether it is still in the field.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

type sighting struct {
	uid       protocol.UID
	model     string
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

type watchModel struct {
	connInfo string
	spinner  spinner.Model
	table    table.Model
	tags     map[protocol.UID]*sighting
	total    int
	err      error
	now      time.Time
	width    int
	quitting bool
}

type watchTickMsg time.Time

type tagMsg struct {
	uid protocol.UID
	at  time.Time
}

type connectionLostMsg struct {
	err error
}

func newWatchModel(connInfo string) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "", Width: 1},
			{Title: "UID", Width: 23},
			{Title: "Model", Width: 13},
			{Title: "Seen", Width: 6},
			{Title: "Last seen", Width: 12},
		}),
		table.WithHeight(10),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	tbl.SetStyles(styles)

	return watchModel{
		connInfo: connInfo,
		spinner:  sp,
		table:    tbl,
		tags:     make(map[protocol.UID]*sighting),
		now:      time.Now(),
		width:    80,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, watchTick())
}

func watchTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}

	case watchTickMsg:
		m.now = time.Time(msg)
		m.refreshRows()
		return m, watchTick()

	case tagMsg:
		s, ok := m.tags[msg.uid]
		if !ok {
			model, _ := msg.uid.Model()
			if model == "" {
				model = "unknown"
			}
			s = &sighting{uid: msg.uid, model: model, firstSeen: msg.at}
			m.tags[msg.uid] = s
		}
		s.count++
		s.lastSeen = msg.at
		m.total++
		if msg.at.After(m.now) {
			m.now = msg.at
		}
		m.refreshRows()

	case connectionLostMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// refreshRows lists tags in the field first, most recently seen first.
func (m *watchModel) refreshRows() {
	list := make([]*sighting, 0, len(m.tags))
	for _, s := range m.tags {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		pi, pj := m.present(list[i]), m.present(list[j])
		if pi != pj {
			return pi
		}
		return list[i].lastSeen.After(list[j].lastSeen)
	})

	rows := make([]table.Row, 0, len(list))
	for _, s := range list {
		mark := " "
		if m.present(s) {
			mark = "●"
		}
		rows = append(rows, table.Row{
			mark,
			s.uid.Colon(),
			s.model,
			fmt.Sprintf("%d", s.count),
			s.lastSeen.Format("15:04:05.000"),
		})
	}
	m.table.SetRows(rows)
}

func (m watchModel) present(s *sighting) bool {
	return m.now.Sub(s.lastSeen) < presenceTimeout
}

func (m watchModel) inField() int {
	n := 0
	for _, s := range m.tags {
		if m.present(s) {
			n++
		}
	}
	return n
}

func (m watchModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("CR14 - TAG WATCH"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Press 'q' to quit", m.connInfo)))
	s.WriteString("\n\n")

	if m.err != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("Connection lost: %v", m.err)))
	} else {
		s.WriteString(m.spinner.View())
		s.WriteString(" Polling")
	}
	s.WriteString(fmt.Sprintf("   %s %s   %s %s   %s %s\n",
		labelStyle.Render("In field:"), valueStyle.Render(fmt.Sprintf("%d", m.inField())),
		labelStyle.Render("Known:"), valueStyle.Render(fmt.Sprintf("%d", len(m.tags))),
		labelStyle.Render("Reports:"), valueStyle.Render(fmt.Sprintf("%d", m.total)),
	))
	s.WriteString("\n")

	if len(m.tags) == 0 {
		s.WriteString(headerStyle.Render("Waiting for a tag..."))
		s.WriteString("\n")
		return s.String()
	}
	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n")
	return s.String()
}

func runWatch(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := Dial(false)
	if err != nil {
		return err
	}
	defer conn.Close()

	p := tea.NewProgram(newWatchModel(connInfo), tea.WithAltScreen())

	go func() {
		c := NewClient(conn)
		for {
			uid, err := c.NextUID()
			if err != nil {
				p.Send(connectionLostMsg{err: err})
				return
			}
			p.Send(tagMsg{uid: uid, at: time.Now()})
		}
	}()

	_, err = p.Run()
	return err
}
