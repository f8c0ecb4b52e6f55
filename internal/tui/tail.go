// Package tui renders a live terminal view of the StarBridge event stream.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

type eventMsg bus.Event

type sourceErrMsg struct{ err error }

var topicColors = map[bus.Topic]lipgloss.Color{
	bus.TopicSystem:   lipgloss.Color("245"),
	bus.TopicDeploy:   lipgloss.Color("39"),
	bus.TopicGovernor: lipgloss.Color("203"),
	bus.TopicEconomy:  lipgloss.Color("220"),
	bus.TopicVault:    lipgloss.Color("114"),
}

// tailModel is the Bubbletea model behind RunTail.
type tailModel struct {
	ctx    context.Context
	src    EventSource
	feed   *EventFeed
	hidden map[bus.Topic]bool
	paused bool
	missed int
	height int
	width  int
	err    error
	quit   bool
}

func newTailModel(ctx context.Context, src EventSource, maxItems int) tailModel {
	return tailModel{
		ctx:    ctx,
		src:    src,
		feed:   NewEventFeed(maxItems),
		hidden: make(map[bus.Topic]bool),
		height: 24,
		width:  100,
	}
}

func (m tailModel) waitForEvent() tea.Msg {
	ev, err := m.src.Next(m.ctx)
	if err != nil {
		return sourceErrMsg{err: err}
	}
	return eventMsg(ev)
}

func (m tailModel) Init() tea.Cmd {
	return m.waitForEvent
}

func (m tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		if m.paused {
			m.missed++
		} else {
			m.feed.Add(bus.Event(msg))
		}
		return m, m.waitForEvent
	case sourceErrMsg:
		m.err = msg.err
		return m, nil
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quit = true
			return m, tea.Quit
		case "p", " ":
			m.paused = !m.paused
			if !m.paused {
				m.missed = 0
			}
		case "c":
			m.feed.Clear()
		case "1", "2", "3", "4", "5":
			t := bus.AllTopics[int(msg.String()[0]-'1')]
			m.hidden[t] = !m.hidden[t]
		}
	}
	return m, nil
}

func (m tailModel) visible(ev bus.Event) bool {
	return !m.hidden[ev.Topic]
}

func (m tailModel) View() string {
	if m.quit {
		return ""
	}
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	var b strings.Builder
	b.WriteString(title.Render("StarBridge tail"))
	if m.paused {
		b.WriteString(dim.Render(fmt.Sprintf("  [paused, %d missed]", m.missed)))
	}
	b.WriteString("\n")

	var chips []string
	for i, t := range bus.AllTopics {
		label := fmt.Sprintf("%d:%s %d", i+1, t, m.feed.Count(t))
		style := lipgloss.NewStyle().Foreground(topicColors[t])
		if m.hidden[t] {
			style = dim.Strikethrough(true)
		}
		chips = append(chips, style.Render(label))
	}
	b.WriteString(strings.Join(chips, "  ") + "\n\n")

	rows := m.height - 6
	if rows < 1 {
		rows = 1
	}
	for _, ev := range m.feed.Tail(rows, m.visible) {
		b.WriteString(m.renderEvent(ev) + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("stream closed: "+m.err.Error()) + "\n")
	}
	b.WriteString(dim.Render("\n[p] pause  [c] clear  [1-5] toggle topic  [q] quit") + "\n")
	return b.String()
}

func (m tailModel) renderEvent(ev bus.Event) string {
	topic := lipgloss.NewStyle().Foreground(topicColors[ev.Topic]).Width(9).Render(string(ev.Topic))
	line := fmt.Sprintf("%s %s %-16s %s", ev.TS.Local().Format("15:04:05.000"), topic, ev.Source, ev.Type)
	if ev.Replayed {
		line += " (replay)"
	}
	if len(ev.Payload) == 0 {
		return line
	}
	// Only the payload is cut; the prefix carries escape codes.
	room := m.width - lipgloss.Width(line) - 1
	if room <= 1 {
		return line
	}
	payload := []rune(string(ev.Payload))
	if len(payload) > room {
		payload = append(payload[:room-1], '…')
	}
	return line + " " + string(payload)
}

// RunTail shows events from src until the user quits or ctx ends.
func RunTail(ctx context.Context, src EventSource, maxItems int) error {
	p := tea.NewProgram(newTailModel(ctx, src, maxItems), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
