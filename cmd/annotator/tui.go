package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/terrarium-labs/annotator/internal/store"
	"github.com/terrarium-labs/annotator/pkg/presenter"
)

var (
	tuiTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	tuiDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
)

// entryItem adapts a store.GlossaryEntry to bubbles/list's Item interface.
type entryItem struct {
	entry store.GlossaryEntry
}

func (i entryItem) Title() string { return fmt.Sprintf("%s  [%s]", i.entry.Term, i.entry.Status) }
func (i entryItem) Description() string {
	if len(i.entry.Definition) > 96 {
		return i.entry.Definition[:96] + "..."
	}
	return i.entry.Definition
}
func (i entryItem) FilterValue() string { return i.entry.Term }

// inspectModel is a read-only browser over the glossary: a filterable
// list on the left driving a detail viewport on the right, entirely
// non-mutating since inspect never writes to the glossary.
type inspectModel struct {
	list     list.Model
	detail   viewport.Model
	glossary *store.Store
	ctx      context.Context
	ready    bool
}

func runInspectTUI(ctx context.Context, glossary *store.Store) {
	entries, err := glossary.AllEntries(ctx)
	if err != nil {
		presenter.Error(err, "failed to load entries")
		return
	}

	items := make([]list.Item, len(entries))
	for i, e := range entries {
		items[i] = entryItem{entry: e}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "glossary"
	l.Styles.Title = tuiTitleStyle

	m := inspectModel{
		list:     l,
		detail:   viewport.New(0, 0),
		glossary: glossary,
		ctx:      ctx,
	}

	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		presenter.Error(err, "interactive inspector failed")
	}
}

func (m inspectModel) Init() tea.Cmd { return nil }

func (m inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		half := msg.Width / 2
		m.list.SetSize(half, msg.Height-2)
		m.detail.Width = msg.Width - half - 2
		m.detail.Height = msg.Height - 2
		m.ready = true
		m.refreshDetail()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			m.refreshDetail()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	m.refreshDetail()
	return m, cmd
}

// refreshDetail pulls the revision history for the currently highlighted
// entry into the detail pane. Lookups are cheap reads against the
// annotator's own database, not the corpus, so no caching is needed for
// a glossary sized to a single corpus walk.
func (m *inspectModel) refreshDetail() {
	item, ok := m.list.SelectedItem().(entryItem)
	if !ok {
		return
	}
	revisions, err := m.glossary.Revisions(m.ctx, item.entry.ID)
	if err != nil {
		m.detail.SetContent(tuiDimStyle.Render(fmt.Sprintf("failed to load revisions: %v", err)))
		return
	}

	content := tuiTitleStyle.Render(item.entry.Term) + "\n\n" + item.entry.Definition + "\n\n" + tuiDimStyle.Render("revisions:") + "\n"
	for _, r := range revisions {
		content += fmt.Sprintf("- [%s] %s: %s\n", r.CreatedAt.Format("2006-01-02"), r.Field, r.NewValue)
	}
	m.detail.SetContent(content)
}

func (m inspectModel) View() string {
	if !m.ready {
		return "loading..."
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, m.list.View(), m.detail.View())
}
