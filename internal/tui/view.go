package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"modchat/internal/api"
	"modchat/internal/chat"
	"modchat/internal/moderation"
	"modchat/internal/storage"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 1).MarginTop(1)
	pinnedBoxStyle     = messageBoxStyle.Copy().BorderForeground(lipgloss.Color("178"))
	panelBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	managerStyle       = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	pinMarkStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Bold(true)
	selectedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorNoticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hintStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

const defaultVisibleMessages = 20

func (model *Model) View() string {
	sections := []string{model.renderHeader(), model.renderStatus()}

	if model.snap.State == moderation.StateError {
		sections = append(sections, model.renderNotices(), inputBoxStyle.Render(model.textInput.View()), hintStyle.Render("ctrl+r retry • /room N switch room • Esc quit"))
		return lipgloss.JoinVertical(lipgloss.Left, nonEmpty(sections)...)
	}

	if len(model.snap.Pinned) > 0 {
		lines := []string{pinMarkStyle.Render("Pinned")}
		for _, msg := range model.snap.Pinned {
			lines = append(lines, renderMessage(msg, false))
		}
		sections = append(sections, pinnedBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	}

	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, model.renderMessages()...)))
	if model.panel != panelNone && len(model.panelBody) > 0 {
		sections = append(sections, panelBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, model.panelBody...)))
	}
	sections = append(sections,
		model.renderNotices(),
		inputBoxStyle.Render(model.textInput.View()),
		hintStyle.Render(helpText),
	)
	return lipgloss.JoinVertical(lipgloss.Left, nonEmpty(sections)...)
}

func (model *Model) renderHeader() string {
	segments := []string{"modchat"}
	room := fmt.Sprintf("Room %d", model.roomID)
	if model.room != nil && model.room.Title != "" {
		room += " · " + model.room.Title
	}
	segments = append(segments, room)
	if model.room != nil && model.room.Status != "" {
		segments = append(segments, string(model.room.Status))
	}
	segments = append(segments, fmt.Sprintf("%d online", model.snap.OnlineCount))
	return chatHeaderStyle.Render(strings.Join(segments, dividerStyle))
}

func (model *Model) renderStatus() string {
	switch model.snap.State {
	case moderation.StateError:
		text := "Connection error"
		if model.snap.Err != nil {
			text += ": " + model.snap.Err.Error()
		}
		return errorStyle.Render(text + " (ctrl+r to retry)")
	case moderation.StateConnecting:
		return connectingStyle.Render("Connecting…")
	case moderation.StateBacklogLoading:
		return connectingStyle.Render("Loading messages…")
	case moderation.StateReady:
		text := fmt.Sprintf("Live • %d messages", len(model.snap.Messages))
		if stats := model.snap.Stats; stats.CommandsOK+stats.CommandsFailed > 0 {
			text += fmt.Sprintf(" • %d actions", stats.CommandsOK)
			if stats.CommandsFailed > 0 {
				text += fmt.Sprintf(" (%d failed)", stats.CommandsFailed)
			}
		}
		return connectedStyle.Render(text)
	case moderation.StateClosed:
		return statusStyle.Render("Closed")
	}
	return connectingStyle.Render("Starting…")
}

func (model *Model) renderMessages() []string {
	messages := model.snap.Messages
	if len(messages) == 0 {
		if model.snap.Loading {
			return []string{systemMessageStyle.Render("Waiting for the room…")}
		}
		return []string{systemMessageStyle.Render("No messages yet.")}
	}
	start, end := visibleRange(len(messages), model.selected, model.visibleRows())
	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		lines = append(lines, renderMessage(messages[i], i == model.selected))
	}
	return lines
}

func (model *Model) visibleRows() int {
	if model.height <= 0 {
		return defaultVisibleMessages
	}
	rows := model.height - 14 - len(model.snap.Pinned) - len(model.panelBody) - len(model.notices)
	if rows < 5 {
		return 5
	}
	return rows
}

// visibleRange keeps the selection in view, or the newest messages when
// nothing is selected.
func visibleRange(count, selected, rows int) (int, int) {
	if count <= rows {
		return 0, count
	}
	if selected < 0 {
		return count - rows, count
	}
	start := selected - rows/2
	if start < 0 {
		start = 0
	}
	if start+rows > count {
		start = count - rows
	}
	return start, start + rows
}

func (model *Model) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, n := range model.notices {
		text := timestampStyle.Render(n.at.Format("15:04:05")) + " "
		if n.isErr {
			text += errorNoticeStyle.Render(n.text)
		} else {
			text += systemMessageStyle.Render(n.text)
		}
		lines = append(lines, text)
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderMessage(msg chat.ChatMessage, selected bool) string {
	cursor := "  "
	if selected {
		cursor = selectedStyle.Render("➤ ")
	}
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.CreatedAt.Local().Format("15:04:05")))

	nameStyle := usernameStyle.Copy().Foreground(colorForUser(msg.Author()))
	if msg.IsManager() {
		nameStyle = managerStyle
	}
	name := nameStyle.Render(msg.Author())

	mark := " "
	if msg.IsPinned {
		mark = pinMarkStyle.Render("★")
	}
	body := messageBodyStyle.Render(strings.ReplaceAll(msg.Content, "\n", "\n     "))
	return lipgloss.JoinHorizontal(lipgloss.Left, cursor, mark, " ", timestamp, " ", name, ": ", body)
}

func renderUsers(page *api.RoomUsersPage, search string) []string {
	title := "Room users"
	if search != "" {
		title += fmt.Sprintf(" matching %q", search)
	}
	if page == nil || len(page.Data) == 0 {
		return []string{appTitleStyle.Render(title), systemMessageStyle.Render("Nobody found.")}
	}
	lines := []string{appTitleStyle.Render(fmt.Sprintf("%s (%d total, page %d/%d)", title, page.Total, page.Page, page.TotalPages))}
	for _, u := range page.Data {
		state := "○"
		if u.IsActive {
			state = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
		}
		lines = append(lines, fmt.Sprintf("%s %s  %s", state, u.UserName, timestampStyle.Render(u.TimeInRoom)))
	}
	lines = append(lines, timestampStyle.Render("/close to hide"))
	return lines
}

func renderHistory(actions []storage.Action) []string {
	lines := []string{appTitleStyle.Render("Moderation log")}
	if len(actions) == 0 {
		return append(lines, systemMessageStyle.Render("No actions recorded for this room."))
	}
	for _, a := range actions {
		target := ""
		if a.MessageID != 0 {
			target = fmt.Sprintf(" #%d", a.MessageID)
		}
		outcome := "ok"
		if !a.OK {
			outcome = errorNoticeStyle.Render("failed: " + a.Error)
		}
		lines = append(lines, fmt.Sprintf("%s %s%s %s", timestampStyle.Render(a.CreatedAt.Local().Format("01/02 15:04")), a.Kind, target, outcome))
	}
	lines = append(lines, timestampStyle.Render("/close to hide"))
	return lines
}

func nonEmpty(sections []string) []string {
	out := sections[:0]
	for _, s := range sections {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
