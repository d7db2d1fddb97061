package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"modchat/internal/moderation"
)

const helpText = "Enter send • ↑/↓ select • ctrl+p pin/unpin • ctrl+x delete • ctrl+r retry • /room N • /users [name] • /export • /log • /quit"

func (model *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.WindowSizeMsg:
		model.height = typedMessage.Height
		model.textInput.Width = typedMessage.Width - 6
		return model, nil

	case tea.KeyMsg:
		return model.handleKey(typedMessage)

	case updatedMsg:
		model.refresh()
		return model, model.waitForUpdate()

	case openedMsg:
		model.refresh()
		if typedMessage.roomID != model.roomID {
			return model, nil
		}
		switch {
		case typedMessage.err == nil:
			model.notify(fmt.Sprintf("Room %d is live.", typedMessage.roomID), false)
			return model, model.roomCmd(typedMessage.roomID)
		case errors.Is(typedMessage.err, moderation.ErrSuperseded):
			return model, nil
		default:
			model.notify(fmt.Sprintf("Could not open room %d: %v (ctrl+r to retry)", typedMessage.roomID, typedMessage.err), true)
			return model, nil
		}

	case roomMsg:
		if typedMessage.err != nil {
			model.notify("Room details unavailable: "+typedMessage.err.Error(), true)
			return model, nil
		}
		if typedMessage.room != nil && typedMessage.room.ID == model.roomID {
			model.room = typedMessage.room
		}
		return model, nil

	case actionMsg:
		if typedMessage.err != nil {
			model.notify(typedMessage.err.Error(), true)
			return model, nil
		}
		if typedMessage.content != "" {
			if strings.TrimSpace(model.textInput.Value()) == typedMessage.content {
				model.textInput.SetValue("")
			}
			return model, nil
		}
		model.notify("Message "+typedMessage.label+".", false)
		return model, nil

	case usersMsg:
		if typedMessage.err != nil {
			model.notify(typedMessage.err.Error(), true)
			return model, nil
		}
		model.panel = panelUsers
		model.panelBody = renderUsers(typedMessage.page, typedMessage.search)
		return model, nil

	case exportMsg:
		if typedMessage.err != nil {
			model.notify(typedMessage.err.Error(), true)
			return model, nil
		}
		model.notify("Attendance export: "+typedMessage.link, false)
		return model, nil

	case historyMsg:
		if typedMessage.err != nil {
			model.notify("Could not read the journal: "+typedMessage.err.Error(), true)
			return model, nil
		}
		model.panel = panelLog
		model.panelBody = renderHistory(typedMessage.actions)
		return model, nil
	}
	return model, nil
}

func (model *Model) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		model.session.Close()
		return model, tea.Quit
	case tea.KeyUp:
		model.moveSelection(-1)
		return model, nil
	case tea.KeyDown:
		model.moveSelection(1)
		return model, nil
	case tea.KeyCtrlP:
		msg, ok := model.selectedMessage()
		if !ok {
			model.notify("Select a message with ↑/↓ first.", true)
			return model, nil
		}
		return model, model.pinCmd(msg)
	case tea.KeyCtrlX:
		msg, ok := model.selectedMessage()
		if !ok {
			model.notify("Select a message with ↑/↓ first.", true)
			return model, nil
		}
		return model, model.deleteCmd(msg.ID)
	case tea.KeyCtrlR:
		if model.snap.State != moderation.StateError {
			model.notify("Nothing to retry.", false)
			return model, nil
		}
		return model, model.reopenCmd()
	case tea.KeyEnter:
		return model.submit(strings.TrimSpace(model.textInput.Value()))
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *Model) submit(text string) (tea.Model, tea.Cmd) {
	if text == "" {
		return model, nil
	}
	if strings.HasPrefix(text, "/") {
		return model.runCommand(text)
	}
	if model.snap.State != moderation.StateReady {
		model.notify("The room is not ready yet.", true)
		return model, nil
	}
	return model, model.sendCmd(text)
}

func (model *Model) runCommand(text string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(text)
	name := strings.ToLower(fields[0])
	args := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
	model.textInput.SetValue("")

	switch name {
	case "/quit", "/exit":
		model.session.Close()
		return model, tea.Quit
	case "/help":
		model.notify(helpText, false)
		return model, nil
	case "/room":
		roomID, err := strconv.ParseInt(args, 10, 64)
		if err != nil || roomID <= 0 {
			model.notify("Usage: /room N", true)
			return model, nil
		}
		model.roomID = roomID
		model.room = nil
		model.clearSelection()
		model.panel = panelNone
		model.panelBody = nil
		return model, model.openCmd(roomID)
	case "/users":
		if model.directory == nil {
			model.notify("Room users are unavailable.", true)
			return model, nil
		}
		return model, model.usersCmd(args)
	case "/export":
		if model.directory == nil {
			model.notify("Room users are unavailable.", true)
			return model, nil
		}
		return model, model.exportCmd()
	case "/log":
		if model.history == nil {
			model.notify("The moderation journal is disabled.", true)
			return model, nil
		}
		return model, model.historyCmd()
	case "/close":
		model.panel = panelNone
		model.panelBody = nil
		return model, nil
	}
	model.notify("Unknown command "+name+". Try /help.", true)
	return model, nil
}

// moveSelection walks the cursor through the message list. Moving past the
// newest message clears the selection so the list follows new arrivals.
func (model *Model) moveSelection(delta int) {
	count := len(model.snap.Messages)
	switch {
	case count == 0:
		model.clearSelection()
	case model.selected < 0 && delta < 0:
		model.selectIndex(count - 1)
	case model.selected < 0:
	case model.selected+delta < 0:
		model.selectIndex(0)
	default:
		// Past the newest message selectIndex clears the cursor.
		model.selectIndex(model.selected + delta)
	}
}

// refresh reads a new snapshot and follows the selected message by id, so
// removals above the cursor never shift it onto another message.
func (model *Model) refresh() {
	model.snap = model.session.Snapshot()
	if model.selectedID == 0 {
		model.selected = -1
		return
	}
	for i, msg := range model.snap.Messages {
		if msg.ID == model.selectedID {
			model.selected = i
			return
		}
	}
	model.clearSelection()
}
