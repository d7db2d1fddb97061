package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"modchat/internal/api"
	"modchat/internal/chat"
	"modchat/internal/storage"
)

type (
	updatedMsg struct{}
	openedMsg  struct {
		roomID int64
		err    error
	}
	roomMsg struct {
		room *chat.Room
		err  error
	}
	actionMsg struct {
		label   string
		content string
		err     error
	}
	usersMsg struct {
		page   *api.RoomUsersPage
		search string
		err    error
	}
	exportMsg struct {
		link string
		err  error
	}
	historyMsg struct {
		actions []storage.Action
		err     error
	}
)

// waitForUpdate turns the next session change signal into a message.
func (model *Model) waitForUpdate() tea.Cmd {
	updates := model.session.Updates()
	ctx := model.ctx
	return func() tea.Msg {
		select {
		case <-updates:
			return updatedMsg{}
		case <-ctx.Done():
			return nil
		}
	}
}

func (model *Model) openCmd(roomID int64) tea.Cmd {
	session, ctx, token := model.session, model.ctx, model.token
	return func() tea.Msg {
		return openedMsg{roomID: roomID, err: session.Open(ctx, roomID, token)}
	}
}

func (model *Model) reopenCmd() tea.Cmd {
	session, ctx, roomID := model.session, model.ctx, model.roomID
	return func() tea.Msg {
		return openedMsg{roomID: roomID, err: session.Reopen(ctx)}
	}
}

func (model *Model) roomCmd(roomID int64) tea.Cmd {
	if model.directory == nil {
		return nil
	}
	directory, ctx, token := model.directory, model.ctx, model.token
	return func() tea.Msg {
		room, err := directory.GetRoom(ctx, roomID, token)
		return roomMsg{room: room, err: err}
	}
}

func (model *Model) sendCmd(content string) tea.Cmd {
	session, ctx := model.session, model.ctx
	return func() tea.Msg {
		return actionMsg{label: "send", content: content, err: session.SendMessage(ctx, content)}
	}
}

func (model *Model) pinCmd(msg chat.ChatMessage) tea.Cmd {
	session, ctx := model.session, model.ctx
	if msg.IsPinned {
		return func() tea.Msg {
			return actionMsg{label: "unpinned", err: session.UnpinMessage(ctx, msg.ID)}
		}
	}
	return func() tea.Msg {
		return actionMsg{label: "pinned", err: session.PinMessage(ctx, msg.ID)}
	}
}

func (model *Model) deleteCmd(id int64) tea.Cmd {
	session, ctx := model.session, model.ctx
	return func() tea.Msg {
		return actionMsg{label: "deleted", err: session.DeleteMessage(ctx, id)}
	}
}

func (model *Model) usersCmd(search string) tea.Cmd {
	directory, ctx, token, roomID := model.directory, model.ctx, model.token, model.roomID
	return func() tea.Msg {
		page, err := directory.RoomUsers(ctx, roomID, token, 1, usersPageLimit, search)
		return usersMsg{page: page, search: search, err: err}
	}
}

func (model *Model) exportCmd() tea.Cmd {
	directory, ctx, token, roomID := model.directory, model.ctx, model.token, model.roomID
	return func() tea.Msg {
		link, err := directory.ExportRoomUsers(ctx, roomID, token)
		return exportMsg{link: link, err: err}
	}
}

func (model *Model) historyCmd() tea.Cmd {
	history, ctx, roomID := model.history, model.ctx, model.roomID
	return func() tea.Msg {
		actions, err := history.ListActions(ctx, roomID, historyLimit)
		return historyMsg{actions: actions, err: err}
	}
}
