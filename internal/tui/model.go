package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"modchat/internal/api"
	"modchat/internal/chat"
	"modchat/internal/moderation"
	"modchat/internal/storage"
)

// Session is the moderation session the console drives.
// *moderation.Controller implements it.
type Session interface {
	Open(ctx context.Context, roomID int64, token string) error
	Reopen(ctx context.Context) error
	Close()
	Snapshot() moderation.Snapshot
	Updates() <-chan struct{}
	SendMessage(ctx context.Context, content string) error
	PinMessage(ctx context.Context, messageID int64) error
	UnpinMessage(ctx context.Context, messageID int64) error
	DeleteMessage(ctx context.Context, messageID int64) error
}

// Directory serves room details and attendance. *api.Client implements it.
type Directory interface {
	GetRoom(ctx context.Context, roomID int64, token string) (*chat.Room, error)
	RoomUsers(ctx context.Context, roomID int64, token string, page, limit int, search string) (*api.RoomUsersPage, error)
	ExportRoomUsers(ctx context.Context, roomID int64, token string) (string, error)
}

// History lists journaled actions. *storage.Store implements it.
type History interface {
	ListActions(ctx context.Context, roomID int64, limit int) ([]storage.Action, error)
}

type Deps struct {
	Session   Session
	Directory Directory
	// History is optional; /log is unavailable without it.
	History History
}

const (
	maxNotices     = 4
	historyLimit   = 15
	usersPageLimit = 20
)

type notice struct {
	text  string
	isErr bool
	at    time.Time
}

type panelKind int

const (
	panelNone panelKind = iota
	panelUsers
	panelLog
)

// Model is the bubbletea model of the moderation console.
type Model struct {
	ctx       context.Context
	session   Session
	directory Directory
	history   History
	token     string
	roomID    int64

	textInput textinput.Model
	snap      moderation.Snapshot
	room      *chat.Room
	// selectedID is the message under the cursor; selected is its index
	// in snap.Messages, re-resolved on every refresh. -1 means none.
	selectedID int64
	selected   int
	notices    []notice
	panel      panelKind
	panelBody  []string
	height     int
}

func NewModel(ctx context.Context, deps Deps, roomID int64, token string) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message or /help…"
	input.CharLimit = 0
	input.Prompt = "> "
	input.Focus()

	return &Model{
		ctx:       ctx,
		session:   deps.Session,
		directory: deps.Directory,
		history:   deps.History,
		token:     token,
		roomID:    roomID,
		textInput: input,
		selected:  -1,
	}
}

func (model *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, model.openCmd(model.roomID), model.waitForUpdate())
}

// Run starts the console and blocks until the moderator leaves or ctx ends.
func Run(ctx context.Context, deps Deps, roomID int64, token string) error {
	program := tea.NewProgram(NewModel(ctx, deps, roomID, token), tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		program.Quit()
	}()
	_, err := program.Run()
	deps.Session.Close()
	return err
}

func (model *Model) selectedMessage() (chat.ChatMessage, bool) {
	if model.selected < 0 || model.selected >= len(model.snap.Messages) {
		return chat.ChatMessage{}, false
	}
	msg := model.snap.Messages[model.selected]
	if msg.ID != model.selectedID {
		return chat.ChatMessage{}, false
	}
	return msg, true
}

func (model *Model) selectIndex(i int) {
	if i < 0 || i >= len(model.snap.Messages) {
		model.clearSelection()
		return
	}
	model.selected = i
	model.selectedID = model.snap.Messages[i].ID
}

func (model *Model) clearSelection() {
	model.selected = -1
	model.selectedID = 0
}

func (model *Model) notify(text string, isErr bool) {
	model.notices = append(model.notices, notice{text: text, isErr: isErr, at: time.Now()})
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}
