// Package tui provides the BubbleTea interactive chat interface for
// sift-infer: a single scrolling transcript plus a prompt line, streaming
// assembled UTF-8 text token-by-token as the session generates it.
//
// Layout and Elm-architecture wiring (palette, textinput, Model/Update/
// View split) directly generalize the teacher's search TUI
// (internal/tui/tui.go in the original sift repo) — the debounced
// search box becomes a submit-on-enter prompt box, and search results
// become a streamed transcript.
package tui

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/session"
)

// ── Palette ──────────────────────────────────────────────────────────────

var (
	colorAccent = lipgloss.Color("#7C6AF7")
	colorDim    = lipgloss.Color("#555555")
	colorMuted  = lipgloss.Color("#888888")
	colorText   = lipgloss.Color("#DDDDDD")
	colorErr    = lipgloss.Color("#FF6B6B")
	colorGreen  = lipgloss.Color("#5AF078")

	sTitle = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sUser  = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	sModel = lipgloss.NewStyle().Foreground(colorText)
	sDim   = lipgloss.NewStyle().Foreground(colorDim)
	sMuted = lipgloss.NewStyle().Foreground(colorMuted)
	sErr   = lipgloss.NewStyle().Foreground(colorErr)
	sGreen = lipgloss.NewStyle().Foreground(colorGreen)
	sHint  = lipgloss.NewStyle().Foreground(colorDim).Background(lipgloss.Color("#111111"))
)

// Chat drives a single session's turns and exposes them as channels the
// BubbleTea program can stream from.
type Chat struct {
	sess   *session.Session
	model  runtime.Model
	rng    *rand.Rand
	params runtime.InferenceParameters
}

// NewChat wraps a session/model pair.
func NewChat(sess *session.Session, model runtime.Model, params runtime.InferenceParameters, seed int64) *Chat {
	return &Chat{sess: sess, model: model, rng: rand.New(rand.NewSource(seed)), params: params}
}

// textMsg carries one assembled chunk of generated text.
type textMsg string

// turnDoneMsg signals a turn finished, carrying timing stats or an error.
type turnDoneMsg struct {
	stats session.Stats
	err   error
}

// StartTurn launches req in a goroutine and returns the two channels
// Update will drain via waitForText/waitForDone.
func (c *Chat) StartTurn(prompt string) (chan textMsg, chan turnDoneMsg) {
	textCh := make(chan textMsg, 16)
	doneCh := make(chan turnDoneMsg, 1)

	go func() {
		req := session.Request{Prompt: prompt, ParametersOverride: &c.params}
		stats, err := c.sess.Infer(context.Background(), c.model, c.rng, req, nil, func(s string) error {
			textCh <- textMsg(s)
			return nil
		})
		doneCh <- turnDoneMsg{stats: stats, err: err}
	}()

	return textCh, doneCh
}

func waitForText(ch chan textMsg) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return s
	}
}

func waitForDone(ch chan turnDoneMsg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

type spinTickMsg struct{}

func spinTick() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(time.Time) tea.Msg { return spinTickMsg{} })
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Model is the BubbleTea application model.
type Model struct {
	chat *Chat

	input      textinput.Model
	transcript []transcriptLine
	current    strings.Builder
	generating bool
	textCh     chan textMsg
	doneCh     chan turnDoneMsg
	lastReply  string
	err        error
	spinFrame  int
	width      int
	height     int
}

type transcriptLine struct {
	role string // "user" or "model"
	text string
}

// New creates a chat TUI model driving chat.
func New(chat *Chat) Model {
	ti := textinput.New()
	ti.Placeholder = "say something…"
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 60
	ti.PromptStyle = sUser
	ti.Prompt = "❯ "

	return Model{chat: chat, input: ti}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, spinTick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = m.width - 8
		return m, nil

	case spinTickMsg:
		m.spinFrame = (m.spinFrame + 1) % len(spinnerFrames)
		return m, spinTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit

		case "ctrl+y":
			if m.lastReply != "" {
				_ = clipboard.WriteAll(m.lastReply)
			}
			return m, nil

		case "enter":
			if m.generating {
				return m, nil
			}
			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			m.transcript = append(m.transcript, transcriptLine{role: "user", text: prompt})
			m.input.SetValue("")
			m.generating = true
			m.current.Reset()
			m.textCh, m.doneCh = m.chat.StartTurn(prompt)
			return m, tea.Batch(waitForText(m.textCh), waitForDone(m.doneCh))
		}

	case textMsg:
		m.current.WriteString(string(msg))
		return m, waitForText(m.textCh)

	case turnDoneMsg:
		m.generating = false
		m.lastReply = m.current.String()
		m.transcript = append(m.transcript, transcriptLine{role: "model", text: m.lastReply})
		m.current.Reset()
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(sTitle.Render("sift-infer") + sDim.Render("  chat") + "\n\n")

	for _, line := range m.transcript {
		if line.role == "user" {
			b.WriteString(sUser.Render("you  ") + line.text + "\n")
		} else {
			b.WriteString(sModel.Render("llm  ") + line.text + "\n")
		}
	}
	if m.generating {
		b.WriteString(sModel.Render("llm  ") + m.current.String() + sMuted.Render(spinnerFrames[m.spinFrame]) + "\n")
	}
	if m.err != nil {
		b.WriteString(sErr.Render(fmt.Sprintf("error: %v", m.err)) + "\n")
	}

	b.WriteString("\n" + m.input.View() + "\n")
	b.WriteString(sHint.Render(" enter send · ^Y yank last reply · ^Q quit "))
	if !m.generating && m.lastReply != "" {
		b.WriteString(" " + sGreen.Render("done"))
	}
	return b.String()
}
