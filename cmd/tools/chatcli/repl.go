package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zhouzirui/coachbot/backend/internal/model/chat"
	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
	"github.com/zhouzirui/coachbot/backend/internal/service/conversation"
)

var (
	userStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	botStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	noticeStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	synopsisStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const helpText = "/new 重新开始  /retry 出错后重试  /quit 退出"

// repl drives one controller from line-oriented input.
type repl struct {
	ctrl    *conversation.Controller
	in      *bufio.Scanner
	out     io.Writer
	starter string // 首次启动时使用的 starter，之后清空
}

func newREPL(ctrl *conversation.Controller, in io.Reader, out io.Writer, starterID string) *repl {
	return &repl{ctrl: ctrl, in: bufio.NewScanner(in), out: out, starter: starterID}
}

// run returns when input ends or the user quits.
func (r *repl) run(ctx context.Context) error {
	p := r.ctrl.Persona()
	fmt.Fprintln(r.out, botStyle.Render(p.Name)+" · "+p.Title)
	fmt.Fprintln(r.out, noticeStyle.Render(helpText))

	if r.ctrl.Attach(ctx) {
		fmt.Fprintln(r.out, noticeStyle.Render("已恢复上次的对话"))
		for _, msg := range r.ctrl.State().Messages {
			r.printMessage(msg)
		}
		r.printLocked()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		state := r.ctrl.State()
		if state.Phase == conversation.PhaseNotStarted && state.Error == "" {
			starter, ok := r.pickStarter(p)
			if !ok {
				return r.in.Err()
			}
			fmt.Fprintln(r.out, userStyle.Render("> ")+starter.Text)
			if r.report(r.ctrl.Start(ctx, starter)) {
				r.printReply()
			}
			continue
		}

		fmt.Fprint(r.out, userStyle.Render("> "))
		if !r.in.Scan() {
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())

		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/retry":
			r.report(r.ctrl.Retry(ctx))
		case "/new":
			if r.report(r.ctrl.Reset(ctx)) {
				fmt.Fprintln(r.out, noticeStyle.Render("对话已清空"))
			}
		default:
			if r.report(r.ctrl.Send(ctx, line)) {
				r.printReply()
			}
		}
	}
}

func (r *repl) pickStarter(p persona.Persona) (persona.Starter, bool) {
	if r.starter != "" {
		id := r.starter
		r.starter = ""
		if s, ok := p.FindStarter(id); ok {
			return s, true
		}
		fmt.Fprintln(r.out, errorStyle.Render("unknown starter: "+id))
	}

	for {
		for i, s := range p.Starters {
			fmt.Fprintf(r.out, "  %d) %s\n", i+1, s.Text)
		}
		fmt.Fprint(r.out, noticeStyle.Render("选择开场白: "))
		if !r.in.Scan() {
			return persona.Starter{}, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(r.in.Text()))
		if err == nil && n >= 1 && n <= len(p.Starters) {
			return p.Starters[n-1], true
		}
		fmt.Fprintln(r.out, errorStyle.Render("invalid choice"))
	}
}

// report prints err for the user and reports whether the call succeeded.
func (r *repl) report(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, conversation.ErrBackend):
		fmt.Fprintln(r.out, errorStyle.Render("שגיאה בשרת, נסה שוב מאוחר יותר")+" "+noticeStyle.Render("(/retry)"))
	case errors.Is(err, conversation.ErrRecoveryRequired):
		fmt.Fprintln(r.out, errorStyle.Render("上一次请求失败，请先 /retry 或 /new"))
	case errors.Is(err, conversation.ErrLocked):
		fmt.Fprintln(r.out, errorStyle.Render("对话已结束，输入 /new 重新开始"))
	default:
		fmt.Fprintln(r.out, errorStyle.Render(err.Error()))
	}
	return false
}

func (r *repl) printReply() {
	if msg, ok := chat.LastAssistant(r.ctrl.State().Messages); ok {
		r.printMessage(msg)
	}
	r.printLocked()
}

func (r *repl) printMessage(msg chat.Message) {
	label := userStyle.Render("> ")
	if msg.Role == chat.RoleAssistant {
		label = botStyle.Render(r.ctrl.Persona().Name + ": ")
	}
	fmt.Fprintln(r.out, label+msg.Content)
}

func (r *repl) printLocked() {
	state := r.ctrl.State()
	if state.Phase != conversation.PhaseLocked {
		return
	}
	if state.Synopsis != nil {
		fmt.Fprintln(r.out, synopsisStyle.Render(state.Synopsis.Format()))
	}
	fmt.Fprintln(r.out, noticeStyle.Render("对话已结束，输入 /new 重新开始"))
}
