package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/parley-im/parley/internal/call"
	"github.com/parley-im/parley/internal/client"
	"github.com/parley-im/parley/internal/proto"
)

// prompt is the interactive client loop: chat frames print as they arrive,
// stdin lines drive messaging and calls.
type prompt struct {
	self *proto.User
	rest *client.REST
	ws   *client.Client
	mgr  *call.Manager
}

func (p *prompt) run(ctx context.Context) error {
	ch, cancel := p.ws.Subscribe()
	defer cancel()
	go p.printInbound(ch)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println("commands: users | msg <user> <text> | history <user> | call <user> | answer | reject | end | mute | speaker | name <display name> | quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ws.Done():
			return fmt.Errorf("connection to server lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := p.exec(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (p *prompt) printInbound(ch chan *proto.Message) {
	for m := range ch {
		switch m.Type {
		case proto.TypeMessage:
			if m.Message == nil {
				continue
			}
			fmt.Printf("<%s> %s\n", p.name(m.Message.SenderID), m.Message.Body)
			// Receipt is best-effort; history still shows the message.
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = p.rest.MarkRead(ctx, id)
			}(m.Message.ID)
		case proto.TypeMessageRead:
			fmt.Printf("** message %s was read\n", m.MessageID)
		case proto.TypeUserAdded:
			if m.User != nil {
				fmt.Printf("** %s joined\n", m.User.Label())
			}
		}
	}
}

func (p *prompt) exec(ctx context.Context, line string) (quit bool) {
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "quit", "exit":
		return true
	case "users":
		for _, u := range p.ws.Users() {
			marker := ""
			if u.ID == p.self.ID {
				marker = " (you)"
			}
			fmt.Printf("  %s — %s%s\n", u.Label(), u.ID, marker)
		}
	case "msg":
		target, body, ok := strings.Cut(rest, " ")
		if !ok || body == "" {
			fmt.Println("usage: msg <user> <text>")
			return false
		}
		id, err := p.resolve(target)
		if err != nil {
			fmt.Println(err)
			return false
		}
		if _, err := p.rest.SendMessage(ctx, id, body); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	case "history":
		id, err := p.resolve(strings.TrimSpace(rest))
		if err != nil {
			fmt.Println(err)
			return false
		}
		msgs, err := p.rest.Conversation(ctx, id, 50)
		if err != nil {
			fmt.Printf("history failed: %v\n", err)
			return false
		}
		for _, m := range msgs {
			read := ""
			if m.ReadAt != 0 {
				read = " ✓"
			}
			fmt.Printf("  [%s] <%s> %s%s\n",
				time.UnixMilli(m.SentAt).Format("15:04"), p.name(m.SenderID), m.Body, read)
		}
	case "call":
		id, err := p.resolve(strings.TrimSpace(rest))
		if err != nil {
			fmt.Println(err)
			return false
		}
		if err := p.mgr.StartCall(id); err != nil {
			fmt.Printf("call failed: %v\n", err)
		}
	case "answer":
		if err := p.mgr.Answer(); err != nil {
			fmt.Println(err)
		}
	case "reject", "end":
		p.mgr.End()
	case "mute":
		if p.mgr.ToggleMute() {
			fmt.Println("** microphone muted")
		} else {
			fmt.Println("** microphone live")
		}
	case "speaker":
		if p.mgr.ToggleSpeaker() {
			fmt.Println("** speaker muted")
		} else {
			fmt.Println("** speaker live")
		}
	case "name":
		name := strings.TrimSpace(rest)
		if name == "" {
			fmt.Println("usage: name <display name>")
			return false
		}
		if _, err := p.rest.UpdateDisplayName(ctx, name); err != nil {
			fmt.Printf("update failed: %v\n", err)
		}
	case "feedback":
		body := strings.TrimSpace(rest)
		if body == "" {
			fmt.Println("usage: feedback <text>")
			return false
		}
		if err := p.rest.SendFeedback(ctx, body); err != nil {
			fmt.Printf("feedback failed: %v\n", err)
		}
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	return false
}

// resolve accepts a username, display name or raw id.
func (p *prompt) resolve(target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("missing user")
	}
	for _, u := range p.ws.Users() {
		if u.ID == target || u.Username == target || u.Label() == target {
			return u.ID, nil
		}
	}
	return "", fmt.Errorf("unknown user %q (try 'users')", target)
}

func (p *prompt) name(userID string) string {
	if name, ok := p.ws.ResolveName(userID); ok {
		return name
	}
	return userID
}
