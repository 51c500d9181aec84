package main

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsignal/internal/client/call"
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/protocol"
)

// console renders call and presence events and runs typed commands.
type console struct {
	self domain.Identity
	m    *call.Machine

	mu     sync.Mutex
	online map[domain.Identity]bool
	status call.Status
	peer   domain.Identity
}

func newConsole(self domain.Identity, m *call.Machine) *console {
	return &console{self: self, m: m, online: make(map[domain.Identity]bool)}
}

func (c *console) help() {
	pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
		{Level: 0, Text: "call <user>   start a call"},
		{Level: 0, Text: "accept        answer the incoming call"},
		{Level: 0, Text: "reject        decline the incoming call"},
		{Level: 0, Text: "hangup        end the current call"},
		{Level: 0, Text: "who           list online contacts"},
		{Level: 0, Text: "status        show the call state"},
		{Level: 0, Text: "quit          hang up and exit"},
	}).Render()
}

// exec runs one command line and reports whether the user asked to quit.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var err error
	switch strings.ToLower(fields[0]) {
	case "call":
		if len(fields) != 2 {
			pterm.Warning.Println("usage: call <user>")
			return false
		}
		err = c.m.Initiate(ctx, domain.Identity(fields[1]))
	case "accept":
		err = c.m.Accept(ctx)
	case "reject":
		err = c.m.Reject()
	case "hangup":
		err = c.m.Hangup()
	case "who":
		c.printOnline()
	case "status":
		s := c.m.Snapshot()
		pterm.Info.Printfln("status=%s peer=%s media(local=%t remote=%t)", s.Status, s.Peer, s.HasLocalMedia, s.HasRemoteMedia)
	case "help":
		c.help()
	case "quit", "exit":
		return true
	default:
		pterm.Warning.Printfln("unknown command %q", fields[0])
	}
	if err != nil {
		pterm.Error.Println(err)
	}
	return false
}

func (c *console) onSignal(sig protocol.Signal) {
	if err := c.m.HandleSignal(sig); err != nil && !errors.Is(err, call.ErrClosed) {
		log.Debug().Err(err).Str("module", "client").Str("type", string(sig.Type)).Msg("signal not handled")
	}
}

func (c *console) onState(s call.Snapshot) {
	c.mu.Lock()
	changed := s.Status != c.status || s.Peer != c.peer
	prevPeer := c.peer
	c.status, c.peer = s.Status, s.Peer
	c.mu.Unlock()
	if !changed {
		return
	}

	switch s.Status {
	case call.Outgoing:
		pterm.Info.Printfln("calling %s...", s.Peer)
	case call.Incoming:
		pterm.Info.Printfln("incoming call from %s (accept / reject)", s.Peer)
	case call.Connected:
		pterm.Success.Printfln("in call with %s", s.Peer)
	case call.Idle:
		pterm.Info.Printfln("call with %s ended", prevPeer)
	}
}

func (c *console) onError(err error) {
	pterm.Warning.Println(err)
}

func (c *console) onTrack(tr call.RemoteTrack) {
	pterm.Info.Printfln("receiving %s from the remote side", tr.Kind())
}

func (c *console) onPresence(ev domain.PresenceEvent) {
	c.mu.Lock()
	if ev.Online {
		c.online[ev.Subject] = true
	} else {
		delete(c.online, ev.Subject)
	}
	c.mu.Unlock()

	if ev.Online {
		pterm.Success.Printfln("%s is online", ev.Subject)
	} else {
		pterm.Info.Printfln("%s went offline", ev.Subject)
	}
}

func (c *console) onSnapshot(ids []domain.Identity) {
	c.mu.Lock()
	clear(c.online)
	for _, id := range ids {
		c.online[id] = true
	}
	c.mu.Unlock()
	c.printOnline()
}

func (c *console) onServerError(msg string) {
	pterm.Error.Printfln("server: %s", msg)
}

func (c *console) printOnline() {
	c.mu.Lock()
	ids := make([]domain.Identity, 0, len(c.online))
	for id := range c.online {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	slices.Sort(ids)

	if len(ids) == 0 {
		pterm.Info.Println("no contacts online")
		return
	}
	data := pterm.TableData{{"Contact", "Status"}}
	for _, id := range ids {
		data = append(data, []string{string(id), "online"})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
