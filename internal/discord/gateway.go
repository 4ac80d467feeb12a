package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"tools.zach/dev/guildwatch/internal/logger"
)

// ///////////////////////////////////////////////
// Wire Protocol
// ///////////////////////////////////////////////

// DefaultGatewayURL is the Discord gateway endpoint.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Gateway intents requested at identify: guilds (channels), members, voice
// states, presences, messages, and reactions.
const intents = (1 << 0) | (1 << 1) | (1 << 7) | (1 << 8) | (1 << 9) | (1 << 10)

// payload is the envelope every gateway frame uses.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// wireUser is the user object embedded in several dispatch payloads.
type wireUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// wireActivity mirrors the gateway activity object.
type wireActivity struct {
	Name          string       `json:"name"`
	Type          ActivityType `json:"type"`
	ApplicationID string       `json:"application_id"`
}

// wireChannel carries the channel fields the cache needs.
type wireChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

// wireVoiceState carries the voice state fields the cache needs.
type wireVoiceState struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Member    *struct {
		User wireUser `json:"user"`
	} `json:"member"`
}

// wirePresence carries the presence fields the cache needs.
type wirePresence struct {
	User       wireUser       `json:"user"`
	GuildID    string         `json:"guild_id"`
	Activities []wireActivity `json:"activities"`
}

// ///////////////////////////////////////////////
// Gateway
// ///////////////////////////////////////////////

// ErrClosed is returned from [Gateway.Run] after [Gateway.Close].
var ErrClosed = errors.New("gateway closed")

// Gateway maintains the websocket connection to Discord: identify,
// heartbeat, resume, and dispatch of events into the [State] cache and the
// registered [Handlers]. Reconnection uses exponential backoff and resumes
// the prior session when Discord allows it.
type Gateway struct {
	token    string
	url      string
	state    *State
	handlers Handlers

	mu        sync.Mutex
	conn      *websocket.Conn
	seq       int64
	sessionID string
	resumeURL string
	closed    bool
}

// NewGateway creates a gateway client that feeds the given state cache and
// handler set.
func NewGateway(token string, state *State, handlers Handlers) *Gateway {
	return &Gateway{
		token:    token,
		url:      DefaultGatewayURL,
		state:    state,
		handlers: handlers,
	}
}

// Run connects and serves gateway events until ctx is cancelled or
// [Gateway.Close] is called. Connection drops are retried with exponential
// backoff; an unresumable session triggers a fresh identify and a state
// cache reset.
func (g *Gateway) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if g.isClosed() {
			return ErrClosed
		}

		err := g.serveOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled) || g.isClosed():
			return ErrClosed
		case err != nil:
			wait := bo.NextBackOff()
			slog.Warn("gateway connection lost, reconnecting", "error", err, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			// Clean cycle (server-requested reconnect); retry immediately.
			bo.Reset()
		}
	}
}

// Close shuts the gateway down permanently.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// dialURL returns the endpoint for the next connection attempt, preferring
// the resume URL Discord handed out at READY.
func (g *Gateway) dialURL() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumeURL != "" {
		return g.resumeURL
	}
	return g.url
}

// serveOnce runs one connection lifecycle: dial, hello, identify or resume,
// then read frames until the connection drops. Returns nil when the server
// requested a reconnect (the caller should redial immediately).
func (g *Gateway) serveOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, g.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer conn.Close()

	hello, err := g.readPayload(conn)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}

	if err := g.identifyOrResume(conn); err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go g.heartbeat(hbCtx, conn, time.Duration(helloData.HeartbeatInterval)*time.Millisecond)

	for {
		p, err := g.readPayload(conn)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		switch p.Op {
		case opDispatch:
			g.mu.Lock()
			g.seq = p.S
			g.mu.Unlock()
			g.dispatch(p.T, p.D)
		case opHeartbeat:
			g.sendHeartbeat(conn)
		case opHeartbeatACK:
			// nothing to do
		case opReconnect:
			slog.Info("gateway requested reconnect")
			return nil
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				g.mu.Lock()
				g.sessionID = ""
				g.resumeURL = ""
				g.seq = 0
				g.mu.Unlock()
				g.state.Reset()
			}
			slog.Warn("gateway session invalidated", "resumable", resumable)
			return nil
		}
	}
}

// identifyOrResume sends a resume frame when a prior session exists,
// otherwise a fresh identify.
func (g *Gateway) identifyOrResume(conn *websocket.Conn) error {
	g.mu.Lock()
	sessionID, seq := g.sessionID, g.seq
	g.mu.Unlock()

	if sessionID != "" {
		return g.writeJSON(conn, payload{Op: opResume, D: mustMarshal(map[string]any{
			"token":      g.token,
			"session_id": sessionID,
			"seq":        seq,
		})})
	}
	return g.writeJSON(conn, payload{Op: opIdentify, D: mustMarshal(map[string]any{
		"token":   g.token,
		"intents": intents,
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "guildwatch",
			"device":  "guildwatch",
		},
	})})
}

// heartbeat sends heartbeats at the server-provided interval, with the
// standard random jitter before the first beat.
func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		g.sendHeartbeat(conn)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) sendHeartbeat(conn *websocket.Conn) {
	g.mu.Lock()
	seq := g.seq
	g.mu.Unlock()
	if err := g.writeJSON(conn, payload{Op: opHeartbeat, D: mustMarshal(seq)}); err != nil {
		logger.Trace("heartbeat write failed", "error", err)
	}
}

func (g *Gateway) readPayload(conn *websocket.Conn) (*payload, error) {
	var p payload
	if err := conn.ReadJSON(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// writeJSON serializes writes; gorilla/websocket allows only one concurrent
// writer.
func (g *Gateway) writeJSON(conn *websocket.Conn, p payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return conn.WriteJSON(p)
}

// mustMarshal marshals values that cannot fail (maps of strings/ints).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// ///////////////////////////////////////////////
// Dispatch
// ///////////////////////////////////////////////

// dispatch routes one gateway dispatch frame: the state cache is updated
// first, then the matching handler is invoked with the domain event. A
// panicking handler is logged and never tears down the connection.
func (g *Gateway) dispatch(event string, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in event handler", "event", event, "panic", r)
		}
	}()
	logger.Trace("gateway dispatch", "event", event)

	switch event {
	case "READY":
		g.handleReady(data)
	case "GUILD_CREATE":
		g.handleGuildCreate(data)
	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		var ch wireChannel
		if json.Unmarshal(data, &ch) == nil && ch.Name != "" {
			g.state.SetChannel(ch.ID, ch.Name)
		}
	case "CHANNEL_DELETE":
		var ch wireChannel
		if json.Unmarshal(data, &ch) == nil {
			g.state.RemoveChannel(ch.ID)
		}
	case "PRESENCE_UPDATE":
		g.handlePresence(data)
	case "VOICE_STATE_UPDATE":
		g.handleVoiceState(data)
	case "MESSAGE_CREATE":
		g.handleMessage(data)
	case "MESSAGE_REACTION_ADD":
		g.handleReaction(data)
	case "GUILD_MEMBER_ADD":
		g.handleMemberAdd(data)
	case "GUILD_MEMBER_REMOVE":
		g.handleMemberRemove(data)
	}
}

func (g *Gateway) handleReady(data json.RawMessage) {
	var ready struct {
		SessionID        string `json:"session_id"`
		ResumeGatewayURL string `json:"resume_gateway_url"`
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		slog.Warn("parse READY failed", "error", err)
		return
	}
	g.mu.Lock()
	g.sessionID = ready.SessionID
	if ready.ResumeGatewayURL != "" {
		g.resumeURL = ready.ResumeGatewayURL + "/?v=10&encoding=json"
	}
	g.mu.Unlock()
	slog.Info("gateway ready", "session", ready.SessionID)
	if g.handlers.Ready != nil {
		g.handlers.Ready()
	}
}

// handleGuildCreate seeds the state cache with the guild snapshot Discord
// delivers after identify: channels, members, voice states, and presences.
func (g *Gateway) handleGuildCreate(data json.RawMessage) {
	var guild struct {
		ID       string        `json:"id"`
		Channels []wireChannel `json:"channels"`
		Members  []struct {
			User wireUser `json:"user"`
		} `json:"members"`
		VoiceStates []wireVoiceState `json:"voice_states"`
		Presences   []wirePresence   `json:"presences"`
	}
	if err := json.Unmarshal(data, &guild); err != nil {
		slog.Warn("parse GUILD_CREATE failed", "error", err)
		return
	}
	for _, ch := range guild.Channels {
		g.state.SetChannel(ch.ID, ch.Name)
	}
	for _, m := range guild.Members {
		g.state.SetMember(guild.ID, m.User.ID, m.User.Username)
	}
	for _, vs := range guild.VoiceStates {
		g.state.SetVoice(guild.ID, vs.UserID, vs.ChannelID)
	}
	for _, p := range guild.Presences {
		g.state.SetPresence(guild.ID, p.User.ID, toActivities(p.Activities))
	}
	slog.Info("guild snapshot loaded",
		"guild", guild.ID,
		"members", len(guild.Members),
		"voice_states", len(guild.VoiceStates),
		"presences", len(guild.Presences))
}

func (g *Gateway) handlePresence(data json.RawMessage) {
	var p wirePresence
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("parse PRESENCE_UPDATE failed", "error", err)
		return
	}
	current := toActivities(p.Activities)
	previous := g.state.SetPresence(p.GuildID, p.User.ID, current)
	if p.User.Username != "" {
		g.state.SetMember(p.GuildID, p.User.ID, p.User.Username)
	}
	if g.handlers.Presence != nil {
		g.handlers.Presence(PresenceUpdate{
			GuildID:  p.GuildID,
			UserID:   p.User.ID,
			Username: g.state.DisplayName(p.User.ID),
			Previous: previous,
			Current:  current,
		})
	}
}

func (g *Gateway) handleVoiceState(data json.RawMessage) {
	var vs wireVoiceState
	if err := json.Unmarshal(data, &vs); err != nil {
		slog.Warn("parse VOICE_STATE_UPDATE failed", "error", err)
		return
	}
	username := ""
	if vs.Member != nil {
		username = vs.Member.User.Username
		g.state.SetMember(vs.GuildID, vs.UserID, username)
	}
	prevID, prevName := g.state.SetVoice(vs.GuildID, vs.UserID, vs.ChannelID)
	if g.handlers.VoiceState != nil {
		g.handlers.VoiceState(VoiceStateUpdate{
			GuildID:         vs.GuildID,
			UserID:          vs.UserID,
			Username:        g.state.DisplayName(vs.UserID),
			ChannelID:       vs.ChannelID,
			ChannelName:     g.state.ChannelName(vs.ChannelID),
			PrevChannelID:   prevID,
			PrevChannelName: prevName,
		})
	}
}

func (g *Gateway) handleMessage(data json.RawMessage) {
	var msg struct {
		GuildID      string   `json:"guild_id"`
		ChannelID    string   `json:"channel_id"`
		Content      string   `json:"content"`
		Author       wireUser `json:"author"`
		StickerItems []struct {
			ID string `json:"id"`
		} `json:"sticker_items"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("parse MESSAGE_CREATE failed", "error", err)
		return
	}
	if g.handlers.Message != nil {
		g.handlers.Message(MessageCreate{
			GuildID:     msg.GuildID,
			ChannelID:   msg.ChannelID,
			UserID:      msg.Author.ID,
			Username:    msg.Author.Username,
			Content:     msg.Content,
			HasStickers: len(msg.StickerItems) > 0,
			Bot:         msg.Author.Bot,
		})
	}
}

func (g *Gateway) handleReaction(data json.RawMessage) {
	var r struct {
		GuildID string `json:"guild_id"`
		UserID  string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		slog.Warn("parse MESSAGE_REACTION_ADD failed", "error", err)
		return
	}
	if g.handlers.Reaction != nil {
		g.handlers.Reaction(ReactionAdd{GuildID: r.GuildID, UserID: r.UserID})
	}
}

func (g *Gateway) handleMemberAdd(data json.RawMessage) {
	var m struct {
		GuildID string   `json:"guild_id"`
		User    wireUser `json:"user"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("parse GUILD_MEMBER_ADD failed", "error", err)
		return
	}
	g.state.SetMember(m.GuildID, m.User.ID, m.User.Username)
	if g.handlers.MemberJoin != nil {
		g.handlers.MemberJoin(MemberChange{GuildID: m.GuildID, UserID: m.User.ID, Username: m.User.Username, Bot: m.User.Bot})
	}
}

func (g *Gateway) handleMemberRemove(data json.RawMessage) {
	var m struct {
		GuildID string   `json:"guild_id"`
		User    wireUser `json:"user"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("parse GUILD_MEMBER_REMOVE failed", "error", err)
		return
	}
	g.state.RemoveMember(m.GuildID, m.User.ID)
	if g.handlers.MemberLeave != nil {
		g.handlers.MemberLeave(MemberChange{GuildID: m.GuildID, UserID: m.User.ID, Username: m.User.Username, Bot: m.User.Bot})
	}
}

// toActivities converts wire activities to the domain type.
func toActivities(in []wireActivity) []Activity {
	if len(in) == 0 {
		return nil
	}
	out := make([]Activity, 0, len(in))
	for _, a := range in {
		out = append(out, Activity{Name: a.Name, Type: a.Type, ApplicationID: a.ApplicationID})
	}
	return out
}
