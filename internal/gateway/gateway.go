// Package gateway runs the interactive turn pipeline: inbound provider
// messages are normalized and persisted, burst-batched per chat, cleaned,
// and dispatched as one agent turn whose streamed output is delivered
// back through the messenger.
//
// Persistence comes first: every message is written to the store before
// it enters the debounce window, so the chat cursor replays anything a
// crash or shutdown drops between arrival and dispatch.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/datetime"
	"github.com/dotclaw/dotclaw/internal/debounce"
	"github.com/dotclaw/dotclaw/internal/hygiene"
	"github.com/dotclaw/dotclaw/internal/lanes"
	"github.com/dotclaw/dotclaw/internal/messenger"
	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/sandbox"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/stream"
	"github.com/dotclaw/dotclaw/internal/workflow"
	"github.com/dotclaw/dotclaw/internal/workspace"
	"github.com/dotclaw/dotclaw/pkg/models"
)

// turnBatchLimit caps how many unread messages one turn consumes; the
// remainder lands in the immediately following pass.
const turnBatchLimit = 50

// relayGrace bounds the wait for the stream relay once the dispatch has
// returned. Conforming runtimes write their sentinel before exiting, so
// the grace only pays out when a runtime dies without one.
const relayGrace = 5 * time.Second

// persistTimeout bounds the detached writes and sends that finish a turn
// after its own context has expired.
const persistTimeout = 30 * time.Second

// defaultHandlerTimeout bounds a turn when the handler timeout is unset.
const defaultHandlerTimeout = 2 * time.Minute

// errMsgMax caps the error text persisted on a failed queue entry.
const errMsgMax = 500

// planFencePattern matches the fenced plan block an agent appends to its
// reply when it wants sub-tasks fanned out as background jobs.
var planFencePattern = regexp.MustCompile("(?s)```dotclaw-plan\\s*\\n(.*?)```")

// Inbound is one raw provider message. Timestamp accepts the shapes
// providers emit (epoch seconds or millis, numeric strings, ISO 8601);
// unusable values fall back to the host clock.
type Inbound struct {
	MsgID      string `json:"msg_id"`
	ChatID     string `json:"chat_id"`
	ChatName   string `json:"chat_name,omitempty"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Body       string `json:"body"`
	Timestamp  any    `json:"timestamp,omitempty"`
	FromSelf   bool   `json:"from_self,omitempty"`

	// Group is the tenant the chat belongs to; empty means the primary
	// group.
	Group string `json:"group,omitempty"`
}

// Dispatcher executes one agent turn. *agent.Runner satisfies it.
type Dispatcher interface {
	Run(ctx context.Context, req agent.RunRequest) (agent.RunResult, error)
}

// Flows runs validated orchestration plans. *workflow.Orchestrator
// satisfies it.
type Flows interface {
	Run(ctx context.Context, req workflow.RunRequest) (workflow.Result, error)
}

// chatState serializes turns per chat: one runs at a time, and a flush
// arriving mid-turn queues exactly one follow-up pass.
type chatState struct {
	running bool
	again   bool
	group   string
}

// Gateway owns the interactive pipeline for every chat: ingest, debounce,
// cursor-driven turn assembly, dispatch and delivery.
type Gateway struct {
	cfg     *config.Config
	store   *store.Store
	disp    Dispatcher
	msgr    messenger.Messenger
	flows   Flows
	layout  workspace.Layout
	watcher *stream.Watcher

	base    *slog.Logger
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	batcher      *debounce.Batcher[string]
	spawnLimiter *rate.Limiter

	mu      sync.Mutex
	chats   map[string]*chatState
	runCtx  context.Context
	started bool
	stopped bool

	wg sync.WaitGroup
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.base = logger
		}
	}
}

// WithGatewayMetrics attaches turn and stream counters.
func WithGatewayMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithGatewayNow injects the clock used for fallback timestamps.
func WithGatewayNow(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithWorkflows wires the orchestrator that executes plan directives.
// Without one, directives are logged and dropped.
func WithWorkflows(f Flows) GatewayOption {
	return func(g *Gateway) { g.flows = f }
}

// New builds the gateway. Nothing dispatches until Start.
func New(cfg *config.Config, st *store.Store, disp Dispatcher, m messenger.Messenger, layout workspace.Layout, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		store:  st,
		disp:   disp,
		msgr:   m,
		layout: layout,
		base:   slog.Default(),
		now:    time.Now,
		chats:  make(map[string]*chatState),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.base.With("component", "gateway")

	g.watcher = stream.NewWatcher(cfg.Host.Streaming,
		stream.WithWatcherLogger(g.base),
		stream.WithWatcherMetrics(g.metrics),
	)

	delays := debounce.Config{
		BaseMs:   cfg.Telegram.DebounceMs,
		ByChatMs: cfg.Telegram.DebounceByChat,
	}
	g.batcher = debounce.NewBatcher[string](delays.DelayFor, g.flush)

	if auto := cfg.Host.BackgroundJobs.AutoSpawn; auto.MaxPerHour > 0 {
		g.spawnLimiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(auto.MaxPerHour)), auto.MaxPerHour)
	} else {
		g.spawnLimiter = rate.NewLimiter(rate.Inf, 0)
	}
	return g
}

// Start arms the pipeline. Turns spawned afterwards derive from ctx, so
// canceling it aborts in-flight dispatches.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("gateway: already started")
	}
	g.started = true
	g.runCtx = ctx
	return nil
}

// Stop refuses further batches and waits for in-flight turns, bounded by
// ctx. Pending batches are dropped: their messages are already persisted
// and replay through the cursor on the next start.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.batcher.Stop()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ingest normalizes and persists one provider message, then schedules the
// chat's debounce window. Self-authored messages are persisted for
// history but never trigger a turn.
func (g *Gateway) Ingest(ctx context.Context, msg Inbound) error {
	if msg.MsgID == "" || msg.ChatID == "" {
		return errors.New("gateway: message and chat ids required")
	}
	ts, ok := datetime.NormalizeTimestamp(msg.Timestamp)
	if !ok {
		ts = g.now().UTC()
	}

	if err := g.store.UpsertChat(ctx, models.Chat{
		ID:           msg.ChatID,
		DisplayName:  msg.ChatName,
		LastActivity: ts,
	}); err != nil {
		return err
	}
	if err := g.store.InsertMessage(ctx, models.ChatMessage{
		MsgID:      msg.MsgID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Body:       msg.Body,
		Timestamp:  ts,
		FromSelf:   msg.FromSelf,
	}); err != nil {
		return err
	}
	if msg.FromSelf {
		return nil
	}

	group := strings.TrimSpace(msg.Group)
	if group == "" {
		group = g.cfg.PrimaryGroup
	}
	g.batcher.Add(msg.ChatID, group)
	return nil
}

// flush is the debounce callback: it marks the chat dirty and makes sure
// exactly one turn loop is draining it.
func (g *Gateway) flush(chatID string, groups []string) {
	if len(groups) == 0 {
		return
	}
	group := groups[len(groups)-1]

	g.mu.Lock()
	if g.runCtx == nil || g.stopped {
		g.mu.Unlock()
		return
	}
	st, ok := g.chats[chatID]
	if !ok {
		st = &chatState{}
		g.chats[chatID] = st
	}
	st.group = group
	if st.running {
		st.again = true
		g.mu.Unlock()
		return
	}
	st.running = true
	ctx := g.runCtx

	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		g.turnLoop(ctx, chatID, st)
	}()
}

// turnLoop drains the chat: one turn per pass, re-running while flushes
// arrived mid-turn, then parks.
func (g *Gateway) turnLoop(ctx context.Context, chatID string, st *chatState) {
	for {
		g.mu.Lock()
		group := st.group
		g.mu.Unlock()

		g.turn(ctx, chatID, group)

		g.mu.Lock()
		if !st.again || ctx.Err() != nil {
			delete(g.chats, chatID)
			g.mu.Unlock()
			return
		}
		st.again = false
		g.mu.Unlock()
	}
}

// turn consumes everything past the chat cursor as one agent dispatch.
// The cursor advances whether or not the dispatch succeeded: a poison
// message must not wedge the chat, and the user sees a classified error
// instead of silence.
func (g *Gateway) turn(ctx context.Context, chatID, group string) {
	ctx, cancel := context.WithTimeout(ctx, g.handlerTimeout())
	defer cancel()
	start := g.now()

	cursor, err := g.store.GetCursor(ctx, chatID)
	if err != nil {
		g.logger.Warn("cursor read failed", "chat", chatID, "error", err)
		return
	}
	msgs, err := g.store.MessagesSince(ctx, cursor, turnBatchLimit)
	if err != nil {
		g.logger.Warn("message read failed", "chat", chatID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	tail := msgs[len(msgs)-1]
	next := models.ChatCursor{
		ChatID:        chatID,
		LastSeenTS:    tail.Timestamp,
		LastSeenMsgID: tail.MsgID,
	}

	report := hygiene.Apply(msgs)
	if len(report.Messages) == 0 {
		g.advance(ctx, next)
		return
	}
	prompt := renderPrompt(report.Messages)
	userID := report.Messages[len(report.Messages)-1].SenderID

	traceID := uuid.NewString()
	queueID, qErr := g.store.EnqueueTurn(ctx, chatID, group, prompt)
	if qErr != nil {
		g.logger.Warn("turn enqueue failed", "chat", chatID, "error", qErr)
	}

	sessionID := g.sessionFor(ctx, group)
	streamDir := filepath.Join(g.layout.IPCDir, traceID)
	editor := stream.NewEditor(g.msgr, chatID, g.cfg.Host.Streaming,
		stream.WithEditorLogger(g.base),
		stream.WithEditorMetrics(g.metrics),
	)

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	relayCh := make(chan relayOutcome, 1)
	go func() {
		result, err := stream.Relay(relayCtx, g.watcher, editor, streamDir)
		relayCh <- relayOutcome{result: result, err: err}
	}()

	res, runErr := g.disp.Run(ctx, agent.RunRequest{
		Request: sandbox.Request{
			Group:        group,
			ChatID:       chatID,
			Prompt:       prompt,
			SessionID:    sessionID,
			ContextMode:  string(models.ContextGroup),
			Lane:         string(lanes.Interactive),
			UseSemaphore: true,
			UseGroupLock: true,
			StreamDir:    streamDir,
			TraceID:      traceID,
			Source:       "interactive",
		},
		UserID:      userID,
		RecallQuery: prompt,
	})

	relay := g.awaitRelay(relayCh, stopRelay, runErr == nil)
	if relay.err != nil && !errors.Is(relay.err, context.Canceled) {
		g.logger.Warn("stream relay failed", "chat", chatID, "error", relay.err)
	}
	if relay.result.Sentinel == stream.SentinelError && relay.result.Error != "" {
		g.logger.Warn("stream reported error", "chat", chatID, "error", relay.result.Error)
	}

	// The turn context may already be gone; finishing writes and sends
	// ride a detached one.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelFinish()

	g.advance(finishCtx, next)

	ok := runErr == nil && res.Output.OK()
	errMsg := ""
	reply := ""
	var planRaw []byte
	hasPlan := false
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
		g.sendFailure(finishCtx, chatID, runErr)
	case !res.Output.OK():
		errMsg = res.Output.Error
		g.sendFailure(finishCtx, chatID, errors.New(res.Output.Error))
	default:
		reply, planRaw, hasPlan = extractPlan(res.Output.Result)
		if editor.MessageID() == "" && reply != "" {
			if _, err := g.msgr.SendMessage(finishCtx, chatID, reply); err != nil {
				g.logger.Warn("turn reply failed", "chat", chatID, "error", err)
			}
		}
	}

	if qErr == nil {
		if err := g.store.FinishTurn(finishCtx, queueID, ok, truncateRunes(errMsg, errMsgMax)); err != nil {
			g.logger.Warn("turn finish failed", "chat", chatID, "error", err)
		}
	}
	detail := fmt.Sprintf("status=%s model=%s attempts=%d chunks=%d",
		turnStatus(ok), res.Model, res.Attempts, relay.result.Chunks)
	if err := g.store.RecordTrace(finishCtx, traceID, chatID, group, "interactive", detail); err != nil {
		g.logger.Warn("trace record failed", "chat", chatID, "error", err)
	}

	if hasPlan {
		g.spawnPlan(chatID, group, traceID, planRaw)
	}

	if g.metrics != nil {
		g.metrics.TurnsTotal.WithLabelValues(turnStatus(ok)).Inc()
	}
	logFn := g.logger.Info
	if !ok {
		logFn = g.logger.Warn
	}
	logFn("turn finished",
		"chat", chatID,
		"group", group,
		"status", turnStatus(ok),
		"messages", len(msgs),
		"attempts", res.Attempts,
		"chunks", relay.result.Chunks,
		"duration_ms", g.now().Sub(start).Milliseconds(),
	)
}

type relayOutcome struct {
	result stream.WatchResult
	err    error
}

// awaitRelay collects the relay outcome. A failed dispatch cuts the relay
// immediately; a successful one gets a short grace for the sentinel the
// runtime wrote on its way out.
func (g *Gateway) awaitRelay(ch <-chan relayOutcome, stop context.CancelFunc, graceful bool) relayOutcome {
	if graceful {
		select {
		case out := <-ch:
			return out
		case <-time.After(relayGrace):
		}
	}
	stop()
	return <-ch
}

// advance moves the chat cursor past the consumed batch.
func (g *Gateway) advance(ctx context.Context, cursor models.ChatCursor) {
	if err := g.store.AdvanceCursor(ctx, cursor); err != nil {
		g.logger.Warn("cursor advance failed", "chat", cursor.ChatID, "error", err)
	}
}

// sendFailure delivers one classified, user-facing line for a failed
// turn.
func (g *Gateway) sendFailure(ctx context.Context, chatID string, runErr error) {
	message := runErr.Error()
	var fe *agent.FailoverError
	if errors.As(runErr, &fe) {
		message = fe.Envelope.Message
	}
	friendly, _ := agent.Humanize(message)
	if _, err := g.msgr.SendMessage(ctx, chatID, friendly); err != nil {
		g.logger.Warn("failure notice failed", "chat", chatID, "error", err)
	}
}

// sessionFor returns the group's live session id, minting one on first
// use. A persistence failure still returns the fresh id: the dispatch
// proceeds and the binding simply reverts on restart.
func (g *Gateway) sessionFor(ctx context.Context, group string) string {
	session, err := g.store.GroupSession(ctx, group)
	if err == nil && session.SessionID != "" {
		return session.SessionID
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("session lookup failed", "group", group, "error", err)
	}
	id := uuid.NewString()
	if err := g.store.SetGroupSession(ctx, group, id); err != nil {
		g.logger.Warn("session bind failed", "group", group, "error", err)
	}
	return id
}

// spawnPlan validates and launches an agent-initiated fan-out. The run
// rides the gateway's lifetime context: it outlives the turn that asked
// for it, and the joined result goes back to the chat as a regular send.
func (g *Gateway) spawnPlan(chatID, group, traceID string, raw []byte) {
	auto := g.cfg.Host.BackgroundJobs.AutoSpawn
	if !auto.Enabled || g.flows == nil {
		g.logger.Info("plan directive ignored", "chat", chatID, "auto_spawn", auto.Enabled)
		return
	}
	if !g.spawnLimiter.Allow() {
		g.logger.Warn("plan directive rate limited", "chat", chatID, "group", group)
		return
	}
	plan, err := workflow.ParsePlan(raw)
	if err != nil {
		g.logger.Warn("plan directive rejected", "chat", chatID, "error", err)
		return
	}

	g.mu.Lock()
	ctx := g.runCtx
	stopped := g.stopped
	if ctx != nil && !stopped {
		g.wg.Add(1)
	}
	g.mu.Unlock()
	if ctx == nil || stopped {
		return
	}

	go func() {
		defer g.wg.Done()
		result, err := g.flows.Run(ctx, workflow.RunRequest{
			Group:   group,
			ChatID:  chatID,
			TraceID: traceID,
			Plan:    plan,
		})
		if err != nil {
			g.logger.Warn("workflow run failed", "chat", chatID, "error", err)
			return
		}
		g.notifyWorkflow(chatID, result)
	}()
}

// notifyWorkflow reports a joined fan-out back to the chat.
func (g *Gateway) notifyWorkflow(chatID string, result workflow.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %s %s.", result.RunID, result.Status)
	for _, task := range result.Tasks {
		fmt.Fprintf(&b, "\n- %s: %s", task.Name, task.Status)
	}
	if result.AggregatedResult != "" {
		b.WriteString("\n\n")
		b.WriteString(result.AggregatedResult)
	}
	if _, err := g.msgr.SendMessage(ctx, chatID, b.String()); err != nil {
		g.logger.Warn("workflow notice failed", "chat", chatID, "error", err)
	}
}

func (g *Gateway) handlerTimeout() time.Duration {
	if ms := g.cfg.Telegram.HandlerTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultHandlerTimeout
}

// renderPrompt folds the cleaned batch into one turn prompt. A single
// message passes through bare; a burst keeps sender attribution so the
// agent sees who said what.
func renderPrompt(msgs []models.ChatMessage) string {
	if len(msgs) == 1 {
		return msgs[0].Body
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(m.Body)
	}
	return b.String()
}

// extractPlan splits a plan directive out of the agent's reply. The
// visible text keeps everything around the fence.
func extractPlan(result string) (visible string, raw []byte, ok bool) {
	trimmed := strings.TrimSpace(result)
	match := planFencePattern.FindStringSubmatchIndex(trimmed)
	if match == nil {
		return trimmed, nil, false
	}
	raw = []byte(trimmed[match[2]:match[3]])
	visible = strings.TrimSpace(trimmed[:match[0]] + trimmed[match[1]:])
	return visible, raw, true
}

func turnStatus(ok bool) string {
	if ok {
		return "succeeded"
	}
	return "failed"
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
