package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

const (
	timerDrainSettle   = "drain_settle"
	timerDrainFallback = "drain_fallback"
)

// Metadata tagging the response that speaks the closing sentence.
const (
	responsePurpose = "purpose"
	purposeClosing  = "closing"
)

// ErrSessionClosed is returned when a live call is already gone.
var ErrSessionClosed = errors.New("bridge: session closed")

// CallParams are the provisional call settings read from the upgrade query.
// The start event overwrites whichever of them it carries.
type CallParams struct {
	AMD       string
	Direction string
	Voice     string
}

// Telephony bridges one Twilio media stream to the realtime API.
type Telephony struct {
	id       string
	cfg      Config
	up       realtime.Upstream
	conn     Conn
	w        *socketWriter
	l        *loop
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	now      func() time.Time

	state    State
	activity Activity
	closed   bool

	upstreamConnected bool
	started           bool
	configured        bool
	acceptedAt        time.Time

	streamSID    string
	callSID      string
	direction    twilio.Direction
	machine      bool
	voice        string
	instructions string

	pending []realtime.ClientEvent

	// marks holds the names of sent-but-unacknowledged audio chunks, oldest first.
	marks         []string
	lastItemID    string
	latestMediaTs int64
	playbackStart int64
	anchored      bool

	greetingSent bool
	timeLimitHit bool
	// closingID is the response carrying the closing sentence, once created.
	closingID   string
	drainReason string
}

func NewTelephony(conn Conn, up realtime.Upstream, cfg Config, deps Deps, params CallParams, registry *Registry) *Telephony {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	logger := deps.logger().With("session_id", id, "mode", ModeTelephony)
	t := &Telephony{
		id:           id,
		cfg:          cfg,
		up:           up,
		conn:         conn,
		w:            newSocketWriter(conn, cfg.WriteTimeout, logger),
		l:            newLoop(),
		logger:       logger,
		metrics:      deps.Metrics,
		registry:     registry,
		now:          time.Now,
		state:        StateAccepted,
		direction:    twilio.DirectionUnknown,
		voice:        cfg.Voice,
		instructions: cfg.Instructions,
	}
	t.applyParams(twilio.CallParams{AMD: params.AMD, Direction: params.Direction, Voice: params.Voice})
	return t
}

func (t *Telephony) ID() string { return t.id }

// Run blocks until the call is over.
func (t *Telephony) Run(ctx context.Context) {
	t.acceptedAt = t.now()
	t.metrics.SessionOpened(ModeTelephony)
	t.logger.Info("telephony_session_accepted",
		"direction", string(t.direction),
		"machine", t.machine,
	)
	go t.w.loop()
	go t.readInbound()

	t.l.after(timerHardLimit, t.cfg.HardLimit, t.onHardLimit)
	t.transition(StateUpstreamConnecting, "accepted")
	go func() {
		err := t.up.Connect(ctx, t.cfg.Model)
		t.l.post(func() { t.onUpstreamConnected(err) })
	}()

	t.l.run(ctx, func() { t.shutdown(websocket.CloseGoingAway, ReasonShutdown) })
	<-t.w.finished
}

// UpdateInstructions replaces the assistant instructions of the live call.
func (t *Telephony) UpdateInstructions(text string) error {
	errCh := make(chan error, 1)
	if !t.l.post(func() { errCh <- t.applyInstructions(text) }) {
		return ErrSessionClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-t.l.done:
		return ErrSessionClosed
	}
}

func (t *Telephony) transition(to State, reason string) {
	if t.state == to {
		return
	}
	if !transitionValid(t.state, to) {
		t.logger.Debug("telephony_invalid_transition", "from", t.state.String(), "to", to.String())
		return
	}
	t.logger.Debug("telephony_state", "from", t.state.String(), "to", to.String(), "reason", reason)
	t.state = to
	t.metrics.SessionEvent(ModeTelephony, to.String())
}

func (t *Telephony) readInbound() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.l.post(func() { t.shutdown(websocket.CloseNormalClosure, ReasonPeerClosed) })
			return
		}
		if !t.l.post(func() { t.onFrame(data) }) {
			return
		}
	}
}

func (t *Telephony) onFrame(data []byte) {
	if t.closed {
		return
	}
	evt, err := twilio.ParseEvent(data)
	if err != nil {
		t.logger.Warn("telephony_malformed_frame",
			"reason_code", string(errorsx.ReasonMalformedMessage),
			"error", err.Error(),
		)
		return
	}
	if evt.Event != twilio.EventMedia {
		t.metrics.Message("inbound", evt.Event)
	}
	switch evt.Event {
	case twilio.EventConnected:
		t.logger.Debug("telephony_stream_connected")
	case twilio.EventStart:
		t.onStart(evt)
	case twilio.EventMedia:
		t.onMedia(evt)
	case twilio.EventMark:
		if evt.Mark != nil {
			t.onMark(evt.Mark.Name)
		}
	case twilio.EventStop:
		t.onStop()
	case twilio.EventDTMF:
		if evt.DTMF != nil {
			t.logger.Info("telephony_dtmf", "digit", evt.DTMF.Digit)
		}
	}
}

func (t *Telephony) onStart(evt twilio.Event) {
	streamSID := evt.StreamSID
	if evt.Start != nil {
		if evt.Start.StreamSID != "" {
			streamSID = evt.Start.StreamSID
		}
		if evt.Start.CallSID != "" {
			t.callSID = evt.Start.CallSID
		}
		params, err := evt.Start.CustomParameters.Decode()
		if err != nil {
			t.logger.Warn("telephony_custom_parameters_invalid", "error", err.Error())
		} else {
			t.applyParams(params)
		}
	}
	restarted := t.started
	t.started = true
	t.streamSID = streamSID
	if restarted {
		// A new stream never echoes marks sent on the previous one.
		t.resetPlayback()
	}
	t.registry.add(t.callSID, t)
	t.l.after(timerHardLimit, t.cfg.HardLimit, t.onHardLimit)

	t.logger.Info("telephony_call_started",
		"call_sid", t.callSID,
		"stream_sid", streamSID,
		"direction", string(t.direction),
		"machine", t.machine,
		"voice", t.voice,
		"restarted", restarted,
	)
	t.maybeConfigure()
}

func (t *Telephony) applyParams(p twilio.CallParams) {
	if p.AMD != "" {
		t.machine = twilio.IsMachine(p.AMD)
	}
	if p.Direction != "" {
		t.direction = twilio.NormalizeDirection(p.Direction)
	}
	if p.Voice != "" {
		if ValidVoice(p.Voice) {
			t.voice = p.Voice
		} else {
			t.logger.Warn("telephony_voice_rejected", "voice", p.Voice)
		}
	}
	if p.Instructions != "" {
		t.instructions = p.Instructions
	}
}

func (t *Telephony) onUpstreamConnected(err error) {
	if t.closed {
		return
	}
	if err != nil {
		t.logger.Error("telephony_upstream_connect_failed",
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error(),
		)
		t.metrics.UpstreamError(string(errorsx.ReasonUpstreamConnect))
		t.shutdown(CloseUpstreamUnavailable, ReasonUpstreamFailed)
		return
	}
	t.upstreamConnected = true
	go t.pumpUpstream()
	t.maybeConfigure()
}

// maybeConfigure runs once both the upstream is connected and the start
// parameters are known: configure, flush queued audio, then greet.
func (t *Telephony) maybeConfigure() {
	if t.configured || !t.upstreamConnected || !t.started || t.closed {
		return
	}
	if !t.sendUpstream(realtime.SessionUpdate{Session: t.sessionConfig()}) {
		return
	}
	t.configured = true
	t.transition(StateSessionConfigured, "session_update")

	pending := t.pending
	t.pending = nil
	for _, evt := range pending {
		if !t.sendUpstream(evt) {
			return
		}
	}
	t.dispatchGreeting()
	if t.closed {
		return
	}
	t.transition(StateActive, "greeting")
}

func (t *Telephony) sessionConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		TurnDetection:     &realtime.TurnDetection{Type: "server_vad"},
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		Voice:             t.voice,
		Instructions:      t.instructions,
		Modalities:        []string{"text", "audio"},
	}
}

func (t *Telephony) dispatchGreeting() {
	if t.greetingSent {
		return
	}
	t.greetingSent = true
	text := t.cfg.Prompts.Greeting(t.machine, t.direction)
	if !t.sendUpstream(realtime.UserText(text)) {
		return
	}
	if !t.sendUpstream(realtime.ResponseCreate{}) {
		return
	}
	kind := string(t.direction)
	if t.machine {
		kind = "voicemail"
	}
	t.metrics.SessionEvent(ModeTelephony, "greeting_"+kind)
	t.logger.Info("telephony_greeting_sent", "kind", kind)
}

func (t *Telephony) applyInstructions(text string) error {
	if t.closed {
		return ErrSessionClosed
	}
	t.instructions = text
	if !t.configured {
		return nil
	}
	if err := t.up.Send(context.Background(), realtime.SessionUpdate{Session: t.sessionConfig()}); err != nil {
		t.logger.Warn("telephony_instructions_update_failed", "error", err.Error())
		return err
	}
	t.logger.Info("telephony_instructions_updated", "call_sid", t.callSID)
	return nil
}

func (t *Telephony) onMedia(evt twilio.Event) {
	if evt.Media == nil {
		return
	}
	if ts, ok := evt.Media.TimestampMs(); ok {
		t.latestMediaTs = ts
	}
	if evt.Media.Payload == "" {
		return
	}
	chunk := realtime.InputAudioAppend{Audio: evt.Media.Payload}
	if !t.configured {
		if len(t.pending) >= t.cfg.MaxPending {
			t.logger.Warn("telephony_pending_overflow", "pending", len(t.pending))
			t.shutdown(ClosePendingOverflow, ReasonPendingOverflow)
			return
		}
		t.pending = append(t.pending, chunk)
		return
	}
	t.sendUpstream(chunk)
}

func (t *Telephony) onMark(name string) {
	for i, m := range t.marks {
		if m == name {
			// Twilio acknowledges in order; anything older has played too.
			t.marks = t.marks[i+1:]
			break
		}
	}
	if len(t.marks) > 0 {
		return
	}
	t.anchored = false
	if t.activity == ActivityAssistantSpeaking {
		t.activity = ActivityIdle
	}
	if t.state == StateDraining {
		t.checkDrain()
	}
}

func (t *Telephony) onStop() {
	if !t.greetingSent && t.now().Sub(t.acceptedAt) < t.cfg.SpuriousStopGrace {
		t.logger.Warn("telephony_spurious_stop_ignored",
			"since_accept_ms", t.now().Sub(t.acceptedAt).Milliseconds(),
		)
		t.metrics.SessionEvent(ModeTelephony, "spurious_stop")
		return
	}
	t.shutdown(websocket.CloseNormalClosure, ReasonCallerHangup)
}

func (t *Telephony) pumpUpstream() {
	for evt := range t.up.Events() {
		if !t.l.post(func() { t.onUpstreamEvent(evt) }) {
			return
		}
	}
	err := t.up.Err()
	t.l.post(func() {
		if err != nil {
			t.logger.Warn("telephony_upstream_lost", "error", err.Error())
			t.metrics.UpstreamError(string(errorsx.ReasonUpstreamClosed))
		}
		t.shutdown(websocket.CloseNormalClosure, ReasonUpstreamClosed)
	})
}

func (t *Telephony) onUpstreamEvent(evt realtime.ServerEvent) {
	if t.closed {
		return
	}
	switch e := evt.(type) {
	case realtime.AudioDelta:
		t.onAudioDelta(e)
	case realtime.SpeechStarted:
		t.onSpeechStarted(e)
	case realtime.ResponseCreated:
		if t.timeLimitHit && t.closingID == "" && isClosingResponse(e.Response) {
			t.closingID = e.Response.ID
		}
	case realtime.ResponseDone:
		t.onResponseDone(e)
	case realtime.SessionCreated:
		t.logger.Debug("telephony_upstream_session_created", "upstream_session_id", e.Session.ID)
	case realtime.ErrorEvent:
		t.logger.Warn("telephony_upstream_error",
			"code", e.Error.Code,
			"message", redact.Text(e.Error.Message),
		)
		t.metrics.UpstreamError(e.Error.Code)
	case realtime.Passthrough:
	}
}

func (t *Telephony) onAudioDelta(e realtime.AudioDelta) {
	if t.streamSID == "" || e.Delta == "" {
		return
	}
	// After the limit only the closing sentence is played.
	if t.timeLimitHit && e.ResponseID != "" && e.ResponseID != t.closingID {
		return
	}
	if !t.anchored {
		t.playbackStart = t.latestMediaTs
		t.anchored = true
	}
	if e.ItemID != "" {
		t.lastItemID = e.ItemID
	}
	media, err := twilio.MediaMessage(t.streamSID, e.Delta)
	if err != nil {
		return
	}
	name := uuid.NewString()
	mark, err := twilio.MarkMessage(t.streamSID, name)
	if err != nil {
		return
	}
	t.w.send(media)
	t.w.send(mark)
	t.marks = append(t.marks, name)
	t.activity = ActivityAssistantSpeaking
}

func (t *Telephony) onSpeechStarted(e realtime.SpeechStarted) {
	if t.machine {
		t.logger.Debug("telephony_barge_in_suppressed", "audio_start_ms", e.AudioStartMs)
		return
	}
	t.activity = ActivityCallerSpeaking
	if len(t.marks) == 0 {
		return
	}
	played := t.latestMediaTs - t.playbackStart
	if played < 0 {
		played = 0
	}
	if t.lastItemID != "" {
		t.sendUpstream(realtime.ConversationItemTruncate{
			ItemID:       t.lastItemID,
			ContentIndex: 0,
			AudioEndMs:   played,
		})
		if t.closed {
			return
		}
	}
	if clear, err := twilio.ClearMessage(t.streamSID); err == nil {
		t.w.send(clear)
	}
	t.logger.Info("telephony_barge_in",
		"item_id", t.lastItemID,
		"audio_end_ms", played,
		"unplayed_chunks", len(t.marks),
	)
	t.metrics.SessionEvent(ModeTelephony, "barge_in")
	t.resetPlayback()
}

func (t *Telephony) resetPlayback() {
	t.marks = nil
	t.anchored = false
	t.playbackStart = 0
}

func (t *Telephony) onResponseDone(e realtime.ResponseDone) {
	t.logger.Debug("telephony_response_done", "response_id", e.Response.ID, "status", e.Response.Status)
	switch {
	case t.machine && t.greetingSent:
		t.beginDrain(ReasonVoicemailComplete)
	case t.timeLimitHit && isClosingResponse(e.Response):
		t.beginDrain(ReasonCallTimeLimit)
	}
}

func isClosingResponse(r realtime.ResponseInfo) bool {
	return r.Metadata[responsePurpose] == purposeClosing
}

// beginDrain waits for the caller to hear everything already sent, then closes.
func (t *Telephony) beginDrain(reason string) {
	if t.state == StateDraining {
		return
	}
	t.drainReason = reason
	t.transition(StateDraining, reason)
	t.logger.Info("telephony_draining", "reason", reason, "unplayed_chunks", len(t.marks))
	if !t.l.armed(timerDrainFallback) {
		t.l.after(timerDrainFallback, t.cfg.DrainFallback, func() {
			t.shutdown(websocket.CloseNormalClosure, reason)
		})
	}
	t.checkDrain()
}

func (t *Telephony) checkDrain() {
	if len(t.marks) > 0 {
		return
	}
	t.l.after(timerDrainSettle, t.cfg.DrainSettle, func() {
		if len(t.marks) == 0 {
			t.shutdown(websocket.CloseNormalClosure, t.drainReason)
		}
	})
}

func (t *Telephony) onHardLimit() {
	if t.closed || t.timeLimitHit {
		return
	}
	t.timeLimitHit = true
	t.logger.Info("telephony_time_limit", "call_sid", t.callSID, "limit", t.cfg.HardLimit.String())
	t.metrics.SessionEvent(ModeTelephony, "time_limit")
	if !t.configured {
		t.shutdown(websocket.CloseNormalClosure, ReasonCallTimeLimit)
		return
	}
	t.l.after(timerDrainFallback, t.cfg.DrainFallback, func() {
		t.shutdown(websocket.CloseNormalClosure, ReasonCallTimeLimit)
	})
	// Whatever is still being said is cut so the closing sentence can start.
	if !t.sendUpstream(realtime.ResponseCancel{}) {
		return
	}
	if len(t.marks) > 0 {
		if clear, err := twilio.ClearMessage(t.streamSID); err == nil {
			t.w.send(clear)
		}
		t.resetPlayback()
	}
	if !t.sendUpstream(realtime.UserText(t.cfg.Prompts.closingTurn())) {
		return
	}
	t.sendUpstream(realtime.ResponseCreate{Metadata: map[string]string{responsePurpose: purposeClosing}})
}

func (t *Telephony) sendUpstream(evt realtime.ClientEvent) bool {
	if err := t.up.Send(context.Background(), evt); err != nil {
		t.logger.Warn("telephony_upstream_send_failed",
			"event", evt.EventType(),
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error(),
		)
		t.metrics.UpstreamError(string(errorsx.ReasonUpstreamSend))
		t.shutdown(websocket.CloseInternalServerErr, ReasonUpstreamClosed)
		return false
	}
	return true
}

// shutdown is terminal. Each step runs regardless of the others.
func (t *Telephony) shutdown(code int, reason string) {
	if t.closed {
		return
	}
	t.closed = true
	t.transition(StateClosing, reason)
	t.l.stop()
	t.w.close(code, reason)
	if err := t.up.Disconnect(); err != nil {
		t.logger.Debug("telephony_upstream_disconnect", "error", err.Error())
	}
	t.registry.remove(t.callSID, t)
	t.state = StateClosed
	t.metrics.SessionClosed(ModeTelephony, reason)
	t.logger.Info("telephony_session_closed",
		"reason", reason,
		"call_sid", t.callSID,
		"duration_ms", t.now().Sub(t.acceptedAt).Milliseconds(),
	)
}
