package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/endpoint"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/speech/client"
	"github.com/MrWong99/murmur/internal/transcript"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// catchUpPause is slept between idle batches once the capture backlog is
// drained.
const catchUpPause = 10 * time.Millisecond

// deepSleepSettle is waited after waking from deep sleep.
const deepSleepSettle = 500 * time.Millisecond

// Listener is the part of the capture stage the assistant drives.
type Listener interface {
	SetListen(on bool)
	Flush()
	Len() int
}

// Waker is the part of the wake-word detector the assistant drives.
type Waker interface {
	Check(ctx context.Context) (bool, error)
	Reset()
}

// Recorder records one utterance.
type Recorder interface {
	Record(ctx context.Context, opts ...endpoint.RecordOption) (endpoint.Utterance, error)
}

// Voice speaks through the speech client.
type Voice interface {
	Speak(ctx context.Context, text string) (client.Result, error)
	SpeakAndRearm(ctx context.Context, text string) (client.Result, error)
	Config() client.Config
}

// AssistantOption configures an [Assistant].
type AssistantOption func(*Assistant)

// WithAssistantClock replaces time.Now for the inactivity timer.
func WithAssistantClock(now func() time.Time) AssistantOption {
	return func(a *Assistant) { a.now = now }
}

// WithAssistantSleep replaces the context-aware sleep used for cooldowns.
func WithAssistantSleep(sleep func(ctx context.Context, d time.Duration)) AssistantOption {
	return func(a *Assistant) { a.sleep = sleep }
}

// WithConversationIDs replaces the conversation id generator.
func WithConversationIDs(gen func() string) AssistantOption {
	return func(a *Assistant) { a.newConversation = gen }
}

// Assistant is the conversation loop: wait for the wake word, confirm,
// record, transcribe, answer and keep listening for follow-ups until the
// user goes quiet or says a stop phrase.
type Assistant struct {
	cfg       config.AssistantConfig
	listener  Listener
	waker     Waker
	recorder  Recorder
	voice     Voice
	stt       stt.Transcriber
	matcher   *transcript.Matcher
	responder Responder

	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration)
	newConversation func() string

	lastActivity time.Time
	asleep       bool
}

// errExit ends Run after an exit phrase.
var errExit = errors.New("app: exit requested")

// NewAssistant returns an assistant. cfg is expected to have its defaults
// applied.
func NewAssistant(
	cfg config.AssistantConfig,
	listener Listener,
	waker Waker,
	recorder Recorder,
	voice Voice,
	transcriber stt.Transcriber,
	matcher *transcript.Matcher,
	responder Responder,
	opts ...AssistantOption,
) *Assistant {
	a := &Assistant{
		cfg:             cfg,
		listener:        listener,
		waker:           waker,
		recorder:        recorder,
		voice:           voice,
		stt:             transcriber,
		matcher:         matcher,
		responder:       responder,
		now:             time.Now,
		sleep:           sleepCtx,
		newConversation: uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	if a.matcher == nil {
		a.matcher = transcript.New()
	}
	if a.cfg.CatchUpChunks <= 0 {
		a.cfg.CatchUpChunks = 20
	}
	return a
}

// Run speaks the ready prompt and serves conversations until an exit phrase
// is heard (nil) or ctx ends (ctx.Err()).
func (a *Assistant) Run(ctx context.Context) error {
	a.lastActivity = a.now()
	if p := a.cfg.Prompts.Ready; p != "" {
		a.say(ctx, p, true)
	}
	for {
		slog.Info("app: waiting for wake word")
		if err := a.awaitWake(ctx); err != nil {
			return err
		}
		err := a.converse(ctx)
		a.listener.Flush()
		a.waker.Reset()
		switch {
		case errors.Is(err, errExit):
			slog.Info("app: exit phrase heard, stopping")
			return nil
		case err != nil:
			return err
		}
	}
}

// awaitWake scores hops until the wake word fires. Between batches it
// checks the inactivity timer and enters deep sleep once it expires.
func (a *Assistant) awaitWake(ctx context.Context) error {
	for {
		for n := 1; ; n++ {
			woke, err := a.waker.Check(ctx)
			if err != nil {
				return err
			}
			if woke {
				return a.woken(ctx)
			}
			q := a.listener.Len()
			if q == 0 || n >= a.cfg.CatchUpChunks || (n > 1 && q < 2) {
				if n >= a.cfg.CatchUpChunks && q > 0 {
					slog.Debug("app: wake loop lagging", "processed", n, "queued", q)
				}
				break
			}
		}

		if !a.asleep && a.cfg.DeepSleepAfter > 0 && a.now().Sub(a.lastActivity) > a.cfg.DeepSleepAfter {
			slog.Info("app: entering deep sleep", "idle", a.now().Sub(a.lastActivity))
			a.asleep = true
			if p := a.cfg.Prompts.DeepSleep; p != "" {
				a.say(ctx, p, false)
			}
			a.listener.Flush()
		}
		a.sleep(ctx, catchUpPause)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (a *Assistant) woken(ctx context.Context) error {
	if a.asleep {
		slog.Info("app: waking from deep sleep")
		a.asleep = false
		a.waker.Reset()
		a.listener.Flush()
		a.sleep(ctx, deepSleepSettle)
	}
	a.lastActivity = a.now()
	return ctx.Err()
}

// Asleep reports whether the assistant is in deep sleep.
func (a *Assistant) Asleep() bool { return a.asleep }

// converse runs one conversation: the wake turn and its follow-ups. It
// returns errExit when the user asked to stop the program.
func (a *Assistant) converse(ctx context.Context) error {
	conv := a.newConversation()
	ctx, span := observe.StartSpan(ctx, "assistant.conversation")
	span.SetAttributes(attribute.String("conversation", conv))
	defer span.End()

	slog.Info("app: wake word detected", "conversation", conv)
	a.listener.SetListen(false)
	a.listener.Flush()
	if p := a.cfg.Prompts.Confirm; p != "" {
		a.say(ctx, p, false)
	}
	cd := a.cfg.ConfirmCooldown
	if cd == 0 {
		cd = a.voice.Config().Cooldown
	}
	a.sleep(ctx, cd)
	a.listener.Flush()
	a.listener.SetListen(true)
	if err := ctx.Err(); err != nil {
		return err
	}

	text, err := a.listen(ctx, 0)
	if err != nil || text == "" {
		return err
	}
	if a.matcher.IsExit(text) {
		a.say(ctx, a.cfg.Prompts.Byebye, false)
		return errExit
	}
	if err := a.answer(ctx, Turn{Conversation: conv, Text: text}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	limit := a.cfg.FollowUp.MaxTurns
	if limit < 0 {
		return nil
	}
	for turns := 0; limit == 0 || turns < limit; turns++ {
		a.followUpCooldown(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		text, err := a.listen(ctx, a.cfg.FollowUp.Arm)
		if err != nil {
			return err
		}
		if text == "" {
			slog.Info("app: no follow-up", "conversation", conv)
			a.say(ctx, a.cfg.Prompts.EndOfChat, false)
			return nil
		}
		if a.matcher.IsExit(text) {
			a.say(ctx, a.cfg.Prompts.Byebye, false)
			return errExit
		}
		if a.matcher.IsStop(text) {
			a.say(ctx, a.cfg.Prompts.EndOfChat, false)
			return nil
		}
		if err := a.answer(ctx, Turn{Conversation: conv, Text: text, FollowUp: true}); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	slog.Info("app: follow-up limit reached", "conversation", conv, "turns", limit)
	return nil
}

// followUpCooldown pauses before a follow-up recording. With barge-in the
// speech client leaves capture open, so it is muted here for the longer of
// both cooldowns.
func (a *Assistant) followUpCooldown(ctx context.Context) {
	d := a.cfg.FollowUp.Cooldown
	vc := a.voice.Config()
	if vc.BargeIn {
		d = max(d, vc.Cooldown)
		a.listener.SetListen(false)
	}
	a.sleep(ctx, d)
	a.listener.Flush()
	if vc.BargeIn {
		a.listener.SetListen(true)
	}
}

// listen records and transcribes one utterance. noSpeech overrides the
// recorder's no-speech timeout when positive. An empty result means
// nothing usable was said, which includes a recognizer failure.
func (a *Assistant) listen(ctx context.Context, noSpeech time.Duration) (string, error) {
	var opts []endpoint.RecordOption
	if noSpeech > 0 {
		opts = append(opts, endpoint.WithNoSpeechTimeout(noSpeech))
	}
	utt, err := a.recorder.Record(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("app: record: %w", err)
	}
	if utt.Duration() < a.cfg.MinUtterance {
		slog.Info("app: silence", "duration", utt.Duration(), "outcome", utt.Outcome)
		return "", nil
	}
	a.lastActivity = a.now()

	tr, err := a.stt.Transcribe(ctx, utt.PCM, utt.SampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Error("app: transcription failed", "err", err)
		return "", nil
	}
	text := a.matcher.StripWake(tr.Text)
	if text == "" {
		slog.Info("app: empty transcript", "raw", tr.Text)
		return "", nil
	}
	slog.Info("app: user", "text", text, "stt_elapsed", tr.Elapsed)
	return text, nil
}

// answer asks the responder and speaks its reply. Responder failures are
// announced and do not end the conversation loop.
func (a *Assistant) answer(ctx context.Context, turn Turn) error {
	reply, err := a.responder.Respond(ctx, turn)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("app: responder failed", "conversation", turn.Conversation, "err", err)
		a.say(ctx, a.cfg.Prompts.Failure, true)
		return nil
	}
	if reply != "" {
		slog.Info("app: assistant", "text", reply, "followup", turn.FollowUp)
		a.say(ctx, reply, true)
	}
	a.lastActivity = a.now()
	return nil
}

// say speaks text, re-arming listening afterwards when rearm is set.
// Speech failures are logged; the loop carries on.
func (a *Assistant) say(ctx context.Context, text string, rearm bool) {
	if text == "" {
		return
	}
	var err error
	if rearm {
		_, err = a.voice.SpeakAndRearm(ctx, text)
	} else {
		_, err = a.voice.Speak(ctx, text)
	}
	if err != nil && ctx.Err() == nil {
		slog.Warn("app: speak failed", "err", err, "chars", len(text))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
