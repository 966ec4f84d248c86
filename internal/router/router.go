// Package router turns inbound chat events into agent requests and routes the
// replies back. Every event runs through its own state machine:
//
//	Received -> Normalized -> [MediaFetched] -> UserAppended -> AgentQueried -> AssistantAppended -> Delivered
//
// with Dropped and Failed as the other terminal states. Self-originated and
// subtype events never enter the machine.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/naehrwerk/naehrwerk-bot/internal/dedupe"
	"github.com/naehrwerk/naehrwerk-bot/internal/history"
	"github.com/naehrwerk/naehrwerk-bot/internal/logger"
	"github.com/naehrwerk/naehrwerk-bot/internal/media"
	"github.com/naehrwerk/naehrwerk-bot/internal/store"
)

// State of one event run.
type State string

const (
	StateIgnored           State = "Ignored" // never entered the machine
	StateReceived          State = "Received"
	StateNormalized        State = "Normalized"
	StateMediaFetched      State = "MediaFetched"
	StateUserAppended      State = "UserAppended"
	StateAgentQueried      State = "AgentQueried"
	StateAssistantAppended State = "AssistantAppended"
	StateDelivered         State = "Delivered" // terminal: reply sent
	StateDropped           State = "Dropped"   // terminal: silently discarded
	StateFailed            State = "Failed"    // terminal: error reply sent
)

// Trigger moves a run between states.
type Trigger string

const (
	TriggerNormalize       Trigger = "Normalize"
	TriggerFetchMedia      Trigger = "FetchMedia"
	TriggerAppendUser      Trigger = "AppendUser"
	TriggerQueryAgent      Trigger = "QueryAgent"
	TriggerAppendAssistant Trigger = "AppendAssistant"
	TriggerDeliver         Trigger = "Deliver"
	TriggerDrop            Trigger = "Drop"
	TriggerFail            Trigger = "Fail"
)

// Stage names where a run failed.
type Stage string

const (
	StageNone    Stage = ""
	StageMedia   Stage = "media"
	StageHistory Stage = "history"
	StageAgent   Stage = "agent"
	StageDeliver Stage = "deliver"
	StageRouter  Stage = "router"
)

// Result summarizes a handled event.
type Result struct {
	State State
	Stage Stage
	Err   error
}

// TransitionObserver is told about every state change of every run.
type TransitionObserver func(eventID string, from, to State, trigger Trigger)

// Router drives the conversation store, media fetcher and agent per event.
type Router struct {
	conversations Conversations
	agent         Completer
	fetcher       Fetcher
	meals         MealLogger
	seen          *dedupe.Cache
	observe       TransitionObserver

	agentTimeout time.Duration
	mediaTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	mu      sync.RWMutex
	posters map[string]Poster
}

// Option configures a Router.
type Option func(*Router)

// WithMealLogger enables meal logging after image exchanges.
func WithMealLogger(m MealLogger) Option { return func(r *Router) { r.meals = m } }

// WithDedupe drops events whose channel-qualified ID was already handled.
func WithDedupe(c *dedupe.Cache) Option { return func(r *Router) { r.seen = c } }

// WithTimeouts sets the per-call deadlines for the agent and media fetches.
func WithTimeouts(agent, media time.Duration) Option {
	return func(r *Router) {
		r.agentTimeout = agent
		r.mediaTimeout = media
	}
}

// WithTransitionObserver registers a transition callback.
func WithTransitionObserver(o TransitionObserver) Option { return func(r *Router) { r.observe = o } }

// WithClock overrides the time source used for meal classification.
func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// New creates a router.
func New(conversations Conversations, agent Completer, fetcher Fetcher, opts ...Option) *Router {
	r := &Router{
		conversations: conversations,
		agent:         agent,
		fetcher:       fetcher,
		agentTimeout:  60 * time.Second,
		mediaTimeout:  30 * time.Second,
		now:           time.Now,
		log:           logger.Component("router"),
		posters:       make(map[string]Poster),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs the poster replies for channel are delivered through.
func (r *Router) Register(channel string, p Poster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posters[channel] = p
}

func (r *Router) poster(channel string) (Poster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.posters[channel]
	return p, ok
}

// run carries the data of one event through the machine.
type run struct {
	event    InboundEvent
	identity history.Identity
	log      *slog.Logger

	text   string
	image  *media.Media
	reply  string
	posted bool

	next  Trigger
	stage Stage
	err   error
}

func (x *run) fail(stage Stage, err error) {
	x.stage = stage
	x.err = err
	x.next = TriggerFail
}

// Handle processes one inbound event to completion. It never returns an error:
// failures are reported to the user once and summarized in the Result.
func (r *Router) Handle(ctx context.Context, ev InboundEvent) (res Result) {
	log := r.log.With("channel", ev.Channel, "event_id", ev.ID, "user", ev.User.ID)

	if ev.FromBot || ev.Subtype != "" {
		log.Debug("ignoring bot or subtype event", "subtype", ev.Subtype)
		return Result{State: StateIgnored}
	}
	if r.seen != nil && ev.ID != "" && r.seen.CheckAndMark(ev.Channel+":"+ev.ID) {
		log.Debug("ignoring duplicate event")
		return Result{State: StateIgnored}
	}

	x := &run{event: ev, identity: ev.Identity(), log: log, next: TriggerNormalize}
	sm := r.machine(x)

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			log.Error("event handling panicked", "error", err)
			if !x.posted {
				r.deliver(ctx, x, apology(err))
			}
			res = Result{State: StateFailed, Stage: StageRouter, Err: err}
		}
	}()

	for x.next != "" {
		trigger := x.next
		x.next = ""
		if err := sm.FireCtx(ctx, trigger); err != nil {
			log.Error("state machine error", "trigger", trigger, "error", err)
			if !x.posted {
				r.deliver(ctx, x, apology(err))
			}
			return Result{State: StateFailed, Stage: StageRouter, Err: err}
		}
	}

	state, _ := sm.MustState().(State)
	return Result{State: state, Stage: x.stage, Err: x.err}
}

func (r *Router) machine(x *run) *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateReceived)

	if r.observe != nil {
		sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
			from, _ := t.Source.(State)
			to, _ := t.Destination.(State)
			trigger, _ := t.Trigger.(Trigger)
			r.observe(x.event.ID, from, to, trigger)
		})
	}

	// State: Received
	sm.Configure(StateReceived).
		Permit(TriggerNormalize, StateNormalized).
		Permit(TriggerFail, StateFailed)

	// State: Normalized
	// Action: strip mention markup; route to media fetch or straight to the user turn.
	sm.Configure(StateNormalized).
		OnEntry(func(ctx context.Context, _ ...any) error {
			x.text = StripMentions(x.event.Text)
			switch {
			case x.event.Media != nil:
				x.next = TriggerFetchMedia
			case x.text == "":
				x.log.Debug("dropping event without content")
				x.next = TriggerDrop
			default:
				x.next = TriggerAppendUser
			}
			return nil
		}).
		Permit(TriggerFetchMedia, StateMediaFetched).
		Permit(TriggerAppendUser, StateUserAppended).
		Permit(TriggerDrop, StateDropped).
		Permit(TriggerFail, StateFailed)

	// State: MediaFetched
	// Action: download the attachment. Non-images are dropped silently.
	sm.Configure(StateMediaFetched).
		OnEntry(func(ctx context.Context, _ ...any) error {
			fctx, cancel := context.WithTimeout(ctx, r.mediaTimeout)
			defer cancel()

			m, err := r.fetcher.Fetch(fctx, *x.event.Media)
			var unsupported *media.UnsupportedMediaError
			switch {
			case errors.As(err, &unsupported):
				x.log.Info("dropping non-image attachment", "media_type", unsupported.MediaType)
				x.next = TriggerDrop
			case err != nil:
				x.log.Error("media retrieval failed", "error", err)
				x.fail(StageMedia, err)
			default:
				x.image = &m
				x.next = TriggerAppendUser
			}
			return nil
		}).
		Permit(TriggerAppendUser, StateUserAppended).
		Permit(TriggerDrop, StateDropped).
		Permit(TriggerFail, StateFailed)

	// State: UserAppended
	sm.Configure(StateUserAppended).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := r.conversations.Append(ctx, x.identity, x.userTurn()); err != nil {
				x.fail(StageHistory, err)
				return nil
			}
			x.next = TriggerQueryAgent
			return nil
		}).
		Permit(TriggerQueryAgent, StateAgentQueried).
		Permit(TriggerFail, StateFailed)

	// State: AgentQueried
	// Action: send the whole history; no lock is held during the call.
	sm.Configure(StateAgentQueried).
		OnEntry(func(ctx context.Context, _ ...any) error {
			turns := r.conversations.History(x.identity)
			actx, cancel := context.WithTimeout(ctx, r.agentTimeout)
			defer cancel()

			reply, err := r.agent.Complete(actx, turns)
			if err != nil {
				x.log.Error("agent query failed", "turns", len(turns), "error", err)
				x.fail(StageAgent, err)
				return nil
			}
			x.reply = reply
			x.next = TriggerAppendAssistant
			return nil
		}).
		Permit(TriggerAppendAssistant, StateAssistantAppended).
		Permit(TriggerFail, StateFailed)

	// State: AssistantAppended
	sm.Configure(StateAssistantAppended).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := r.conversations.Append(ctx, x.identity, history.AssistantText(x.reply)); err != nil {
				x.fail(StageHistory, err)
				return nil
			}
			if x.image != nil {
				r.logMeal(ctx, x)
			}
			x.next = TriggerDeliver
			return nil
		}).
		Permit(TriggerDeliver, StateDelivered).
		Permit(TriggerFail, StateFailed)

	// State: Delivered (terminal)
	sm.Configure(StateDelivered).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := r.deliver(ctx, x, x.reply); err != nil {
				x.stage = StageDeliver
				x.err = err
				return nil
			}
			x.log.Info("response sent")
			return nil
		})

	// State: Dropped (terminal)
	sm.Configure(StateDropped)

	// State: Failed (terminal)
	// Action: one apology carrying the cause.
	sm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if x.err == nil {
				x.err = errors.New("unknown failure")
			}
			_ = r.deliver(ctx, x, apology(x.err))
			return nil
		})

	return sm
}

func (x *run) userTurn() history.Turn {
	if x.image == nil {
		return history.UserText(x.text)
	}
	parts := []history.Part{history.TextPart(FoodInstruction)}
	if x.text != "" {
		parts = append(parts, history.TextPart(x.text))
	}
	parts = append(parts, history.ImagePart(x.image.Base64(), x.image.MediaType))
	return history.UserParts(parts...)
}

func (r *Router) logMeal(ctx context.Context, x *run) {
	if r.meals == nil {
		return
	}
	// A reply without a calorie figure did not describe a meal.
	kcal := ParseCalories(x.reply)
	if kcal == nil {
		x.log.Debug("no calorie figure in reply, meal not logged")
		return
	}
	rec := store.MealRecord{
		Identity:    string(x.identity),
		UserName:    x.event.User.Name,
		MealType:    MealTypeAt(r.now()),
		Description: x.reply,
		Calories:    kcal,
	}
	if _, err := r.meals.LogMeal(ctx, rec); err != nil {
		x.log.Error("failed to log meal", "error", err)
		return
	}
	x.log.Info("meal logged", "meal_type", rec.MealType)
}

// deliver posts text to the event's origin, or to the author directly without channel context.
func (r *Router) deliver(ctx context.Context, x *run, text string) error {
	x.posted = true
	p, ok := r.poster(x.event.Channel)
	if !ok {
		err := fmt.Errorf("no poster registered for channel %q", x.event.Channel)
		x.log.Error("cannot deliver reply", "error", err)
		return err
	}
	reply := OutboundReply{
		Channel:     x.event.Channel,
		Destination: x.event.Destination,
		Recipient:   x.event.User.ID,
		Direct:      x.event.Destination.ChannelID == "",
		Text:        text,
	}
	if err := p.Post(ctx, reply); err != nil {
		x.log.Error("failed to deliver reply", "error", err)
		return err
	}
	return nil
}

func apology(err error) string {
	return "⚠️ Fehler: " + err.Error()
}
