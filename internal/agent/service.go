package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ashureev/smalltalk-labs/internal/classifier"
	"github.com/ashureev/smalltalk-labs/internal/coach"
	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/llm"
	"github.com/ashureev/smalltalk-labs/internal/metrics"
	"github.com/ashureev/smalltalk-labs/internal/store"
	"github.com/ashureev/smalltalk-labs/internal/triage"
)

const (
	defaultReplyTimeout = 25 * time.Second
	persistTimeout      = 5 * time.Second
)

// CrisisClassifier judges a flagged message in context.
type CrisisClassifier interface {
	Classify(ctx context.Context, in classifier.CrisisInput) classifier.Verdict
}

// ResponseModerator screens a candidate reply before display.
type ResponseModerator interface {
	Review(ctx context.Context, reply string, history []domain.Turn) classifier.Decision
}

// Options configures a Service.
type Options struct {
	Tuning          triage.Tuning
	ReplyModel      string
	ReplyTimeout    time.Duration
	ConversationLog ConversationLogger
	Logger          *slog.Logger
}

// Service is the turn orchestrator. Sessions run concurrently with private
// state; within a session exactly one turn is processed at a time.
type Service struct {
	repo         store.Repository
	generator    llm.Client
	crisis       CrisisClassifier
	moderator    ResponseModerator
	coach        *coach.Generator
	tuning       triage.Tuning
	replyModel   string
	replyTimeout time.Duration
	convLog      ConversationLogger
	logger       *slog.Logger

	mu   sync.Mutex
	live map[string]*conversation
}

// conversation is the in-memory state of one live session.
type conversation struct {
	// turnMu is held for the whole of a turn; TryLock rejects overlap.
	turnMu sync.Mutex

	mu      sync.Mutex
	session domain.Session
	state   triage.SessionState
	// epoch is bumped on end, restart and abandon; an in-flight turn whose
	// epoch no longer matches is discarded.
	epoch      uint64
	cancelTurn context.CancelFunc
}

// NewService wires the orchestrator. generator may be nil, in which case every
// reply is the unavailable line.
func NewService(repo store.Repository, generator llm.Client, crisis CrisisClassifier, moderator ResponseModerator, opts Options) *Service {
	if opts.Tuning.Tier2Threshold == 0 {
		opts.Tuning = triage.DefaultTuning()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	if opts.ConversationLog == nil {
		opts.ConversationLog = noopConversationLogger{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		generator:    generator,
		crisis:       crisis,
		moderator:    moderator,
		coach:        coach.NewGenerator(opts.Tuning),
		tuning:       opts.Tuning,
		replyModel:   opts.ReplyModel,
		replyTimeout: opts.ReplyTimeout,
		convLog:      opts.ConversationLog,
		logger:       opts.Logger,
		live:         make(map[string]*conversation),
	}
}

// Close releases the conversation logger.
func (s *Service) Close() {
	if err := s.convLog.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}

// StartSession creates a fresh session identity for userID.
func (s *Service) StartSession(ctx context.Context, userID string) (*SessionView, error) {
	lifecycle, err := domain.LifecycleNotStarted.Transition(domain.EventStart)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := domain.Session{
		ID:         uuid.NewString(),
		Token:      uuid.NewString(),
		UserID:     userID,
		Lifecycle:  lifecycle,
		Transcript: []domain.Turn{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	record := sess
	s.persist(ctx, "create_session", sess.ID, func(ctx context.Context) error {
		return s.repo.CreateSession(ctx, &record)
	})
	s.track(&conversation{session: sess})

	s.logger.Info("Session started", "session_id", sess.ID, "user_id", userID)
	return &SessionView{SessionID: sess.ID, Token: sess.Token, Lifecycle: sess.Lifecycle}, nil
}

// Session returns a snapshot of the session.
func (s *Service) Session(ctx context.Context, sessionID, token string) (*domain.Session, error) {
	conv, err := s.conversation(ctx, sessionID, token)
	if err != nil {
		return nil, err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.snapshotLocked(), nil
}

// ProcessTurn runs one user message through the triage pipeline and, unless a
// crisis intervention fires, returns the partner's moderated reply.
func (s *Service) ProcessTurn(ctx context.Context, sessionID, token, message string) (*TurnResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := s.conversation(ctx, sessionID, token)
	if err != nil {
		return nil, err
	}
	if !conv.turnMu.TryLock() {
		return nil, ErrTurnInFlight
	}
	defer conv.turnMu.Unlock()

	start := time.Now()
	defer func() { metrics.TurnDuration.Observe(time.Since(start).Seconds()) }()

	// The turn outlives a disconnected client; only end/restart cancels it.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	conv.mu.Lock()
	if !conv.session.Lifecycle.AcceptsInput() {
		conv.mu.Unlock()
		return nil, ErrSessionClosed
	}
	epoch := conv.epoch
	conv.cancelTurn = cancel
	history := slices.Clone(conv.session.Transcript)
	state := conv.state
	userID := conv.session.UserID
	conv.mu.Unlock()
	defer func() {
		conv.mu.Lock()
		conv.cancelTurn = nil
		conv.mu.Unlock()
	}()

	triggers := triage.Detect(message)
	severity := triage.Prioritize(triggers)
	kinds := triage.Kinds(triggers)
	for kind := range kinds {
		metrics.TriggersDetected.WithLabelValues(kind.String()).Inc()
	}
	distress, assessment := state.Distress.Observe(triggers, s.tuning.Tier2Threshold)
	state.Distress = distress

	userTurn := domain.Turn{
		ID:        ulid.Make().String(),
		Role:      domain.RoleUser,
		Content:   message,
		CreatedAt: time.Now(),
	}
	s.logEvent(userID, sessionID, "inbound", "user_message", message, map[string]any{
		"severity":       severity.String(),
		"triggers":       reasons(triggers),
		"distress_level": assessment.Level.String(),
		"tier2_count":    assessment.AccumulatedTier2Count,
	})

	var verdict *classifier.Verdict
	if classifier.ShouldClassify(severity, assessment) {
		v := s.crisis.Classify(turnCtx, classifier.CrisisInput{
			History:               history,
			Message:               message,
			Severity:              severity,
			Keywords:              assessment.Keywords,
			Tier:                  assessment.Tier,
			Level:                 assessment.Level,
			AccumulatedTier2Count: assessment.AccumulatedTier2Count,
		})
		verdict = &v
		metrics.CrisisVerdicts.WithLabelValues(string(v.Severity), strconv.FormatBool(v.Fallback)).Inc()
		s.logEvent(userID, sessionID, "internal", "crisis_verdict", v.Reason, map[string]any{
			"severity": string(v.Severity),
			"fallback": v.Fallback,
		})
		if v.Severity == classifier.VerdictCrisis {
			return s.commitCrisis(ctx, conv, epoch, userTurn, kinds, state, severity, v)
		}
	}

	tip, suppressed, hasTip := s.coach.Next(coach.Input{
		Message:         message,
		Triggers:        triggers,
		CoachingVerdict: verdict != nil && verdict.Severity == classifier.VerdictCoaching,
		History:         history,
		State:           state,
	})
	if hasTip {
		userTurn.CoachTip = tip.Text
	}

	result := &TurnResult{
		SessionID: sessionID,
		Outcome:   OutcomeReply,
		Severity:  severity.String(),
	}

	transcript := append(history, userTurn)
	agentTurn := domain.Turn{ID: ulid.Make().String(), Role: domain.RoleAgent}
	var block *domain.ModerationBlock

	reply, genErr := s.generate(turnCtx, transcript, severity)
	if genErr != nil {
		metrics.GeneratorFailures.Inc()
		s.logger.Warn("Reply generation failed", "session_id", sessionID, "error", genErr)
		agentTurn.Content = GeneratorUnavailableReply
		result.GeneratorUnavailable = true
	} else {
		decision := s.moderator.Review(turnCtx, reply, transcript)
		agentTurn.Content = decision.Shown
		if decision.Safe {
			metrics.ModerationDecisions.WithLabelValues("shown").Inc()
		} else {
			metrics.ModerationDecisions.WithLabelValues("blocked").Inc()
			result.Blocked = true
			block = &domain.ModerationBlock{
				ID:           ulid.Make().String(),
				SessionID:    sessionID,
				BlockedReply: decision.Original,
				Reason:       decision.Reason,
				Fallback:     decision.Fallback,
				CreatedAt:    time.Now(),
			}
		}
	}
	agentTurn.CreatedAt = time.Now()

	conv.mu.Lock()
	if conv.epoch != epoch || !conv.session.Lifecycle.AcceptsInput() {
		conv.mu.Unlock()
		s.logger.Info("Discarding stale turn result", "session_id", sessionID)
		return nil, ErrStaleTurn
	}
	conv.session.Transcript = append(conv.session.Transcript, userTurn, agentTurn)
	conv.session.TurnCount++
	conv.session.UpdatedAt = time.Now()
	countTriggers(&conv.session.Counts, kinds)
	if hasTip {
		conv.session.Counts.Coaching++
	}
	if block != nil {
		conv.session.Counts.ModerationBlocks++
	}
	conv.state = state.CompleteTurn(hasTip)
	snap := conv.snapshotLocked()
	conv.mu.Unlock()

	s.persistTurn(ctx, snap)
	if block != nil {
		s.persist(ctx, "insert_moderation_block", sessionID, func(ctx context.Context) error {
			return s.repo.InsertModerationBlock(ctx, snap.Token, block)
		})
		s.logEvent(userID, sessionID, "internal", "moderation_block", block.BlockedReply, map[string]any{
			"reason":   block.Reason,
			"fallback": block.Fallback,
		})
	}
	if hasTip {
		metrics.TipsShown.WithLabelValues(string(tip.Category)).Inc()
		s.logEvent(userID, sessionID, "outbound", "coach_tip", tip.Text, map[string]any{"rule": tip.Rule})
	} else if suppressed != coach.SuppressNone {
		s.logger.Debug("Coaching tips suppressed", "session_id", sessionID, "reason", string(suppressed))
	}
	s.logEvent(userID, sessionID, "outbound", "agent_reply", agentTurn.Content, map[string]any{
		"blocked":               result.Blocked,
		"generator_unavailable": result.GeneratorUnavailable,
	})

	result.Lifecycle = snap.Lifecycle
	result.UserTurn = userTurn
	result.AgentTurn = &agentTurn
	if hasTip {
		result.Tip = &tip
	}
	return result, nil
}

// commitCrisis records the user turn without a reply and moves the session
// into crisis intervention.
func (s *Service) commitCrisis(ctx context.Context, conv *conversation, epoch uint64, userTurn domain.Turn,
	kinds map[triage.Severity]bool, state triage.SessionState, severity triage.Severity, v classifier.Verdict,
) (*TurnResult, error) {
	conv.mu.Lock()
	if conv.epoch != epoch || !conv.session.Lifecycle.AcceptsInput() {
		conv.mu.Unlock()
		return nil, ErrStaleTurn
	}
	next, err := conv.session.Lifecycle.Transition(domain.EventCrisis)
	if err != nil {
		conv.mu.Unlock()
		return nil, fmt.Errorf("enter crisis intervention: %w", err)
	}
	now := time.Now()
	conv.session.Lifecycle = next
	conv.session.Transcript = append(conv.session.Transcript, userTurn)
	conv.session.TurnCount++
	conv.session.CrisisDetected = true
	conv.session.Ended = true
	conv.session.EndedAt = &now
	conv.session.UpdatedAt = now
	countTriggers(&conv.session.Counts, kinds)
	conv.session.Counts.Crisis++
	conv.state = state.CompleteTurn(false)
	snap := conv.snapshotLocked()
	conv.mu.Unlock()

	s.logger.Warn("Crisis intervention triggered",
		"session_id", snap.ID,
		"reason", v.Reason,
		"fallback", v.Fallback,
	)
	s.persistTurn(ctx, snap)
	s.persistStatus(ctx, snap)

	return &TurnResult{
		SessionID:     snap.ID,
		Outcome:       OutcomeCrisis,
		Lifecycle:     next,
		UserTurn:      userTurn,
		Severity:      severity.String(),
		CrisisChoices: domain.CrisisChoices,
	}, nil
}

// EndSession ends an active session normally. An in-flight turn is discarded.
func (s *Service) EndSession(ctx context.Context, sessionID, token string) error {
	conv, err := s.conversation(ctx, sessionID, token)
	if err != nil {
		return err
	}

	conv.mu.Lock()
	next, err := conv.session.Lifecycle.Transition(domain.EventEnd)
	if err != nil {
		conv.mu.Unlock()
		return fmt.Errorf("end session: %w", err)
	}
	conv.invalidateLocked()
	now := time.Now()
	conv.session.Lifecycle = next
	conv.session.Ended = true
	conv.session.EndedAt = &now
	conv.session.UpdatedAt = now
	snap := conv.snapshotLocked()
	conv.mu.Unlock()

	s.persistStatus(ctx, snap)
	s.forget(sessionID)
	s.logger.Info("Session ended", "session_id", sessionID)
	return nil
}

// ResolveCrisis applies a crisis modal choice. support_needed keeps the
// intervention open and returns support resources; restart and
// false_positive close this identity and start a fresh session.
func (s *Service) ResolveCrisis(ctx context.Context, sessionID, token, rawChoice string) (*CrisisResolution, error) {
	choice, ok := domain.ParseCrisisChoice(rawChoice)
	if !ok {
		return nil, ErrInvalidChoice
	}
	conv, err := s.conversation(ctx, sessionID, token)
	if err != nil {
		return nil, err
	}

	conv.mu.Lock()
	next, err := conv.session.Lifecycle.Transition(choice.Event())
	if err != nil {
		conv.mu.Unlock()
		return nil, fmt.Errorf("resolve crisis: %w", err)
	}
	conv.session.Lifecycle = next
	if choice == domain.ChoiceFalsePositive {
		conv.session.FalsePositive = true
	}
	if choice.StartsFreshSession() {
		conv.invalidateLocked()
		conv.session.UpdatedAt = time.Now()
	}
	userID := conv.session.UserID
	snap := conv.snapshotLocked()
	conv.mu.Unlock()

	s.logger.Info("Crisis choice applied", "session_id", sessionID, "choice", string(choice))
	res := &CrisisResolution{Choice: choice, Lifecycle: next}
	if !choice.StartsFreshSession() {
		res.Message = crisisMessage
		res.Support = CrisisSupport()
		return res, nil
	}

	s.persistStatus(ctx, snap)
	s.forget(sessionID)

	view, err := s.StartSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("start fresh session: %w", err)
	}
	res.NewSession = view
	res.Message = restartMessage
	if choice == domain.ChoiceFalsePositive {
		res.Message = falsePositiveMessage
	}
	return res, nil
}

// AbandonIdle ends active sessions idle for longer than ttl as abandoned and
// releases idle closed sessions from memory. It returns how many sessions
// were abandoned.
func (s *Service) AbandonIdle(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	convs := make(map[string]*conversation, len(s.live))
	for id, c := range s.live {
		convs[id] = c
	}
	s.mu.Unlock()

	abandoned := 0
	for id, conv := range convs {
		conv.mu.Lock()
		if !conv.session.UpdatedAt.Before(cutoff) {
			conv.mu.Unlock()
			continue
		}
		if conv.session.Lifecycle.Terminal() {
			conv.mu.Unlock()
			s.forget(id)
			continue
		}
		next, err := conv.session.Lifecycle.Transition(domain.EventAbandon)
		if err != nil {
			conv.mu.Unlock()
			continue
		}
		conv.invalidateLocked()
		now := time.Now()
		conv.session.Lifecycle = next
		conv.session.Ended = true
		conv.session.Abandoned = true
		conv.session.EndedAt = &now
		token := conv.session.Token
		conv.mu.Unlock()

		s.persist(ctx, "mark_abandoned", id, func(ctx context.Context) error {
			_, err := s.repo.MarkAbandoned(ctx, id, token)
			return err
		})
		s.forget(id)
		abandoned++
	}

	stored, err := s.repo.ListIdleSessions(ctx, ttl)
	if err != nil {
		return abandoned, fmt.Errorf("list idle sessions: %w", err)
	}
	for _, sess := range stored {
		if _, handled := convs[sess.ID]; handled {
			continue
		}
		ok, err := s.repo.MarkAbandoned(ctx, sess.ID, sess.Token)
		if err != nil {
			s.logger.Warn("Failed to mark session abandoned", "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			abandoned++
		}
	}
	return abandoned, nil
}

// RebuildState replays a stored transcript into triage state so a session
// loaded from the store continues with the same accumulation and tip history.
func RebuildState(transcript []domain.Turn, tuning triage.Tuning) triage.SessionState {
	var st triage.SessionState
	for _, t := range transcript {
		if t.Role != domain.RoleUser {
			continue
		}
		st.Distress, _ = st.Distress.Observe(triage.Detect(t.Content), tuning.Tier2Threshold)
		st = st.CompleteTurn(t.CoachTip != "")
	}
	return st
}

// conversation returns the live conversation for sessionID, loading it from
// the store if this process has not seen it.
func (s *Service) conversation(ctx context.Context, sessionID, token string) (*conversation, error) {
	s.mu.Lock()
	conv, ok := s.live[sessionID]
	s.mu.Unlock()
	if ok {
		conv.mu.Lock()
		expected := conv.session.Token
		conv.mu.Unlock()
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
			return nil, ErrInvalidToken
		}
		return conv, nil
	}

	sess, err := s.repo.GetSession(ctx, sessionID, token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrSessionNotFound
	case errors.Is(err, store.ErrTokenMismatch):
		return nil, ErrInvalidToken
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	}

	conv = &conversation{session: *sess, state: RebuildState(sess.Transcript, s.tuning)}
	if sess.Lifecycle == domain.LifecycleEnded {
		return conv, nil
	}
	return s.track(conv), nil
}

// track registers conv unless another goroutine registered the same id
// first, and returns the registered conversation.
func (s *Service) track(conv *conversation) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.live[conv.session.ID]; ok {
		return existing
	}
	s.live[conv.session.ID] = conv
	metrics.ActiveSessions.Inc()
	return conv
}

func (s *Service) forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[sessionID]; ok {
		delete(s.live, sessionID)
		metrics.ActiveSessions.Dec()
	}
}

func (s *Service) generate(ctx context.Context, transcript []domain.Turn, severity triage.Severity) (string, error) {
	if s.generator == nil {
		return "", llm.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.replyTimeout)
	defer cancel()

	reply, err := s.generator.Complete(ctx, buildReplyRequest(s.replyModel, transcript, severity))
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", llm.ErrEmptyResponse
	}
	return reply, nil
}

// persist runs a store write. Failures are logged and counted but never
// interrupt the conversation.
func (s *Service) persist(ctx context.Context, op, sessionID string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		metrics.PersistenceFailures.WithLabelValues(op).Inc()
		s.logger.Error("Persistence failed", "op", op, "session_id", sessionID, "error", err)
	}
}

func (s *Service) persistTurn(ctx context.Context, snap *domain.Session) {
	s.persist(ctx, "update_transcript", snap.ID, func(ctx context.Context) error {
		return s.repo.UpdateTranscript(ctx, snap.ID, snap.Token, snap.Transcript, snap.TurnCount)
	})
	s.persist(ctx, "update_counts", snap.ID, func(ctx context.Context) error {
		return s.repo.UpdateCounts(ctx, snap.ID, snap.Token, snap.Counts)
	})
}

func (s *Service) persistStatus(ctx context.Context, snap *domain.Session) {
	s.persist(ctx, "update_status", snap.ID, func(ctx context.Context) error {
		return s.repo.UpdateStatus(ctx, snap.ID, snap.Token, store.Status{
			Lifecycle:      snap.Lifecycle,
			CrisisDetected: snap.CrisisDetected,
			FalsePositive:  snap.FalsePositive,
			Ended:          snap.Ended,
			EndedAt:        snap.EndedAt,
		})
	})
}

func (s *Service) logEvent(userID, sessionID, direction, eventType, content string, meta map[string]any) {
	s.convLog.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "practice_chat",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// invalidateLocked makes any in-flight turn stale and cancels its delegated calls.
func (c *conversation) invalidateLocked() {
	c.epoch++
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
}

func (c *conversation) snapshotLocked() *domain.Session {
	cp := c.session
	cp.Transcript = slices.Clone(c.session.Transcript)
	if c.session.EndedAt != nil {
		t := *c.session.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func countTriggers(c *domain.SessionCounts, kinds map[triage.Severity]bool) {
	if kinds[triage.SeverityPII] {
		c.PII++
	}
	if kinds[triage.SeverityControversial] {
		c.Controversial++
	}
}

func reasons(triggers []triage.Trigger) []string {
	out := make([]string, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, t.Reason)
	}
	return out
}
