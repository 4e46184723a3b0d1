package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/smalltalk-labs/internal/classifier"
	"github.com/ashureev/smalltalk-labs/internal/coach"
	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/llm"
	"github.com/ashureev/smalltalk-labs/internal/store"
	"github.com/ashureev/smalltalk-labs/internal/triage"
)

var errWriteFailed = errors.New("disk on fire")

type fakeRepo struct {
	mu         sync.Mutex
	sessions   map[string]*domain.Session
	blocks     []*domain.ModerationBlock
	failWrites bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*domain.Session)}
}

func (f *fakeRepo) GetUser(context.Context, string) (*domain.User, error)   { return nil, nil }
func (f *fakeRepo) UpsertUser(context.Context, *domain.User) error          { return nil }
func (f *fakeRepo) UpdateLastSeen(context.Context, string, time.Time) error { return nil }
func (f *fakeRepo) IsAdmin(context.Context, string) (bool, error)           { return false, nil }
func (f *fakeRepo) GrantAdmin(context.Context, string) error                { return nil }
func (f *fakeRepo) Ping(context.Context) error                              { return nil }
func (f *fakeRepo) Close() error                                            { return nil }

func (f *fakeRepo) CreateSession(_ context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errWriteFailed
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

// lookup must be called with f.mu held.
func (f *fakeRepo) lookup(id, token string) (*domain.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.Token != token {
		return nil, store.ErrTokenMismatch
	}
	return s, nil
}

func (f *fakeRepo) GetSession(_ context.Context, id, token string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.lookup(id, token)
	if err != nil {
		return nil, err
	}
	cp := *s
	cp.Transcript = append([]domain.Turn(nil), s.Transcript...)
	return &cp, nil
}

func (f *fakeRepo) write(id, token string, fn func(*domain.Session)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errWriteFailed
	}
	s, err := f.lookup(id, token)
	if err != nil {
		return err
	}
	fn(s)
	s.UpdatedAt = time.Now()
	return nil
}

func (f *fakeRepo) UpdateTranscript(_ context.Context, id, token string, transcript []domain.Turn, turnCount int) error {
	return f.write(id, token, func(s *domain.Session) {
		s.Transcript = append([]domain.Turn(nil), transcript...)
		s.TurnCount = turnCount
	})
}

func (f *fakeRepo) UpdateCounts(_ context.Context, id, token string, counts domain.SessionCounts) error {
	return f.write(id, token, func(s *domain.Session) { s.Counts = counts })
}

func (f *fakeRepo) UpdateStatus(_ context.Context, id, token string, st store.Status) error {
	return f.write(id, token, func(s *domain.Session) {
		s.Lifecycle = st.Lifecycle
		s.CrisisDetected = st.CrisisDetected
		s.FalsePositive = st.FalsePositive
		s.Ended = st.Ended
		s.EndedAt = st.EndedAt
	})
}

func (f *fakeRepo) MarkAbandoned(_ context.Context, id, token string) (bool, error) {
	changed := false
	err := f.write(id, token, func(s *domain.Session) {
		if s.Lifecycle != domain.LifecycleActive {
			return
		}
		s.Lifecycle = domain.LifecycleEnded
		s.Ended = true
		s.Abandoned = true
		changed = true
	})
	return changed, err
}

func (f *fakeRepo) ListIdleSessions(_ context.Context, idle time.Duration) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.Lifecycle == domain.LifecycleActive && s.UpdatedAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) InsertModerationBlock(_ context.Context, token string, b *domain.ModerationBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errWriteFailed
	}
	if _, err := f.lookup(b.SessionID, token); err != nil {
		return err
	}
	cp := *b
	f.blocks = append(f.blocks, &cp)
	return nil
}

func (f *fakeRepo) ListModerationBlocks(context.Context, int) ([]*domain.ModerationBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.ModerationBlock(nil), f.blocks...), nil
}

func (f *fakeRepo) stored(id string) domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeRepo) setUpdatedAt(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].UpdatedAt = at
}

// fakeLLM answers every request with reply/err. When release is set, each
// call announces itself on started and waits for release or cancellation.
type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	last    *llm.Request
	started chan struct{}
	release chan struct{}
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCrisis struct {
	mu      sync.Mutex
	verdict classifier.Verdict
	calls   int
	last    classifier.CrisisInput
}

func (f *fakeCrisis) Classify(_ context.Context, in classifier.CrisisInput) classifier.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = in
	return f.verdict
}

type fakeModerator struct {
	mu       sync.Mutex
	decision *classifier.Decision
	calls    int
}

func (f *fakeModerator) Review(_ context.Context, reply string, _ []domain.Turn) classifier.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.decision != nil {
		return *f.decision
	}
	return classifier.Decision{Safe: true, Shown: reply, Original: reply}
}

type harness struct {
	svc       *Service
	repo      *fakeRepo
	gen       *fakeLLM
	crisis    *fakeCrisis
	moderator *fakeModerator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:      newFakeRepo(),
		gen:       &fakeLLM{reply: "Nice! I went hiking last weekend too. Where do you usually go?"},
		crisis:    &fakeCrisis{verdict: classifier.Verdict{Severity: classifier.VerdictSafe, Reason: "not personal"}},
		moderator: &fakeModerator{},
	}
	h.svc = h.newService()
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) newService() *Service {
	return NewService(h.repo, h.gen, h.crisis, h.moderator, Options{
		Tuning: triage.DefaultTuning(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (h *harness) start(t *testing.T) *SessionView {
	t.Helper()
	view, err := h.svc.StartSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	return view
}

func TestStartSessionIssuesIdentity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.start(t)
	b := h.start(t)

	if a.SessionID == "" || a.Token == "" || a.SessionID == b.SessionID || a.Token == b.Token {
		t.Fatalf("expected distinct ids and tokens, got %+v and %+v", a, b)
	}
	if a.Lifecycle != domain.LifecycleActive {
		t.Fatalf("lifecycle = %s, want active", a.Lifecycle)
	}
	if got := h.repo.stored(a.SessionID); got.Token != a.Token || got.UserID != "user-1" {
		t.Fatalf("session not persisted: %+v", got)
	}
}

func TestOrdinaryTurnGetsModeratedReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	view := h.start(t)

	res, err := h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "I love hiking on weekends, what about you?")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Outcome != OutcomeReply || res.AgentTurn == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.AgentTurn.Content != h.gen.reply || res.Blocked || res.GeneratorUnavailable {
		t.Fatalf("unexpected agent turn: %+v", res)
	}
	if h.crisis.calls != 0 {
		t.Fatal("classifier must not be called without a distress signal")
	}
	if h.moderator.calls != 1 {
		t.Fatalf("moderator calls = %d, want 1", h.moderator.calls)
	}
	if h.gen.last.Messages[len(h.gen.last.Messages)-1].Content != "I love hiking on weekends, what about you?" {
		t.Fatal("reply prompt must end with the current user message")
	}

	stored := h.repo.stored(view.SessionID)
	if len(stored.Transcript) != 2 || stored.TurnCount != 1 {
		t.Fatalf("transcript not persisted: %+v", stored)
	}
	if stored.Transcript[0].Role != domain.RoleUser || stored.Transcript[1].Role != domain.RoleAgent {
		t.Fatalf("unexpected transcript roles: %+v", stored.Transcript)
	}
}

func TestExplicitCrisisLanguageEntersIntervention(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.crisis.verdict = classifier.Verdict{Severity: classifier.VerdictCrisis, Reason: "personal, first-person"}
	view := h.start(t)

	res, err := h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "honestly I want to kill myself")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Outcome != OutcomeCrisis || res.Lifecycle != domain.LifecycleCrisisIntervention {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.AgentTurn != nil || h.gen.callCount() != 0 || h.moderator.calls != 0 {
		t.Fatal("no reply may be generated once a crisis is detected")
	}
	if len(res.CrisisChoices) != 3 {
		t.Fatalf("expected three crisis choices, got %v", res.CrisisChoices)
	}
	if h.crisis.last.Tier != triage.Tier1 || h.crisis.last.Severity != triage.SeverityCrisis {
		t.Fatalf("classifier input missing tier metadata: %+v", h.crisis.last)
	}

	stored := h.repo.stored(view.SessionID)
	if !stored.CrisisDetected || !stored.Ended || stored.Lifecycle != domain.LifecycleCrisisIntervention {
		t.Fatalf("crisis status not persisted: %+v", stored)
	}
	if stored.Counts.Crisis != 1 || len(stored.Transcript) != 1 {
		t.Fatalf("unexpected stored counts/transcript: %+v", stored)
	}

	_, err = h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "hello?")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after crisis, got %v", err)
	}
}

func TestClassifierFailureFailsSafeToCrisis(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	broken := &fakeLLM{err: errors.New("upstream 503")}
	h.svc = NewService(h.repo, h.gen, classifier.NewCrisisClassifier(broken, classifier.CrisisOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), h.moderator, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	view := h.start(t)

	res, err := h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "everything feels hopeless")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Outcome != OutcomeCrisis {
		t.Fatalf("outcome = %s, want crisis on classifier failure", res.Outcome)
	}
	if broken.callCount() != 1 || h.gen.callCount() != 0 {
		t.Fatal("expected one classifier call and no generation")
	}
}

func TestCoachingVerdictAttachesSafetyTipAndReplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.crisis.verdict = classifier.Verdict{Severity: classifier.VerdictCoaching, Reason: "venting about work"}
	view := h.start(t)

	res, err := h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "work has me feeling hopeless lately")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Outcome != OutcomeReply || res.AgentTurn == nil {
		t.Fatalf("coaching verdict must not interrupt the conversation: %+v", res)
	}
	if res.Tip == nil || res.Tip.Rule != "crisis_adjacent" || res.Tip.Category != coach.CategorySafety {
		t.Fatalf("expected crisis_adjacent tip, got %+v", res.Tip)
	}
	if res.UserTurn.CoachTip != coach.CrisisAdjacentTip {
		t.Fatal("tip must be attached to the user turn")
	}
	if h.crisis.calls != 1 || h.crisis.last.Tier != triage.Tier2 {
		t.Fatalf("expected tier-2 classification, got %+v", h.crisis.last)
	}
	if got := h.repo.stored(view.SessionID).Counts.Coaching; got != 1 {
		t.Fatalf("coaching count = %d, want 1", got)
	}
}

func TestPIIMessageCountsAndWarns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	view := h.start(t)

	res, err := h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "text me at 555-123-4567 sometime")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Severity != triage.SeverityPII.String() {
		t.Fatalf("severity = %s, want pii", res.Severity)
	}
	if res.Tip == nil || res.Tip.Rule != "pii" {
		t.Fatalf("expected pii tip, got %+v", res.Tip)
	}
	if got := h.repo.stored(view.SessionID).Counts.PII; got != 1 {
		t.Fatalf("pii count = %d, want 1", got)
	}
	if h.crisis.calls != 0 {
		t.Fatal("pii alone must not invoke the crisis classifier")
	}
}

func TestModerationBlockReplacesReplyAndIsLogged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gen.reply = "What's your phone number?"
	scripted := &fakeLLM{reply: `{"safe": false, "reason": "PII request"}`}
	h.svc = NewService(h.repo, h.gen, h.crisis, classifier.NewModerator(scripted, classifier.ModeratorOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	view := h.start(t)

	res, err := h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "we should hang out again")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if !res.Blocked || res.AgentTurn.Content != classifier.FallbackReply {
		t.Fatalf("expected fallback reply, got %+v", res.AgentTurn)
	}

	blocks, _ := h.repo.ListModerationBlocks(context.Background(), 10)
	if len(blocks) != 1 {
		t.Fatalf("expected one moderation block, got %d", len(blocks))
	}
	b := blocks[0]
	if b.BlockedReply != "What's your phone number?" || b.Reason != "PII request" || b.Fallback || b.ID == "" {
		t.Fatalf("unexpected block: %+v", b)
	}
	stored := h.repo.stored(view.SessionID)
	if stored.Counts.ModerationBlocks != 1 {
		t.Fatalf("moderation block count = %d, want 1", stored.Counts.ModerationBlocks)
	}
	if stored.Transcript[1].Content != classifier.FallbackReply {
		t.Fatal("blocked reply must never reach the transcript")
	}
}

func TestGeneratorFailureShowsUnavailableLine(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gen.err = errors.New("quota exceeded")
	view := h.start(t)

	res, err := h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "any fun plans this weekend?")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if !res.GeneratorUnavailable || res.Blocked || res.AgentTurn.Content != GeneratorUnavailableReply {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.moderator.calls != 0 {
		t.Fatal("the unavailable line is not moderated")
	}
	if res.Lifecycle != domain.LifecycleActive {
		t.Fatal("generator failure must not end the session")
	}
}

func TestConcurrentTurnIsRejectedAndEndDiscardsInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gen.started = make(chan struct{}, 1)
	h.gen.release = make(chan struct{})
	view := h.start(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.ProcessTurn(ctx, view.SessionID, view.Token, "what do you do for work?")
		errCh <- err
	}()
	<-h.gen.started

	if _, err := h.svc.ProcessTurn(ctx, view.SessionID, view.Token, "hello??"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	if err := h.svc.EndSession(ctx, view.SessionID, view.Token); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStaleTurn) {
			t.Fatalf("expected ErrStaleTurn, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight turn was not cancelled")
	}

	stored := h.repo.stored(view.SessionID)
	if len(stored.Transcript) != 0 || stored.Lifecycle != domain.LifecycleEnded || !stored.Ended {
		t.Fatalf("stale turn leaked into the session: %+v", stored)
	}
}

func TestTokenAndIdentityChecks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	view := h.start(t)
	ctx := context.Background()

	if _, err := h.svc.ProcessTurn(ctx, view.SessionID, "wrong", "hi"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := h.svc.ProcessTurn(ctx, "missing", view.Token, "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.svc.ProcessTurn(ctx, view.SessionID, view.Token, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if err := h.svc.EndSession(ctx, view.SessionID, "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken on end, got %v", err)
	}
}

func TestResolveCrisisChoices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	enterCrisis := func(t *testing.T) (*harness, *SessionView) {
		h := newHarness(t)
		h.crisis.verdict = classifier.Verdict{Severity: classifier.VerdictCrisis}
		view := h.start(t)
		if _, err := h.svc.ProcessTurn(ctx, view.SessionID, view.Token, "i want to die"); err != nil {
			t.Fatalf("ProcessTurn failed: %v", err)
		}
		return h, view
	}

	t.Run("support_needed keeps intervention open", func(t *testing.T) {
		h, view := enterCrisis(t)
		res, err := h.svc.ResolveCrisis(ctx, view.SessionID, view.Token, "support_needed")
		if err != nil {
			t.Fatalf("ResolveCrisis failed: %v", err)
		}
		if res.Lifecycle != domain.LifecycleCrisisIntervention || res.Support == nil || len(res.Support.Resources) == 0 {
			t.Fatalf("unexpected resolution: %+v", res)
		}
		if res.NewSession != nil {
			t.Fatal("support_needed must not start a new session")
		}
	})

	t.Run("false_positive flags and restarts", func(t *testing.T) {
		h, view := enterCrisis(t)
		res, err := h.svc.ResolveCrisis(ctx, view.SessionID, view.Token, "false_positive")
		if err != nil {
			t.Fatalf("ResolveCrisis failed: %v", err)
		}
		if res.NewSession == nil || res.NewSession.SessionID == view.SessionID || res.NewSession.Token == view.Token {
			t.Fatalf("expected a fresh session identity, got %+v", res.NewSession)
		}
		old := h.repo.stored(view.SessionID)
		if !old.FalsePositive || !old.CrisisDetected || old.Lifecycle != domain.LifecycleEnded {
			t.Fatalf("old session not closed as false positive: %+v", old)
		}
		fresh, err := h.svc.Session(ctx, res.NewSession.SessionID, res.NewSession.Token)
		if err != nil {
			t.Fatalf("Session failed: %v", err)
		}
		if len(fresh.Transcript) != 0 || fresh.Lifecycle != domain.LifecycleActive {
			t.Fatalf("fresh session must start empty: %+v", fresh)
		}
		if _, err := h.svc.ProcessTurn(ctx, view.SessionID, view.Token, "hi"); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("old identity must stay closed, got %v", err)
		}
	})

	t.Run("restart closes without flag", func(t *testing.T) {
		h, view := enterCrisis(t)
		res, err := h.svc.ResolveCrisis(ctx, view.SessionID, view.Token, "restart")
		if err != nil {
			t.Fatalf("ResolveCrisis failed: %v", err)
		}
		if res.NewSession == nil || h.repo.stored(view.SessionID).FalsePositive {
			t.Fatalf("unexpected restart resolution: %+v", res)
		}
	})

	t.Run("invalid choice and wrong state", func(t *testing.T) {
		h, view := enterCrisis(t)
		if _, err := h.svc.ResolveCrisis(ctx, view.SessionID, view.Token, "ignore"); !errors.Is(err, ErrInvalidChoice) {
			t.Fatalf("expected ErrInvalidChoice, got %v", err)
		}
		active := h.start(t)
		if _, err := h.svc.ResolveCrisis(ctx, active.SessionID, active.Token, "restart"); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition for active session, got %v", err)
		}
	})
}

func TestSessionReloadsFromStoreWithRebuiltState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	view := h.start(t)
	ctx := context.Background()

	if _, err := h.svc.ProcessTurn(ctx, view.SessionID, view.Token, "nothing matters at work these days"); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}

	// A fresh process sees only the store.
	h.svc = h.newService()
	if _, err := h.svc.ProcessTurn(ctx, view.SessionID, view.Token, "honestly it all feels hopeless"); err != nil {
		t.Fatalf("ProcessTurn after reload failed: %v", err)
	}
	if got := h.crisis.last.AccumulatedTier2Count; got != 2 {
		t.Fatalf("accumulated tier-2 count = %d, want 2 after reload", got)
	}
	if h.crisis.last.Level != triage.DistressLow {
		t.Fatalf("distress level = %s, want low at threshold", h.crisis.last.Level)
	}
	if len(h.crisis.last.History) != 2 {
		t.Fatalf("classifier history = %d turns, want 2", len(h.crisis.last.History))
	}
}

func TestRebuildStateReplaysTipsAndDistress(t *testing.T) {
	t.Parallel()
	transcript := []domain.Turn{
		{Role: domain.RoleUser, Content: "hi there"},
		{Role: domain.RoleAgent, Content: "hey!"},
		{Role: domain.RoleUser, Content: "i feel hopeless", CoachTip: coach.CrisisAdjacentTip},
		{Role: domain.RoleAgent, Content: "that sounds rough"},
	}
	st := RebuildState(transcript, triage.DefaultTuning())
	if st.UserTurns != 2 || st.TipsShown != 1 || st.LastTipTurn != 2 || !st.TipCooldown {
		t.Fatalf("unexpected rebuilt state: %+v", st)
	}
	if st.Distress.AccumulatedTier2Count != 1 {
		t.Fatalf("tier-2 count = %d, want 1", st.Distress.AccumulatedTier2Count)
	}
}

func TestPersistenceFailureDoesNotInterruptConversation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	view := h.start(t)
	h.repo.mu.Lock()
	h.repo.failWrites = true
	h.repo.mu.Unlock()

	res, err := h.svc.ProcessTurn(context.Background(), view.SessionID, view.Token, "what's your favorite food?")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.AgentTurn == nil || res.AgentTurn.Content != h.gen.reply {
		t.Fatalf("unexpected result: %+v", res)
	}
	snap, err := h.svc.Session(context.Background(), view.SessionID, view.Token)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if len(snap.Transcript) != 2 {
		t.Fatalf("in-memory transcript = %d turns, want 2", len(snap.Transcript))
	}
}

func TestAbandonIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	idle := h.start(t)
	busy := h.start(t)

	// A session this process never loaded is abandoned through the store.
	orphanID, orphanToken := "orphan", "orphan-token"
	old := time.Now().Add(-time.Hour)
	if err := h.repo.CreateSession(ctx, &domain.Session{
		ID: orphanID, Token: orphanToken, UserID: "user-2", Lifecycle: domain.LifecycleActive, CreatedAt: old, UpdatedAt: old,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	h.svc.mu.Lock()
	h.svc.live[idle.SessionID].session.UpdatedAt = old
	h.svc.mu.Unlock()
	h.repo.setUpdatedAt(idle.SessionID, old)

	n, err := h.svc.AbandonIdle(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("AbandonIdle failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("abandoned %d sessions, want 2", n)
	}

	ids := []string{}
	for _, id := range []string{idle.SessionID, busy.SessionID, orphanID} {
		if h.repo.stored(id).Abandoned {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	want := []string{idle.SessionID, orphanID}
	sort.Strings(want)
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("abandoned = %v, want %v", ids, want)
	}
	if _, err := h.svc.ProcessTurn(ctx, idle.SessionID, idle.Token, "still there?"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed for abandoned session, got %v", err)
	}
	if _, err := h.svc.ProcessTurn(ctx, busy.SessionID, busy.Token, "still here"); err != nil {
		t.Fatalf("recent session must stay active: %v", err)
	}
}

func TestAbandonIdleReleasesIdleIntervention(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.crisis.verdict = classifier.Verdict{Severity: classifier.VerdictCrisis, Reason: "personal"}
	ctx := context.Background()
	view := h.start(t)

	if _, err := h.svc.ProcessTurn(ctx, view.SessionID, view.Token, "I want to end it all"); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	h.svc.mu.Lock()
	h.svc.live[view.SessionID].session.UpdatedAt = time.Now().Add(-time.Hour)
	h.svc.mu.Unlock()

	n, err := h.svc.AbandonIdle(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("AbandonIdle failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("an intervention is already closed and must not count as abandoned, got %d", n)
	}
	h.svc.mu.Lock()
	_, tracked := h.svc.live[view.SessionID]
	h.svc.mu.Unlock()
	if tracked {
		t.Fatal("idle intervention should be released from memory")
	}
	if stored := h.repo.stored(view.SessionID); stored.Abandoned || stored.Lifecycle != domain.LifecycleCrisisIntervention {
		t.Fatalf("intervention record changed: %+v", stored)
	}
}
