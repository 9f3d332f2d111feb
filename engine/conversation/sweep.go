package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vocerohq/vocero/engine/agent"
	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/store"
)

// activePhases are the phases a timeout sweep inspects. follow_up runs on
// its own schedule.
var activePhases = []store.Phase{
	store.PhaseGreeting,
	store.PhaseExploration,
	store.PhasePresentation,
	store.PhaseObjectionHandling,
	store.PhaseClosing,
}

// SweepTimeouts closes conversations that outlived their session budget:
// past MaxDuration with no purchase intent, or past twice the budget
// regardless. It returns how many were closed.
func (o *Orchestrator) SweepTimeouts(ctx context.Context) (int, error) {
	now := o.now()
	var stale []uuid.UUID
	for _, phase := range activePhases {
		states, err := o.st.ListConversationsByPhase(ctx, phase)
		if err != nil {
			return 0, fault.Wrap(fault.KindStoreUnavailable, "listing conversations", err)
		}
		for _, state := range states {
			if dueForTimeout(state, now) {
				stale = append(stale, state.ID)
			}
		}
	}

	closed := o.closeAll(ctx, stale, ReasonTimeout)
	if closed > 0 {
		slog.Info("conversation: timeout sweep", "closed", closed)
	}
	return closed, nil
}

func dueForTimeout(state *store.ConversationState, now time.Time) bool {
	elapsed := state.Elapsed(now)
	if elapsed > 2*state.MaxDuration() {
		return true
	}
	return elapsed > state.MaxDuration() && !state.InsightBool(insightIntentSeen)
}

// FireFollowUps sends the re-engagement message for due follow-ups and
// closes the ones that lapsed unanswered. It returns how many messages
// were sent.
func (o *Orchestrator) FireFollowUps(ctx context.Context) (int, error) {
	states, err := o.st.ListConversationsByPhase(ctx, store.PhaseFollowUp)
	if err != nil {
		return 0, fault.Wrap(fault.KindStoreUnavailable, "listing follow-ups", err)
	}

	now := o.now()
	fired := 0
	var lapsed []uuid.UUID
	for _, state := range states {
		due := followUpDue(state, o.cfg.FollowUpDelay)
		sent := state.InsightBool(insightFollowUpSent)
		switch {
		case !sent && !now.Before(due):
			if err := o.fireFollowUp(ctx, state.ID); err != nil {
				slog.Warn("conversation: follow-up failed",
					"conversation", state.ID, "error", err)
				continue
			}
			fired++
		case sent && now.Sub(due) > o.cfg.FollowUpExpiry:
			lapsed = append(lapsed, state.ID)
		}
	}

	o.closeAll(ctx, lapsed, ReasonFollowUpLapse)
	return fired, nil
}

// followUpDue reads the scheduled follow-up instant, falling back to the
// last state change plus the configured delay.
func followUpDue(state *store.ConversationState, delay time.Duration) time.Time {
	if v, ok := state.Insight(insightFollowUpAt); ok {
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
		}
	}
	return state.UpdatedAt.Add(delay)
}

// fireFollowUp appends the re-engagement message under the conversation
// lock, re-checking the phase in case a turn raced the sweep.
func (o *Orchestrator) fireFollowUp(ctx context.Context, id uuid.UUID) error {
	unlock := o.locks.lock(id.String())
	defer unlock()

	state, err := o.loadState(ctx, id)
	if err != nil {
		return err
	}
	if state.Phase != store.PhaseFollowUp || state.InsightBool(insightFollowUpSent) {
		return nil
	}

	now := o.now()
	msg := agent.FollowUpMessage(state.ProgramType, state.Customer)
	if _, err := state.AppendMessage(store.RoleAssistant, msg, now); err != nil {
		return fault.Wrap(fault.KindInternal, "appending follow-up", err)
	}
	if !o.tracker.Tracking(state.ID) {
		o.tracker.TrackFromState(state)
	}
	o.tracker.RecordAssistantMessage(state.ID, now)
	state.SetInsight(insightFollowUpSent, true)

	if err := o.st.UpsertConversation(ctx, state); err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "persisting follow-up", err)
	}
	slog.Info("conversation: follow-up sent", "conversation", state.ID)
	return nil
}

// closeAll ends conversations with bounded parallelism. Individual failures
// are logged, not propagated; the next sweep retries them.
func (o *Orchestrator) closeAll(ctx context.Context, ids []uuid.UUID, reason string) int {
	if len(ids) == 0 {
		return 0
	}

	sem := semaphore.NewWeighted(o.cfg.SweepConcurrency)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := o.EndConversation(ctx, id, reason); err != nil {
				slog.Warn("conversation: sweep close failed",
					"conversation", id, "error", err)
				return
			}
			mu.Lock()
			closed++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return closed
}
