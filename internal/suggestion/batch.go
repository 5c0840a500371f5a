package suggestion

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"boardpilot/api/internal/store"
	"boardpilot/api/internal/telemetry"
)

const errDuplicateInBatch = "duplicate id in batch"

type BatchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult lists outcomes in the order the ids were given.
type BatchResult struct {
	Succeeded []store.Suggestion `json:"succeeded"`
	Failed    []BatchFailure     `json:"failed"`
}

// AcceptBatch accepts each id independently. One item failing never stops
// the others and nothing is rolled back across items.
func (m *Manager) AcceptBatch(ctx context.Context, userID string, ids []string, message string) BatchResult {
	result := m.runBatch(ctx, "accept", ids, func(ctx context.Context, id string) (store.Suggestion, error) {
		return m.accept(ctx, userID, id)
	})
	m.narrateBatch(ctx, result, message, "accepted")
	return result
}

// RejectBatch rejects each id independently.
func (m *Manager) RejectBatch(ctx context.Context, userID string, ids []string, message string) BatchResult {
	result := m.runBatch(ctx, "reject", ids, func(ctx context.Context, id string) (store.Suggestion, error) {
		return m.reject(ctx, userID, id)
	})
	m.narrateBatch(ctx, result, message, "dismissed")
	return result
}

type batchOutcome struct {
	item store.Suggestion
	err  string
}

func (m *Manager) runBatch(ctx context.Context, action string, ids []string, fn func(context.Context, string) (store.Suggestion, error)) BatchResult {
	outcomes := make([]batchOutcome, len(ids))
	seen := make(map[string]struct{}, len(ids))

	var g errgroup.Group
	g.SetLimit(m.cfg.BatchConcurrency)
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup {
			outcomes[i].err = errDuplicateInBatch
			continue
		}
		seen[id] = struct{}{}

		g.Go(func() error {
			item, err := fn(ctx, id)
			if err != nil {
				outcomes[i].err = err.Error()
				return nil
			}
			outcomes[i].item = item
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{Succeeded: []store.Suggestion{}, Failed: []BatchFailure{}}
	for i, outcome := range outcomes {
		if outcome.err != "" {
			result.Failed = append(result.Failed, BatchFailure{ID: ids[i], Error: outcome.err})
			telemetry.BatchItems.WithLabelValues(action, "error").Inc()
			continue
		}
		result.Succeeded = append(result.Succeeded, outcome.item)
		telemetry.BatchItems.WithLabelValues(action, "ok").Inc()
	}

	log.WithFields(log.Fields{
		"action":    action,
		"requested": len(ids),
		"succeeded": len(result.Succeeded),
		"failed":    len(result.Failed),
	}).Info("suggestion batch processed")
	return result
}

// narrateBatch writes message once per session touched by a successful item.
func (m *Manager) narrateBatch(ctx context.Context, result BatchResult, message, verb string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	counts := make(map[string]int)
	var order []string
	for _, item := range result.Succeeded {
		if _, ok := counts[item.SessionID]; !ok {
			order = append(order, item.SessionID)
		}
		counts[item.SessionID]++
	}
	for _, sessionID := range order {
		ack := "1 suggestion " + verb + "."
		if n := counts[sessionID]; n != 1 {
			ack = fmt.Sprintf("%d suggestions %s.", n, verb)
		}
		m.narrate(ctx, sessionID, message, ack)
	}
}
