package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/modelclient"
)

// verbatimRunWindow is the number of most-recent completed runs included
// in full; older runs are summarized.
const verbatimRunWindow = 5

// HistoryBuilder implements engine.HistoryBuilder: it assembles the
// model-facing context from a session's prior completed runs, summarizing
// anything beyond the verbatim window.
//
// Summarization is best-effort. If it fails, older runs are simply
// omitted from context rather than blocking the run: a degraded but
// still-correct continuation, never a stuck run.
type HistoryBuilder struct {
	store      *journal.Store
	sessions   *Repo
	summarizer modelclient.Client
}

// NewHistoryBuilder wires a HistoryBuilder. summarizer may be nil, in
// which case a deterministic heuristic (task + outcome concatenation) is
// used instead of an auxiliary model call.
func NewHistoryBuilder(store *journal.Store, sessions *Repo, summarizer modelclient.Client) *HistoryBuilder {
	return &HistoryBuilder{store: store, sessions: sessions, summarizer: summarizer}
}

// BuildContext satisfies engine.HistoryBuilder.
func (h *HistoryBuilder) BuildContext(ctx context.Context, sessionID, excludeRunID string) ([]modelclient.Message, error) {
	runs, err := h.store.ListRunsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	completed := make([]journal.Run, 0, len(runs))
	for _, r := range runs {
		if r.ID == excludeRunID {
			continue
		}
		if r.Status == journal.StatusCompleted {
			completed = append(completed, r)
		}
	}
	if len(completed) == 0 {
		return nil, nil
	}

	var older, verbatim []journal.Run
	if len(completed) > verbatimRunWindow {
		older = completed[:len(completed)-verbatimRunWindow]
		verbatim = completed[len(completed)-verbatimRunWindow:]
	} else {
		verbatim = completed
	}

	var messages []modelclient.Message

	if len(older) > 0 {
		if summary, err := h.summaryFor(ctx, sessionID, older); err != nil {
			slog.Warn("session summarization failed, omitting older runs from context",
				slog.String("session_id", sessionID), slog.Any("error", err))
		} else if summary != "" {
			messages = append(messages, modelclient.Message{
				Role:    modelclient.RoleSystem,
				Content: "Summary of earlier conversation: " + summary,
			})
		}
	}

	for _, run := range verbatim {
		messages = append(messages, modelclient.Message{Role: modelclient.RoleUser, Content: run.Task})
		entries, err := h.store.List(ctx, run.ID, 0)
		if err != nil {
			continue
		}
		messages = append(messages, journal.BuildTranscript(entries)...)
	}

	return messages, nil
}

// summaryFor returns the latest cached summary if it covers at least the
// given older runs (its through-run-number is at or past the latest of
// them), else produces and durably saves a fresh one.
func (h *HistoryBuilder) summaryFor(ctx context.Context, sessionID string, older []journal.Run) (string, error) {
	throughRun := older[len(older)-1].RunNumber

	if cached, err := h.sessions.LatestSummary(ctx, sessionID); err == nil && cached.ThroughRunNumber >= throughRun {
		return cached.SummaryText, nil
	}

	text, err := h.summarize(ctx, older)
	if err != nil {
		return "", err
	}

	if err := h.sessions.SaveSummary(ctx, sessionID, text, throughRun); err != nil {
		// Saving the summary is itself best-effort against the session:
		// the freshly computed text is still usable for this request even
		// if the durable write fails.
		slog.Warn("failed to persist session summary", slog.String("session_id", sessionID), slog.Any("error", err))
	}

	return text, nil
}

func (h *HistoryBuilder) summarize(ctx context.Context, runs []journal.Run) (string, error) {
	if h.summarizer == nil {
		return heuristicSummary(runs), nil
	}

	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "Task: %s\n", r.Task)
	}

	resp, err := h.summarizer.Invoke(ctx, modelclient.Request{
		Messages: []modelclient.Message{
			{Role: modelclient.RoleSystem, Content: "Summarize the following completed tasks in a few sentences of context useful for continuing the conversation."},
			{Role: modelclient.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("auxiliary summarization call: %w", err)
	}
	return resp.Message.Content, nil
}

// heuristicSummary is the deterministic fallback summarizer used when no
// auxiliary model is configured.
func heuristicSummary(runs []journal.Run) string {
	var b strings.Builder
	b.WriteString("Earlier in this session: ")
	for i, r := range runs {
		if i > 0 {
			b.WriteString("; ")
		}
		task := r.Task
		if len(task) > 120 {
			task = task[:120] + "…"
		}
		fmt.Fprintf(&b, "run %d (%s)", r.RunNumber, task)
	}
	return b.String()
}
