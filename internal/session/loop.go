package session

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/localdesk/localdesk/internal/logging"
	"github.com/localdesk/localdesk/internal/permission"
	"github.com/localdesk/localdesk/internal/provider"
	"github.com/localdesk/localdesk/internal/store"
	"github.com/localdesk/localdesk/pkg/types"
)

const (
	// MaxRetries is the maximum number of retries for backend errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
)

// newRetryBackoff creates an exponential backoff with jitter for backend
// retries, bounded by the run context so an abort stops retrying too.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// runLoop drives one model invocation to its terminal transition. It is the
// only goroutine producing events for this session while it lives.
func (s *Service) runLoop(ctx context.Context, r *Runner, sess *types.Session, prompt string) {
	defer close(r.done)
	defer s.removeRunner(r)

	stream, err := s.invokeWithRetry(ctx, sess, prompt)
	if err != nil {
		s.finish(r, sess.ID, err)
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			s.finish(r, sess.ID, nil)
			return
		}
		if err != nil {
			s.finish(r, sess.ID, err)
			return
		}

		switch chunk.Kind {
		case provider.ChunkText:
			s.recordStreamMessage(sess.ID, &types.Message{
				ID:        ulid.Make().String(),
				SessionID: sess.ID,
				Kind:      types.MessageAssistant,
				Content:   chunk.Text,
			})

		case provider.ChunkToolCall:
			if err := s.handleToolCall(ctx, stream, sess.ID, chunk); err != nil {
				s.finish(r, sess.ID, err)
				return
			}

		case provider.ChunkResult:
			s.handleResult(sess.ID, chunk)
			if chunk.IsError {
				s.finish(r, sess.ID, &backendError{msg: chunk.Error})
				return
			}
			s.finish(r, sess.ID, nil)
			return
		}
	}
}

// invokeWithRetry starts the backend call, retrying transient failures with
// exponential backoff.
func (s *Service) invokeWithRetry(ctx context.Context, sess *types.Session, prompt string) (provider.Stream, error) {
	req := &provider.InvokeRequest{
		SessionID:   sess.ID,
		Prompt:      prompt,
		ResumeToken: sess.ResumeToken,
		Model:       sess.Model,
		Temperature: sess.Temperature,
		CWD:         sess.CWD,
	}
	if sess.ResumeToken == "" {
		// A rewritten conversation has no backend handle; replay history.
		history, err := s.store.SessionHistory(sess.ID)
		if err != nil {
			return nil, err
		}
		req.History = history
	}

	retry := newRetryBackoff(ctx)
	for {
		stream, err := s.backend.Invoke(ctx, req)
		if err == nil {
			return stream, nil
		}
		next := retry.NextBackOff()
		if next == backoff.Stop {
			return nil, err
		}
		logging.Warn().Err(err).
			Str("sessionID", sess.ID).
			Dur("retryIn", next).
			Msg("backend invoke failed, retrying")
		time.Sleep(next)
	}
}

// handleToolCall runs the permission handshake for one tool call: record it,
// wait on the gate, execute the capability if approved and feed the outcome
// back into the stream.
func (s *Service) handleToolCall(ctx context.Context, stream provider.Stream, sessionID string, chunk *provider.Chunk) error {
	s.recordStreamMessage(sessionID, &types.Message{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Kind:       types.MessageToolUse,
		Content:    string(chunk.Input),
		ToolCallID: chunk.CallID,
		ToolName:   chunk.ToolName,
	})

	_, decisionCh := s.gate.Request(sessionID, chunk.ToolName, chunk.Input)

	var decision permission.Decision
	select {
	case decision = <-decisionCh:
	case <-ctx.Done():
		// Abort during the wait; the gate has already denied the entry.
		return ctx.Err()
	}

	var output string
	var isError bool
	if decision.Approved {
		result := s.caps.Execute(ctx, chunk.ToolName, chunk.Input)
		output = result.Output
		if !result.Success {
			output = result.Error
			isError = true
		}
	} else {
		output = decision.Reason
		if output == "" {
			output = "Permission denied"
		}
		isError = true
	}

	if err := stream.SendToolResult(chunk.CallID, output, isError); err != nil {
		return err
	}

	s.recordStreamMessage(sessionID, &types.Message{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Kind:       types.MessageToolResult,
		Content:    output,
		ToolCallID: chunk.CallID,
		ToolName:   chunk.ToolName,
		IsError:    isError,
	})
	return nil
}

// handleResult persists the terminal backend message, its usage deltas and
// the resume token.
func (s *Service) handleResult(sessionID string, chunk *provider.Chunk) {
	usage := chunk.Usage
	s.recordStreamMessage(sessionID, &types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Kind:      types.MessageResult,
		Content:   chunk.Text,
		IsError:   chunk.IsError,
		Usage:     &usage,
	})

	if usage.Input != 0 || usage.Output != 0 {
		if err := s.store.UpdateTokens(sessionID, usage.Input, usage.Output); err != nil {
			logging.Error().Err(err).Str("sessionID", sessionID).Msg("update token counters")
		}
	}
	if chunk.ResumeToken != "" {
		token := chunk.ResumeToken
		if err := s.store.UpdateSession(sessionID, store.SessionPatch{ResumeToken: &token}); err != nil {
			logging.Error().Err(err).Str("sessionID", sessionID).Msg("persist resume token")
		}
	}
}

// recordStreamMessage persists a streamed message and forwards it to
// subscribers, preserving backend emission order.
func (s *Service) recordStreamMessage(sessionID string, m *types.Message) {
	if err := s.store.RecordMessage(m); err != nil {
		logging.Error().Err(err).Str("sessionID", sessionID).Msg("record message")
	}
	s.bus.PublishSync(types.StreamMessageEvent{SessionID: sessionID, Message: m})
}

// backendError wraps a terminal error chunk as an error value.
type backendError struct {
	msg string
}

func (e *backendError) Error() string { return e.msg }

// finish performs the terminal status transition for a run. An abort is a
// clean idle transition; everything else with a non-nil error is a backend
// failure surfaced as runner.error.
func (s *Service) finish(r *Runner, sessionID string, err error) {
	if r.Aborted() {
		logging.Debug().Str("sessionID", sessionID).Msg("run aborted")
		s.setStatus(sessionID, types.SessionIdle, "")
		return
	}
	if err != nil && err != io.EOF {
		logging.Error().Err(err).Str("sessionID", sessionID).Msg("run failed")
		s.bus.PublishSync(types.RunnerErrorEvent{SessionID: sessionID, Error: err.Error()})
		s.setStatus(sessionID, types.SessionError, err.Error())
		return
	}
	s.setStatus(sessionID, types.SessionCompleted, "")
}
