package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/localdesk/localdesk/internal/logging"
	"github.com/localdesk/localdesk/internal/store"
	"github.com/localdesk/localdesk/pkg/types"
)

// clientEvent decodes the {type, windowId, payload} envelope and dispatches
// it. The switch is the single client-facing surface; every operation the
// engine supports has a case here.
func (s *Server) clientEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.ClientEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed event envelope")
		return
	}

	result, err := s.dispatch(&ev)
	if err != nil {
		s.writeDispatchError(w, &ev, err)
		return
	}

	resp := map[string]any{"ok": true}
	if result != nil {
		resp["payload"] = result
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeDispatchError maps an operation error onto the HTTP response and,
// for unknown-session failures, notifies only the requesting window.
func (s *Server) writeDispatchError(w http.ResponseWriter, ev *types.ClientEvent, err error) {
	logging.Warn().Err(err).Str("type", ev.Type).Msg("client event failed")

	if errors.Is(err, store.ErrNotFound) {
		if ev.WindowID != "" {
			s.windows.SendTo(ev.WindowID, types.RunnerErrorEvent{Error: err.Error()})
		}
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
}

// decode unmarshals the envelope payload into a request struct.
func decode[T any](ev *types.ClientEvent) (T, error) {
	var req T
	if len(ev.Payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		return req, fmt.Errorf("malformed %s payload: %w", ev.Type, err)
	}
	return req, nil
}

func (s *Server) dispatch(ev *types.ClientEvent) (any, error) {
	switch ev.Type {
	case "session.start":
		req, err := decode[types.SessionStartRequest](ev)
		if err != nil {
			return nil, err
		}
		sess, err := s.sessions.Start(req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": sess.ID}, nil

	case "session.continue":
		req, err := decode[types.SessionContinueRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.sessions.Continue(req.SessionID, req.Prompt)

	case "session.stop":
		req, err := decode[types.SessionRefRequest](ev)
		if err != nil {
			return nil, err
		}
		s.sessions.Stop(req.SessionID)
		return nil, nil

	case "session.delete":
		req, err := decode[types.SessionRefRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.sessions.Delete(req.SessionID)

	case "session.pin":
		req, err := decode[types.SessionPinRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.sessions.Pin(req.SessionID, req.Pinned)

	case "session.update":
		req, err := decode[types.SessionUpdateRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.sessions.Update(req)

	case "session.history":
		req, err := decode[types.SessionHistoryRequest](ev)
		if err != nil {
			return nil, err
		}
		page, err := s.sessions.History(req.SessionID, req.Limit, req.Cursor)
		if err != nil {
			return nil, err
		}
		// History travels on the request path, not the broadcast path.
		if ev.WindowID != "" {
			s.windows.SendTo(ev.WindowID, *page)
		}
		return page, nil

	case "session.list":
		sessions, err := s.sessions.List()
		if err != nil {
			return nil, err
		}
		return types.SessionListEvent{Sessions: sessions}, nil

	case "session.recent_cwds":
		cwds, err := s.sessions.RecentCWDs(10)
		if err != nil {
			return nil, err
		}
		if ev.WindowID != "" {
			s.windows.SendTo(ev.WindowID, types.RecentCWDsEvent{CWDs: cwds})
		}
		return types.RecentCWDsEvent{CWDs: cwds}, nil

	case "permission.response":
		req, err := decode[types.PermissionResponseRequest](ev)
		if err != nil {
			return nil, err
		}
		// An orphan response is logged inside the gate and dropped.
		if err := s.sessions.Gate().Respond(req.SessionID, req.ToolCallID, req.Approved); err != nil {
			return nil, nil
		}
		return nil, nil

	case "message.edit":
		req, err := decode[types.MessageEditRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.sessions.EditMessage(req.SessionID, req.Index, req.Prompt)

	case "task.create":
		req, err := decode[types.TaskCreateRequest](ev)
		if err != nil {
			return nil, err
		}
		t, err := s.tasks.Create(req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"taskId": t.ID}, nil

	case "task.start":
		req, err := decode[types.TaskRefRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.tasks.Start(req.TaskID)

	case "task.stop":
		req, err := decode[types.TaskRefRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.tasks.Stop(req.TaskID)

	case "task.delete":
		req, err := decode[types.TaskRefRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.tasks.Delete(req.TaskID)

	case "task.list":
		return s.tasks.List(), nil

	case "scheduler.create":
		req, err := decode[types.ScheduleCreateRequest](ev)
		if err != nil {
			return nil, err
		}
		t, err := s.sched.Create(req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": t.ID}, nil

	case "scheduler.update":
		req, err := decode[types.ScheduleUpdateRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.sched.Update(req)

	case "scheduler.delete":
		req, err := decode[types.ScheduleRefRequest](ev)
		if err != nil {
			return nil, err
		}
		return nil, s.sched.Delete(req.ID)

	case "scheduler.list":
		tasks, err := s.sched.List()
		if err != nil {
			return nil, err
		}
		return types.ScheduledTaskListEvent{Tasks: tasks}, nil

	case "window.subscribe":
		req, err := decode[types.WindowSubscribeRequest](ev)
		if err != nil {
			return nil, err
		}
		if ev.WindowID == "" {
			return nil, fmt.Errorf("window.subscribe needs a windowId")
		}
		s.windows.Subscribe(ev.WindowID, req.SessionID)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}
