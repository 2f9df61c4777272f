package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"makerhub/backend/internal/domain"
	"makerhub/backend/internal/propagation"
	"makerhub/backend/internal/service"
)

const maxStreamTopics = 32

// streamEvent is one Server-Sent Event. State is only filled when the client asked
// for snapshots; otherwise the event is a bare invalidation.
type streamEvent struct {
	domain.ChangeEvent
	State any    `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleEvents streams invalidation events for the requested topics until the
// client goes away. With state=true every event carries a fresh read of its resource.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	if a.hub == nil {
		a.writeError(w, http.StatusServiceUnavailable, errors.New("event stream disabled"))
		return
	}

	topics := normalizeTopics(r.URL.Query()["topic"])
	if len(topics) == 0 {
		a.writeError(w, http.StatusBadRequest, errors.New("at least one topic is required"))
		return
	}
	if len(topics) > maxStreamTopics {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("at most %d topics per stream", maxStreamTopics))
		return
	}
	for _, topic := range topics {
		if err := a.authorizeTopic(r.Context(), topic); err != nil {
			a.writeServiceError(w, err)
			return
		}
	}
	withState, _ := strconv.ParseBool(r.URL.Query().Get("state"))

	sub := a.hub.Subscribe(topics...)
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		a.logger.Warn("event stream cannot flush", zap.Error(err))
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	a.logger.Debug("event stream opened", zap.String("actor_id", actor.ID), zap.Strings("topics", topics))
	defer a.logger.Debug("event stream closed", zap.String("actor_id", actor.ID))

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, a.keepAlive)
		batch, err := sub.Next(waitCtx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			continue
		default:
			return
		}

		if err := a.writeBatch(ctx, w, batch, withState); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (a *API) writeBatch(ctx context.Context, w http.ResponseWriter, batch []domain.ChangeEvent, withState bool) error {
	out := make([]streamEvent, len(batch))
	if withState {
		for i, refreshed := range a.refresher.Refresh(ctx, batch) {
			out[i] = streamEvent{ChangeEvent: refreshed.Event, State: refreshed.Value}
			if refreshed.Err != nil {
				out[i].State = nil
				out[i].Error = service.FailureReason(refreshed.Err)
			}
		}
	} else {
		for i, event := range batch {
			out[i] = streamEvent{ChangeEvent: event}
		}
	}

	for _, event := range out {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.Key(), event.ChangeKind, payload); err != nil {
			return err
		}
	}
	return nil
}

func normalizeTopics(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	topics := make([]string, 0, len(raw))
	for _, value := range raw {
		for _, topic := range strings.Split(value, ",") {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			if _, dup := seen[topic]; dup {
				continue
			}
			seen[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	return topics
}

// authorizeTopic lets admins watch anything. Everyone else may watch their own
// lists, inbox and account, plus single orders and complaints they are party to.
func (a *API) authorizeTopic(ctx context.Context, topic string) error {
	actor, ok := service.ActorFromContext(ctx)
	if !ok {
		return service.ErrUnauthorized
	}
	scope, id, ok := propagation.ParseTopic(topic)
	if !ok {
		return fmt.Errorf("%w: unknown topic %q", service.ErrInvalidRequest, topic)
	}
	if actor.Role == domain.RoleAdmin {
		return nil
	}

	forbidden := fmt.Errorf("%w: cannot watch %s", service.ErrUnauthorized, topic)
	switch scope {
	case "orders:customer":
		if actor.Role != domain.RoleCustomer || id != actor.ID {
			return forbidden
		}
	case "orders:manufacturer":
		if actor.Role != domain.RoleManufacturer || id != actor.ID {
			return forbidden
		}
	case "notifications", "account":
		if id != actor.ID {
			return forbidden
		}
	case "order":
		if _, err := a.service.GetOrder(ctx, id); err != nil {
			return err
		}
	case "complaint":
		if _, err := a.service.GetComplaint(ctx, id); err != nil {
			return err
		}
	default:
		return forbidden
	}
	return nil
}
