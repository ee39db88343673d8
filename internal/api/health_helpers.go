package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	components := make([]componentStatus, 0, len(h.health)+2)
	if h.store != nil {
		components = append(components, recordComponent("datastore", h.store.Ping(ctx)))
	}
	if h.sessions != nil {
		components = append(components, recordComponent("sessions", h.sessions.Ping(ctx)))
	}
	for _, check := range h.health {
		if check.Ping == nil {
			continue
		}
		components = append(components, recordComponent(check.Name, check.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}
